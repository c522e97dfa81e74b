package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/msync/internal/index"
	"github.com/matheus3301/msync/internal/store"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Target names a conversation, or a receiver to start one with.
type Target struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ReceiverID     string `json:"receiver_id,omitempty"`
}

type SelectRequest struct {
	Target
}

type SelectResponse struct {
	Active Target `json:"active"`
}

type SendRequest struct {
	Text string `json:"text"`
}

type SendResponse struct {
	Message MessageView `json:"message"`
}

// SendFileRequest uploads the file at Path, read on the daemon host. With
// an empty Path it resumes the staged upload of MessageID instead. Target
// defaults to the active conversation.
type SendFileRequest struct {
	Target
	Path      string `json:"path,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

type SendFileResponse struct {
	MessageID string `json:"message_id"`
}

type DownloadRequest struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type DownloadResponse struct {
	Path string `json:"path"`
}

type ListConversationsRequest struct{}

type ListConversationsResponse struct {
	Conversations []ConversationView `json:"conversations"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ListMessagesResponse struct {
	Messages []MessageView `json:"messages"`
}

type StatusRequest struct{}

type StatusResponse struct {
	Session  string        `json:"session"`
	UserID   string        `json:"user_id"`
	Active   Target        `json:"active"`
	Channels []ChannelView `json:"channels"`
	// Dropped counts bus events watchers missed because they fell behind.
	Dropped uint64 `json:"dropped"`
}

// ChannelView is the state of one realtime channel.
type ChannelView struct {
	Name  string    `json:"name"`
	State string    `json:"state"`
	Since time.Time `json:"since"`
}

type WatchRequest struct {
	// Namespace is a kind prefix; empty watches everything.
	Namespace string `json:"namespace,omitempty"`
}

// EventView is one bus event on a WatchEvents stream.
type EventView struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MessageView is the wire form of a message.
type MessageView struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	SenderID       string            `json:"sender_id"`
	ReceiverID     string            `json:"receiver_id,omitempty"`
	Body           string            `json:"body"`
	Attachment     *store.Attachment `json:"attachment,omitempty"`
	SendingTime    time.Time         `json:"sending_time"`
	ReceivedTime   *time.Time        `json:"received_time,omitempty"`
	SeenTime       *time.Time        `json:"seen_time,omitempty"`
	Status         string            `json:"status"`
}

// ConversationView is the wire form of an index entry.
type ConversationView struct {
	ID              string    `json:"id"`
	Participant     string    `json:"participant"`
	IsActive        bool      `json:"is_active"`
	LastMessageDate time.Time `json:"last_message_date"`
	Provisional     bool      `json:"provisional,omitempty"`
	Count           int       `json:"count"`
}

func messageView(m *store.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Body:           m.Body,
		Attachment:     m.Attachment,
		SendingTime:    m.SendingTime,
		ReceivedTime:   m.ReceivedTime,
		SeenTime:       m.SeenTime,
		Status:         string(m.Status),
	}
}

func conversationView(s index.Summary) ConversationView {
	return ConversationView{
		ID:              s.ID,
		Participant:     s.Participant,
		IsActive:        s.IsActive,
		LastMessageDate: s.LastMessageDate,
		Provisional:     s.Provisional,
		Count:           s.Count,
	}
}

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
