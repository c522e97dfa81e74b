package store

import "time"

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusReceived  Status = "received"
	StatusSeen      Status = "seen"
	StatusUploading Status = "uploading"
)

// AttachmentType classifies an attachment.
type AttachmentType string

const AttachmentFile AttachmentType = "attachment"

// Attachment describes a file carried by a message. Key stays empty until the
// upload is finalized; TempFileID is cleared at the same time.
type Attachment struct {
	Type       AttachmentType `json:"type"`
	Name       string         `json:"name"`
	Size       int64          `json:"size"`
	Key        string         `json:"key,omitempty"`
	TempFileID string         `json:"temp_file_id,omitempty"`
}

// Resolved reports whether the attachment has a remote storage key.
func (a *Attachment) Resolved() bool {
	return a != nil && a.Key != ""
}

// Message is a chat message. Until the server confirms it, ID holds the
// client-generated temporary id.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Body           string
	Attachment     *Attachment
	SendingTime    time.Time
	ReceivedTime   *time.Time
	SeenTime       *time.Time
	Status         Status
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.ReceivedTime != nil {
		t := *m.ReceivedTime
		c.ReceivedTime = &t
	}
	if m.SeenTime != nil {
		t := *m.SeenTime
		c.SeenTime = &t
	}
	return &c
}

// Conversation is the persisted header of a conversation.
type Conversation struct {
	ID              string
	Participant     string
	IsActive        bool
	StartDate       *time.Time
	LastMessageDate time.Time
}

// TempFile is a staged attachment payload waiting to be uploaded. ID equals
// the owning message's temporary id.
type TempFile struct {
	ID        string
	Name      string
	Size      int64
	Content   []byte
	CreatedAt time.Time
}
