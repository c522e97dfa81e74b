package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/msync/internal/store"
)

// wireID accepts ids the server encodes as either strings or numbers.
type wireID string

func (w *wireID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*w = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = wireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*w = wireID(n.String())
	return nil
}

// inboundMessage is the payload of a "message" packet.
type inboundMessage struct {
	ID             wireID            `json:"id"`
	ConversationID wireID            `json:"conversation_id"`
	SenderID       wireID            `json:"sender_id"`
	ReceiverID     wireID            `json:"receiver_id"`
	Message        *string           `json:"message"`
	SendingTime    string            `json:"sending_time"`
	ReceivedTime   string            `json:"received_time"`
	SeenTime       string            `json:"seen_time"`
	Status         string            `json:"status"`
	TempID         wireID            `json:"temp_id"`
	Attachment     *store.Attachment `json:"attachment"`
}

// outboundMessage is what SendMessage writes to the message channel.
type outboundMessage struct {
	Message        string  `json:"message"`
	ReceiverID     *string `json:"receiver_id"`
	ConversationID *string `json:"conversation_id"`
	TempID         string  `json:"temp_id"`
}

// decodeInbound validates a payload and maps it to a message. The second
// return is the temp id the payload reconciles, if any.
func decodeInbound(data json.RawMessage) (*store.Message, string, error) {
	var in inboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, "", invalid("payload", err.Error())
	}
	switch {
	case in.ID == "":
		return nil, "", invalid("id", "missing")
	case in.ConversationID == "":
		return nil, "", invalid("conversation_id", "missing")
	case in.SenderID == "":
		return nil, "", invalid("sender_id", "missing")
	case in.Message == nil:
		return nil, "", invalid("message", "missing")
	case in.SendingTime == "":
		return nil, "", invalid("sending_time", "missing")
	case in.Status == "":
		return nil, "", invalid("status", "missing")
	}
	sent, err := parseTime(in.SendingTime)
	if err != nil {
		return nil, "", invalid("sending_time", err.Error())
	}

	msg := &store.Message{
		ID:             string(in.ID),
		ConversationID: string(in.ConversationID),
		SenderID:       string(in.SenderID),
		ReceiverID:     string(in.ReceiverID),
		Body:           *in.Message,
		Attachment:     in.Attachment,
		SendingTime:    sent,
		ReceivedTime:   parseOptionalTime(in.ReceivedTime),
		SeenTime:       parseOptionalTime(in.SeenTime),
		Status:         store.Status(strings.ToLower(in.Status)),
	}
	return msg, string(in.TempID), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTime accepts RFC 3339 and the zone-less ISO form, read as UTC.
func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseOptionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil
	}
	return &t
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
