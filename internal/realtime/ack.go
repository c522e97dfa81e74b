package realtime

import (
	"context"
	"time"
)

// Status values carried by a MessageStatus update.
const (
	StatusReceived = "received"
	StatusSeen     = "seen"
)

// MessageStatus is the delivery update written raw to the sync channel.
type MessageStatus struct {
	Type   string              `json:"type"`
	Data   []MessageStatusItem `json:"data"`
	Status string              `json:"status"`
}

// MessageStatusItem names one message and the time its status changed.
type MessageStatusItem struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Received builds the ack for a single delivered message.
func Received(messageID string, at time.Time) MessageStatus {
	return MessageStatus{
		Type:   "MessageStatus",
		Data:   []MessageStatusItem{{MessageID: messageID, Timestamp: at.UTC()}},
		Status: StatusReceived,
	}
}

// SendStatus writes a MessageStatus update without the packet envelope.
func (c *Conn) SendStatus(ctx context.Context, update MessageStatus) error {
	return c.SendRaw(ctx, update)
}
