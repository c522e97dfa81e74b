package bus

import "time"

// Event kinds published by the daemon. Subscribers filter by prefix, so
// "message." receives every message.* kind.
const (
	MessageStaged     = "message.staged"
	MessageReceived   = "message.received"
	MessageReconciled = "message.reconciled"
	MessageSendFailed = "message.send_failed"

	RealtimeStatusChanged = "realtime.status_changed"
	RealtimeConnected     = "realtime.connected"
	RealtimeDisconnected  = "realtime.disconnected"

	// UploadPrefix namespaces notifier events bridged onto the bus.
	UploadPrefix = "upload."
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies the message a message.* event is about.
type MessageRef struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	TempID         string `json:"temp_id,omitempty"`
}
