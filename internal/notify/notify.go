// Package notify is the upload lifecycle event notifier. Each Notifier is an
// independent registry; nothing is process-wide.
//
// Delivery is synchronous and in subscription order. A panicking subscriber
// is recovered and logged so it cannot abort the upload that emitted the
// event.
package notify

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Kind names an upload lifecycle event.
type Kind string

const (
	UploadPreprocessing  Kind = "uploadPreprocessing"
	UploadProgress       Kind = "uploadProgress"
	UploadPostProcessing Kind = "uploadPostProcessing"
	UploadError          Kind = "uploadError"
)

// Event is one notification. Percent is only meaningful for UploadProgress.
type Event struct {
	Kind      Kind   `json:"kind"`
	MessageID string `json:"message_id"`
	Percent   int    `json:"percent"`
}

func (e Event) String() string {
	if e.Kind == UploadProgress {
		return fmt.Sprintf("%s(%s, %d)", e.Kind, e.MessageID, e.Percent)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.MessageID)
}

// Handler receives events.
type Handler func(Event)

type subscriber struct {
	id      uint64
	kind    Kind // empty matches every kind
	handler Handler
}

// Notifier is a typed publish/subscribe registry.
type Notifier struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	logger *zap.Logger
}

// New creates an empty notifier. logger may be nil.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

// On subscribes h to events of kind. The returned function unsubscribes and
// is safe to call more than once.
func (n *Notifier) On(kind Kind, h Handler) (unsubscribe func()) {
	return n.add(kind, h)
}

// OnAll subscribes h to every kind.
func (n *Notifier) OnAll(h Handler) (unsubscribe func()) {
	return n.add("", h)
}

// OnProgress is On(UploadProgress) with the payload unpacked.
func (n *Notifier) OnProgress(h func(messageID string, percent int)) (unsubscribe func()) {
	return n.add(UploadProgress, func(e Event) { h(e.MessageID, e.Percent) })
}

func (n *Notifier) add(kind Kind, h Handler) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscriber{id: id, kind: kind, handler: h})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s.id == id {
				n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers e to matching subscribers in the order they subscribed.
// Subscribers added or removed during delivery take effect from the next Emit.
func (n *Notifier) Emit(e Event) {
	n.mu.RLock()
	subs := make([]subscriber, 0, len(n.subs))
	for _, s := range n.subs {
		if s.kind == "" || s.kind == e.Kind {
			subs = append(subs, s)
		}
	}
	n.mu.RUnlock()

	for _, s := range subs {
		n.deliver(s, e)
	}
}

func (n *Notifier) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("upload event subscriber panicked",
				zap.String("event", string(e.Kind)),
				zap.String("msg_id", e.MessageID),
				zap.Any("panic", r))
		}
	}()
	s.handler(e)
}

// Preprocessing emits UploadPreprocessing.
func (n *Notifier) Preprocessing(messageID string) {
	n.Emit(Event{Kind: UploadPreprocessing, MessageID: messageID})
}

// Progress emits UploadProgress.
func (n *Notifier) Progress(messageID string, percent int) {
	n.Emit(Event{Kind: UploadProgress, MessageID: messageID, Percent: percent})
}

// PostProcessing emits UploadPostProcessing.
func (n *Notifier) PostProcessing(messageID string) {
	n.Emit(Event{Kind: UploadPostProcessing, MessageID: messageID})
}

// Error emits UploadError.
func (n *Notifier) Error(messageID string) {
	n.Emit(Event{Kind: UploadError, MessageID: messageID})
}
