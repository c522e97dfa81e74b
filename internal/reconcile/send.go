package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/index"
	"github.com/matheus3301/msync/internal/metrics"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

// SendMessage creates an optimistic message for the active target, stores
// and indexes it, then writes it to the message channel. A failed channel
// write leaves the message pending; it is logged and published as
// message.send_failed but not returned.
func (e *Engine) SendMessage(ctx context.Context, text string) (*store.Message, error) {
	t := e.Active()
	if t.Empty() {
		e.logger.Warn("send rejected", zap.Error(ErrNoActiveConversation))
		return nil, ErrNoActiveConversation
	}

	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: t.ConversationID,
		SenderID:       e.userID,
		ReceiverID:     t.ReceiverID,
		Body:           text,
		SendingTime:    e.now().UTC(),
		Status:         store.StatusPending,
	}
	if err := e.stage(ctx, msg); err != nil {
		e.logger.Error("failed to stage message", zap.Error(err), zap.String("temp_id", msg.ID))
		return nil, err
	}
	metrics.MessagesStaged.Inc()
	e.publish(bus.MessageStaged, bus.MessageRef{MessageID: msg.ID, ConversationID: msg.ConversationID, TempID: msg.ID})

	out := outboundMessage{
		Message:        text,
		ReceiverID:     nullable(msg.ReceiverID),
		ConversationID: nullable(msg.ConversationID),
		TempID:         msg.ID,
	}
	if err := e.msgs.Send(ctx, out); err != nil {
		metrics.SendFailures.WithLabelValues("message").Inc()
		e.logger.Warn("message left pending, send failed", zap.Error(err), zap.String("temp_id", msg.ID))
		e.publish(bus.MessageSendFailed, bus.MessageRef{MessageID: msg.ID, ConversationID: msg.ConversationID, TempID: msg.ID})
	}
	return msg.Clone(), nil
}

// Stage stores and indexes msg if the store does not know it yet. It
// reports whether the message was created.
func (e *Engine) Stage(ctx context.Context, msg *store.Message) (bool, error) {
	if msg.ConversationID == "" && msg.ReceiverID == "" {
		return false, invalid("target", "conversation_id or receiver_id is required")
	}
	existing, err := e.db.GetMessage(ctx, msg.ID)
	if err != nil {
		return false, fmt.Errorf("lookup message %s: %w", msg.ID, err)
	}
	if existing != nil {
		return false, nil
	}
	if err := e.stage(ctx, msg); err != nil {
		return false, err
	}
	metrics.MessagesStaged.Inc()
	e.publish(bus.MessageStaged, bus.MessageRef{MessageID: msg.ID, ConversationID: msg.ConversationID, TempID: msg.ID})
	return true, nil
}

// stage writes msg to the store, then appends it to its conversation entry.
// A provisional key is checked again once its lock is held, since an echo
// may have merged the entry into its permanent conversation meanwhile.
func (e *Engine) stage(ctx context.Context, msg *store.Message) error {
	for {
		key, provisional := e.placement(msg)
		unlock := e.convs.Lock(key)
		if provisional && !e.holdsProvisional(msg.ReceiverID, key) {
			unlock()
			continue
		}
		err := e.put(ctx, msg, key, provisional)
		unlock()
		return err
	}
}

// put must be called with key locked.
func (e *Engine) put(ctx context.Context, msg *store.Message, key string, provisional bool) error {
	if err := e.db.UpsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}
	e.idx.Ensure(index.Meta{
		ID:          key,
		Participant: msg.ReceiverID,
		IsActive:    true,
		Provisional: provisional,
	})
	e.idx.Put(key, msg)
	return nil
}

// placement picks the index entry for an outgoing message. Messages to a
// receiver without a conversation id share one provisional entry keyed by
// the first such message. Once that entry has been adopted, msg is pointed
// at the permanent conversation instead.
func (e *Engine) placement(msg *store.Message) (key string, provisional bool) {
	if msg.ConversationID != "" {
		return msg.ConversationID, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if convID, ok := e.adopted[msg.ReceiverID]; ok {
		msg.ConversationID = convID
		return convID, false
	}
	if key, ok := e.provisional[msg.ReceiverID]; ok {
		return key, true
	}
	e.provisional[msg.ReceiverID] = msg.ID
	return msg.ID, true
}

func (e *Engine) holdsProvisional(receiverID, key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provisional[receiverID] == key
}

// ResolveAttachment records the storage key of an uploaded attachment. It
// never recreates a message that was already reconciled away.
func (e *Engine) ResolveAttachment(ctx context.Context, id, key string) error {
	msg, err := e.db.GetMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup message %s: %w", id, err)
	}
	if msg == nil {
		return nil
	}
	if msg.Attachment == nil {
		msg.Attachment = &store.Attachment{Type: store.AttachmentFile}
	}
	msg.Attachment.Key = key
	msg.Attachment.TempFileID = ""

	if _, err := e.db.UpdateMessage(ctx, msg); err != nil {
		return fmt.Errorf("update attachment of %s: %w", id, err)
	}
	e.idx.Update(msg)
	return nil
}
