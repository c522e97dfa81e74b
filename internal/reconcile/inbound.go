package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/index"
	"github.com/matheus3301/msync/internal/metrics"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

// HandleInbound applies one message delivered by the server. The message is
// persisted before the index changes, and the index changes before a
// delivery ack is sent.
func (e *Engine) HandleInbound(ctx context.Context, data json.RawMessage) error {
	msg, tempID, err := decodeInbound(data)
	if err != nil {
		metrics.InboundRejected.Inc()
		e.logger.Warn("dropping malformed inbound message", zap.Error(err))
		return err
	}
	log := e.logger.With(zap.String("msg_id", msg.ID), zap.String("conversation_id", msg.ConversationID))

	if err := e.db.UpsertMessage(ctx, msg); err != nil {
		log.Error("failed to persist inbound message", zap.Error(err))
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}

	self := msg.SenderID == e.userID
	var placeholder *store.Message
	placeholderKey := ""
	if self && tempID != "" {
		placeholder, placeholderKey, _ = e.idx.Get(tempID)
	}

	unlock := e.convs.Lock(msg.ConversationID)
	defer unlock()
	if placeholderKey != "" && placeholderKey != msg.ConversationID {
		unlockProvisional := e.convs.Lock(placeholderKey)
		defer unlockProvisional()
	}

	if err := e.ensureConversation(ctx, msg, msg.SenderID); err != nil {
		log.Error("failed to update conversation", zap.Error(err))
		return err
	}

	if self {
		metrics.MessagesReceived.WithLabelValues("self").Inc()
		return e.reconcileEcho(ctx, msg, tempID, placeholder, placeholderKey)
	}

	metrics.MessagesReceived.WithLabelValues("peer").Inc()
	e.idx.Put(msg.ConversationID, msg)
	e.publish(bus.MessageReceived, bus.MessageRef{MessageID: msg.ID, ConversationID: msg.ConversationID})

	if err := e.acks.SendStatus(ctx, realtime.Received(msg.ID, e.now())); err != nil {
		metrics.SendFailures.WithLabelValues("sync").Inc()
		log.Warn("failed to send delivery ack", zap.Error(err))
		return nil
	}
	metrics.AcksSent.Inc()
	return nil
}

// ensureConversation creates the conversation on first sight or moves its
// last message date forward, in the store and then the index.
func (e *Engine) ensureConversation(ctx context.Context, msg *store.Message, participant string) error {
	conv, err := e.db.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("lookup conversation %s: %w", msg.ConversationID, err)
	}
	if conv == nil {
		start := msg.SendingTime
		conv = &store.Conversation{
			ID:              msg.ConversationID,
			Participant:     participant,
			IsActive:        true,
			StartDate:       &start,
			LastMessageDate: start,
		}
		if err := e.db.UpsertConversation(ctx, conv); err != nil {
			return fmt.Errorf("create conversation %s: %w", conv.ID, err)
		}
		e.logger.Info("conversation created",
			zap.String("conversation_id", conv.ID), zap.String("participant", conv.Participant))
	} else {
		if err := e.db.TouchConversation(ctx, conv.ID, msg.SendingTime); err != nil {
			return fmt.Errorf("touch conversation %s: %w", conv.ID, err)
		}
		if msg.SendingTime.After(conv.LastMessageDate) {
			conv.LastMessageDate = msg.SendingTime
		}
	}
	e.idx.Ensure(index.Meta{
		ID:              conv.ID,
		Participant:     conv.Participant,
		IsActive:        conv.IsActive,
		LastMessageDate: conv.LastMessageDate,
	})
	return nil
}

// reconcileEcho handles the server's copy of a message this user sent.
func (e *Engine) reconcileEcho(ctx context.Context, msg *store.Message, tempID string, placeholder *store.Message, placeholderKey string) error {
	log := e.logger.With(zap.String("msg_id", msg.ID), zap.String("temp_id", tempID))
	if tempID == "" {
		// Sent from another session: nothing to replace.
		e.idx.Update(msg)
		e.publish(bus.MessageReceived, bus.MessageRef{MessageID: msg.ID, ConversationID: msg.ConversationID})
		return nil
	}

	if tempID != msg.ID {
		if err := e.db.DeleteMessage(ctx, tempID); err != nil {
			log.Error("failed to delete temp message", zap.Error(err))
			return fmt.Errorf("delete temp message %s: %w", tempID, err)
		}
	}
	if err := e.db.DeleteTempFile(ctx, tempID); err != nil {
		log.Error("failed to delete temp file", zap.Error(err))
		return fmt.Errorf("delete temp file %s: %w", tempID, err)
	}

	if !e.idx.Replace(tempID, msg) {
		if !e.idx.Update(msg) {
			log.Debug("no placeholder for echo")
		}
		return nil
	}
	metrics.MessagesReconciled.Inc()
	log.Debug("placeholder reconciled", zap.Int("len", e.idx.Len(msg.ConversationID)))

	if placeholder != nil && placeholderKey != msg.ConversationID {
		e.adoptConversation(ctx, placeholder.ReceiverID, placeholderKey, msg.ConversationID)
	}
	e.publish(bus.MessageReconciled, bus.MessageRef{MessageID: msg.ID, ConversationID: msg.ConversationID, TempID: tempID})
	return nil
}

// adoptConversation retires a provisional entry that has been merged into
// conversationID and points a matching active target at it.
func (e *Engine) adoptConversation(ctx context.Context, receiverID, provisionalKey, conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.provisional[receiverID] == provisionalKey {
		delete(e.provisional, receiverID)
		e.adopted[receiverID] = conversationID
	}
	if e.target.ConversationID != "" || e.target.ReceiverID != receiverID {
		return
	}
	t := Target{ConversationID: conversationID, ReceiverID: receiverID}
	if err := e.saveTarget(ctx, t); err != nil {
		e.logger.Warn("failed to persist adopted target", zap.Error(err))
	}
	e.target = t
}
