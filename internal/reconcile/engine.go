// Package reconcile keeps the local store and the in-memory conversation
// index consistent with what the server says. It stages optimistic messages
// under temporary ids and swaps in the server's record when the echo arrives.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/index"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

// StateActiveTarget is the sync_state key holding the selected target.
const StateActiveTarget = "active_target"

// Store is the durable storage the engine needs.
type Store interface {
	UpsertMessage(ctx context.Context, m *store.Message) error
	UpdateMessage(ctx context.Context, m *store.Message) (bool, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	ListUnassignedMessages(ctx context.Context) ([]*store.Message, error)
	UpsertConversation(ctx context.Context, c *store.Conversation) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context) ([]*store.Conversation, error)
	DeleteTempFile(ctx context.Context, id string) error
	SetState(ctx context.Context, key, value string) error
	GetState(ctx context.Context, key string) (string, bool, error)
}

// MessageSender writes to the message channel.
type MessageSender interface {
	Send(ctx context.Context, v any) error
}

// StatusSender writes delivery updates to the sync channel.
type StatusSender interface {
	SendStatus(ctx context.Context, update realtime.MessageStatus) error
}

// Target is the conversation new messages go to. A receiver without a
// conversation id starts a new conversation.
type Target struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ReceiverID     string `json:"receiver_id,omitempty"`
}

// Empty reports whether the target names nobody.
func (t Target) Empty() bool {
	return t.ConversationID == "" && t.ReceiverID == ""
}

// Engine reconciles local and remote message state.
type Engine struct {
	db     Store
	idx    *index.Index
	msgs   MessageSender
	acks   StatusSender
	bus    *bus.Bus
	userID string
	logger *zap.Logger
	now    func() time.Time

	// convs serializes read-modify-write of one conversation's state.
	convs *keyedMutex

	mu     sync.Mutex
	target Target
	// provisional maps a receiver to the index key of the conversation
	// started with them before the server assigned an id.
	provisional map[string]string
	// adopted maps a receiver to the conversation id its provisional entry
	// was merged into.
	adopted map[string]string
}

// NewEngine creates an engine acting as userID. b may be nil.
func NewEngine(db Store, idx *index.Index, msgs MessageSender, acks StatusSender, b *bus.Bus, userID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:          db,
		idx:         idx,
		msgs:        msgs,
		acks:        acks,
		bus:         b,
		userID:      userID,
		logger:      logger,
		now:         time.Now,
		convs:       newKeyedMutex(),
		provisional: make(map[string]string),
		adopted:     make(map[string]string),
	}
}

// UserID returns the id the engine acts as.
func (e *Engine) UserID() string {
	return e.userID
}

// Select makes t the active target and persists it.
func (e *Engine) Select(ctx context.Context, t Target) error {
	if t.Empty() {
		err := invalid("target", "conversation_id or receiver_id is required")
		e.logger.Warn("select rejected", zap.Error(err))
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.saveTarget(ctx, t); err != nil {
		return err
	}
	e.target = t
	e.logger.Info("active conversation selected",
		zap.String("conversation_id", t.ConversationID), zap.String("receiver_id", t.ReceiverID))
	return nil
}

// Active returns the active target.
func (e *Engine) Active() Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}

// saveTarget must be called with e.mu held.
func (e *Engine) saveTarget(ctx context.Context, t Target) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := e.db.SetState(ctx, StateActiveTarget, string(b)); err != nil {
		return fmt.Errorf("persist active target: %w", err)
	}
	return nil
}

// Hydrate loads persisted conversations, their messages and the active
// target into memory. Messages still waiting for a conversation id are
// grouped per receiver under their earliest message id.
func (e *Engine) Hydrate(ctx context.Context) error {
	convs, err := e.db.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	total := 0
	for _, c := range convs {
		e.idx.Ensure(index.Meta{
			ID:              c.ID,
			Participant:     c.Participant,
			IsActive:        c.IsActive,
			LastMessageDate: c.LastMessageDate,
		})
		msgs, err := e.db.ListMessages(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("list messages of %s: %w", c.ID, err)
		}
		for _, m := range msgs {
			e.idx.Put(c.ID, m)
		}
		total += len(msgs)
	}

	unassigned, err := e.db.ListUnassignedMessages(ctx)
	if err != nil {
		return fmt.Errorf("list unassigned messages: %w", err)
	}
	e.mu.Lock()
	for _, m := range unassigned {
		key, ok := e.provisional[m.ReceiverID]
		if !ok {
			key = m.ID
			e.provisional[m.ReceiverID] = key
			e.idx.Ensure(index.Meta{ID: key, Participant: m.ReceiverID, IsActive: true, Provisional: true})
		}
		e.idx.Put(key, m)
	}

	raw, ok, err := e.db.GetState(ctx, StateActiveTarget)
	if err == nil && ok {
		var t Target
		if jerr := json.Unmarshal([]byte(raw), &t); jerr != nil {
			e.logger.Warn("ignoring corrupt active target", zap.Error(jerr))
		} else {
			e.target = t
		}
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("load active target: %w", err)
	}

	e.logger.Info("index hydrated",
		zap.Int("conversations", len(convs)),
		zap.Int("messages", total),
		zap.Int("unassigned", len(unassigned)))
	return nil
}

func (e *Engine) publish(kind string, ref bus.MessageRef) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Payload: ref})
}
