// Package index holds the in-memory conversation index: for each
// conversation, its messages in display order.
//
// Messages are kept in an ordered map keyed by slot, where a slot is the id a
// message had when it was first appended. A secondary id → slot map gives
// O(1) lookup by current id, so a placeholder can take its permanent id
// without moving.
package index

import (
	"sort"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/matheus3301/msync/internal/store"
)

// Meta describes a conversation entry.
type Meta struct {
	ID              string
	Participant     string
	IsActive        bool
	LastMessageDate time.Time
	// Provisional entries are keyed by a temporary message id because the
	// server has not assigned a conversation id yet.
	Provisional bool
}

// Summary is Meta plus the number of messages.
type Summary struct {
	Meta
	Count int
}

type entry struct {
	meta Meta
	msgs *orderedmap.OrderedMap[string, *store.Message]
}

type location struct {
	conv string
	slot string
}

// Index is safe for concurrent use. Callers needing read-modify-write
// atomicity across several calls must serialize per conversation themselves.
type Index struct {
	mu    sync.RWMutex
	convs map[string]*entry
	ids   map[string]location
}

// New returns an empty index.
func New() *Index {
	return &Index{
		convs: make(map[string]*entry),
		ids:   make(map[string]location),
	}
}

// Ensure creates the conversation entry if missing and reports whether it did.
// For an existing entry an empty participant is filled in and the last message
// date moves forward.
func (x *Index) Ensure(meta Meta) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.convs[meta.ID]; ok {
		if e.meta.Participant == "" {
			e.meta.Participant = meta.Participant
		}
		e.touch(meta.LastMessageDate)
		return false
	}
	x.convs[meta.ID] = newEntry(meta)
	return true
}

// Put appends msg to convID, creating a bare entry if needed. If msg.ID is
// already indexed the stored copy is replaced in place instead and Put
// reports false.
func (x *Index) Put(convID string, msg *store.Message) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if loc, ok := x.ids[msg.ID]; ok {
		x.set(loc, msg)
		return false
	}
	e, ok := x.convs[convID]
	if !ok {
		e = newEntry(Meta{ID: convID, IsActive: true})
		x.convs[convID] = e
	}
	e.msgs.Set(msg.ID, msg.Clone())
	e.touch(msg.SendingTime)
	x.ids[msg.ID] = location{conv: convID, slot: msg.ID}
	return true
}

// Update replaces an indexed message in place. It reports false if msg.ID is
// not indexed.
func (x *Index) Update(msg *store.Message) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	loc, ok := x.ids[msg.ID]
	if !ok {
		return false
	}
	x.set(loc, msg)
	return true
}

// Replace swaps the placeholder indexed under tempID for msg, keeping its
// position. When the placeholder sits in a provisional conversation and msg
// carries a different conversation id, the provisional entry is merged into
// that conversation first. Replace reports false, changing nothing, if
// tempID is not indexed.
func (x *Index) Replace(tempID string, msg *store.Message) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	loc, ok := x.ids[tempID]
	if !ok {
		return false
	}
	if msg.ConversationID != "" && msg.ConversationID != loc.conv && x.convs[loc.conv].meta.Provisional {
		x.rekey(loc.conv, msg.ConversationID)
		loc = x.ids[tempID]
	}
	if prev, ok := x.ids[msg.ID]; ok && prev != loc {
		// The permanent record was indexed separately; keep the placeholder's slot.
		x.convs[prev.conv].msgs.Delete(prev.slot)
	}
	delete(x.ids, tempID)
	x.ids[msg.ID] = loc
	x.set(loc, msg)
	return true
}

// Remove deletes a message by id, for callers dropping a placeholder that
// will never be reconciled. Removing an unknown id is a no-op that reports
// false, since the message may already have been reconciled.
func (x *Index) Remove(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	loc, ok := x.ids[id]
	if !ok {
		return false
	}
	x.convs[loc.conv].msgs.Delete(loc.slot)
	delete(x.ids, id)
	return true
}

// Get returns a copy of an indexed message and the conversation holding it.
func (x *Index) Get(id string) (*store.Message, string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	loc, ok := x.ids[id]
	if !ok {
		return nil, "", false
	}
	m, _ := x.convs[loc.conv].msgs.Get(loc.slot)
	return m.Clone(), loc.conv, true
}

// position returns the display position of a message within its conversation.
func (x *Index) position(id string) (convID string, pos int, ok bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	loc, ok := x.ids[id]
	if !ok {
		return "", -1, false
	}
	i := 0
	for el := x.convs[loc.conv].msgs.Front(); el != nil; el = el.Next() {
		if el.Key == loc.slot {
			return loc.conv, i, true
		}
		i++
	}
	return "", -1, false
}

// Messages returns copies of a conversation's messages in display order.
func (x *Index) Messages(convID string) []*store.Message {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.convs[convID]
	if !ok {
		return nil
	}
	out := make([]*store.Message, 0, e.msgs.Len())
	for el := e.msgs.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.Clone())
	}
	return out
}

// Len returns the number of messages in a conversation.
func (x *Index) Len(convID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if e, ok := x.convs[convID]; ok {
		return e.msgs.Len()
	}
	return 0
}

// Conversation returns a conversation's summary.
func (x *Index) Conversation(convID string) (Summary, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.convs[convID]
	if !ok {
		return Summary{}, false
	}
	return Summary{Meta: e.meta, Count: e.msgs.Len()}, true
}

// Conversations returns every conversation, most recent first.
func (x *Index) Conversations() []Summary {
	x.mu.RLock()
	out := make([]Summary, 0, len(x.convs))
	for _, e := range x.convs {
		out = append(out, Summary{Meta: e.meta, Count: e.msgs.Len()})
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageDate.Equal(out[j].LastMessageDate) {
			return out[i].LastMessageDate.After(out[j].LastMessageDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func newEntry(meta Meta) *entry {
	return &entry{meta: meta, msgs: orderedmap.NewOrderedMap[string, *store.Message]()}
}

func (e *entry) touch(at time.Time) {
	if at.After(e.meta.LastMessageDate) {
		e.meta.LastMessageDate = at
	}
}

func (x *Index) set(loc location, msg *store.Message) {
	e := x.convs[loc.conv]
	e.msgs.Set(loc.slot, msg.Clone())
	e.touch(msg.SendingTime)
}

// rekey moves every message of oldID to the front of newID and drops oldID.
func (x *Index) rekey(oldID, newID string) {
	old := x.convs[oldID]
	merged := newEntry(old.meta)
	merged.meta.ID = newID
	merged.meta.Provisional = false

	for el := old.msgs.Front(); el != nil; el = el.Next() {
		merged.msgs.Set(el.Key, el.Value)
	}
	if target, ok := x.convs[newID]; ok {
		if target.meta.Participant != "" {
			merged.meta.Participant = target.meta.Participant
		}
		merged.meta.IsActive = merged.meta.IsActive || target.meta.IsActive
		merged.touch(target.meta.LastMessageDate)
		for el := target.msgs.Front(); el != nil; el = el.Next() {
			merged.msgs.Set(el.Key, el.Value)
		}
	}

	for id, loc := range x.ids {
		if loc.conv == oldID {
			x.ids[id] = location{conv: newID, slot: loc.slot}
		}
	}
	delete(x.convs, oldID)
	x.convs[newID] = merged
}
