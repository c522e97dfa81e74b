package index

import (
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/msync/internal/store"
)

func msg(id, conv string, at int64) *store.Message {
	return &store.Message{ID: id, ConversationID: conv, SendingTime: time.UnixMilli(at), Status: store.StatusSent}
}

func idsOf(msgs []*store.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPutAppendsInOrder(t *testing.T) {
	x := New()
	x.Ensure(Meta{ID: "c1", Participant: "u2"})

	for _, m := range []*store.Message{msg("a", "c1", 1), msg("b", "c1", 2), msg("c", "c1", 3)} {
		if !x.Put("c1", m) {
			t.Fatalf("Put(%s) reported update, want append", m.ID)
		}
	}
	if got := idsOf(x.Messages("c1")); !equal(got, []string{"a", "b", "c"}) {
		t.Errorf("Messages() = %v, want [a b c]", got)
	}
	s, _ := x.Conversation("c1")
	if s.LastMessageDate.UnixMilli() != 3 || s.Count != 3 {
		t.Errorf("summary = %+v, want last=3 count=3", s)
	}
}

func TestPutExistingUpdatesInPlace(t *testing.T) {
	x := New()
	x.Put("c1", msg("a", "c1", 1))
	x.Put("c1", msg("b", "c1", 2))

	updated := msg("a", "c1", 1)
	updated.Status = store.StatusSeen
	if x.Put("c1", updated) {
		t.Error("Put of an indexed id should not append")
	}
	if x.Len("c1") != 2 {
		t.Fatalf("Len() = %d, want 2", x.Len("c1"))
	}
	got, _, _ := x.Get("a")
	if got.Status != store.StatusSeen {
		t.Errorf("status = %q, want seen", got.Status)
	}
	if _, pos, _ := x.position("a"); pos != 0 {
		t.Errorf("position = %d, want 0", pos)
	}
}

func TestReplaceKeepsPosition(t *testing.T) {
	x := New()
	x.Put("c1", msg("a", "c1", 1))
	x.Put("c1", msg("tmp", "c1", 2))
	x.Put("c1", msg("b", "c1", 3))

	if !x.Replace("tmp", msg("perm", "c1", 2)) {
		t.Fatal("Replace() = false")
	}
	if got := idsOf(x.Messages("c1")); !equal(got, []string{"a", "perm", "b"}) {
		t.Errorf("Messages() = %v, want [a perm b]", got)
	}
	if _, _, ok := x.Get("tmp"); ok {
		t.Error("temp id still indexed")
	}
	if _, pos, ok := x.position("perm"); !ok || pos != 1 {
		t.Errorf("Position(perm) = %d,%v, want 1,true", pos, ok)
	}
}

func TestReplaceUnknownIsNoop(t *testing.T) {
	x := New()
	x.Put("c1", msg("a", "c1", 1))
	if x.Replace("nope", msg("perm", "c1", 2)) {
		t.Error("Replace(unknown) = true")
	}
	if got := idsOf(x.Messages("c1")); !equal(got, []string{"a"}) {
		t.Errorf("Messages() = %v, want [a]", got)
	}
}

func TestReplaceMergesProvisionalConversation(t *testing.T) {
	x := New()
	x.Ensure(Meta{ID: "t1", Participant: "u2", Provisional: true})
	x.Put("t1", &store.Message{ID: "t1", ReceiverID: "u2", SendingTime: time.UnixMilli(10)})
	x.Put("t1", &store.Message{ID: "t2", ReceiverID: "u2", SendingTime: time.UnixMilli(11)})

	if !x.Replace("t1", msg("m1", "c9", 10)) {
		t.Fatal("Replace() = false")
	}
	if _, ok := x.Conversation("t1"); ok {
		t.Error("provisional entry still present")
	}
	s, ok := x.Conversation("c9")
	if !ok || s.Provisional || s.Participant != "u2" {
		t.Fatalf("merged conversation = %+v,%v", s, ok)
	}
	if got := idsOf(x.Messages("c9")); !equal(got, []string{"m1", "t2"}) {
		t.Errorf("Messages(c9) = %v, want [m1 t2]", got)
	}
	// The second placeholder resolves against the permanent conversation.
	if !x.Replace("t2", msg("m2", "c9", 11)) {
		t.Fatal("Replace(t2) = false")
	}
	if got := idsOf(x.Messages("c9")); !equal(got, []string{"m1", "m2"}) {
		t.Errorf("Messages(c9) = %v, want [m1 m2]", got)
	}
}

func TestReplacePrependsProvisionalToExistingConversation(t *testing.T) {
	x := New()
	x.Ensure(Meta{ID: "tmp", Provisional: true})
	x.Put("tmp", msg("tmp", "", 5))
	x.Put("tmp", msg("p2", "", 6))
	x.Ensure(Meta{ID: "c1", Participant: "u2"})
	x.Put("c1", msg("a", "c1", 1))

	if !x.Replace("tmp", msg("p1", "c1", 5)) {
		t.Fatal("Replace() = false")
	}
	if got := idsOf(x.Messages("c1")); !equal(got, []string{"p1", "p2", "a"}) {
		t.Errorf("Messages(c1) = %v, want [p1 p2 a]", got)
	}
	if conv, pos, _ := x.position("p2"); conv != "c1" || pos != 1 {
		t.Errorf("p2 located at %q/%d, want c1/1", conv, pos)
	}
	if s, _ := x.Conversation("c1"); s.Participant != "u2" {
		t.Errorf("participant = %q, want u2", s.Participant)
	}
}

func TestRemove(t *testing.T) {
	x := New()
	x.Put("c1", msg("a", "c1", 1))
	x.Put("c1", msg("b", "c1", 2))

	if !x.Remove("a") {
		t.Fatal("Remove(a) = false")
	}
	if x.Remove("a") {
		t.Error("second Remove(a) = true")
	}
	if got := idsOf(x.Messages("c1")); !equal(got, []string{"b"}) {
		t.Errorf("Messages() = %v, want [b]", got)
	}
}

func TestEnsureDateIsMonotonic(t *testing.T) {
	x := New()
	x.Ensure(Meta{ID: "c1", LastMessageDate: time.UnixMilli(100)})
	x.Ensure(Meta{ID: "c1", LastMessageDate: time.UnixMilli(50)})
	x.Ensure(Meta{ID: "c1", LastMessageDate: time.UnixMilli(200)})
	x.Ensure(Meta{ID: "c1", LastMessageDate: time.UnixMilli(150)})

	s, _ := x.Conversation("c1")
	if s.LastMessageDate.UnixMilli() != 200 {
		t.Errorf("last = %d, want 200", s.LastMessageDate.UnixMilli())
	}
}

func TestEnsureFillsParticipant(t *testing.T) {
	x := New()
	if !x.Ensure(Meta{ID: "c1"}) {
		t.Fatal("first Ensure() = false")
	}
	if x.Ensure(Meta{ID: "c1", Participant: "u2"}) {
		t.Error("second Ensure() = true")
	}
	s, _ := x.Conversation("c1")
	if s.Participant != "u2" {
		t.Errorf("participant = %q, want u2", s.Participant)
	}
}

func TestConversationsMostRecentFirst(t *testing.T) {
	x := New()
	x.Put("old", msg("a", "old", 1))
	x.Put("new", msg("b", "new", 3))
	x.Put("mid", msg("c", "mid", 2))

	var got []string
	for _, s := range x.Conversations() {
		got = append(got, s.ID)
	}
	if !equal(got, []string{"new", "mid", "old"}) {
		t.Errorf("Conversations() = %v, want [new mid old]", got)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	x := New()
	x.Put("c1", msg("a", "c1", 1))

	x.Messages("c1")[0].Body = "mutated"
	got, _, _ := x.Get("a")
	if got.Body != "" {
		t.Error("Messages() returned shared pointers")
	}
}

func TestConcurrentPuts(t *testing.T) {
	x := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			x.Put("c1", msg(id, "c1", int64(i)))
			x.Get(id)
			x.Conversations()
		}(i)
	}
	wg.Wait()
	if x.Len("c1") != 50 {
		t.Errorf("Len() = %d, want 50", x.Len("c1"))
	}
}
