package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
	if result.Dirty {
		t.Error("schema left dirty")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	sent := time.UnixMilli(1_700_000_000_000).UTC()
	msg := &Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1", Body: "hello",
		SendingTime: sent, Status: StatusSent,
	}
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "hello again"
	msg.Status = StatusReceived
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	count, err := db.MessageCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", count)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Body != "hello again" || got.Status != StatusReceived {
		t.Errorf("got body=%q status=%q, want updated values", got.Body, got.Status)
	}
	if !got.SendingTime.Equal(sent) {
		t.Errorf("sending time = %v, want %v", got.SendingTime, sent)
	}
	if got.ReceivedTime != nil || got.SeenTime != nil {
		t.Errorf("nullable times should stay nil, got %v %v", got.ReceivedTime, got.SeenTime)
	}
}

func TestMessageAttachmentRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	seen := time.UnixMilli(2000).UTC()
	msg := &Message{
		ID: "t1", ReceiverID: "u2", SenderID: "u1",
		Attachment:  &Attachment{Type: AttachmentFile, Name: "report.pdf", Size: 42},
		SendingTime: time.UnixMilli(1000).UTC(),
		SeenTime:    &seen,
		Status:      StatusPending,
	}
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Attachment == nil || got.Attachment.Name != "report.pdf" || got.Attachment.Size != 42 {
		t.Fatalf("attachment = %+v, want report.pdf/42", got.Attachment)
	}
	if got.Attachment.Resolved() {
		t.Error("attachment without key should not be resolved")
	}
	if got.SeenTime == nil || !got.SeenTime.Equal(seen) {
		t.Errorf("seen time = %v, want %v", got.SeenTime, seen)
	}
}

func TestUpdateMessageDoesNotInsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ok, err := db.UpdateMessage(ctx, &Message{ID: "gone", Body: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("UpdateMessage reported success for unknown id")
	}
	if m, _ := db.GetMessage(ctx, "gone"); m != nil {
		t.Error("UpdateMessage inserted a row")
	}

	if err := db.UpsertMessage(ctx, &Message{ID: "m1", Body: "a"}); err != nil {
		t.Fatal(err)
	}
	ok, err = db.UpdateMessage(ctx, &Message{ID: "m1", Body: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("UpdateMessage reported failure for existing id")
	}
}

func TestGetAndDeleteMissing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m, err := db.GetMessage(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Error("expected nil for missing message")
	}
	if err := db.DeleteMessage(ctx, "missing"); err != nil {
		t.Errorf("DeleteMessage(missing) error = %v", err)
	}
	c, err := db.GetConversation(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestListMessagesOrdered(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, m := range []*Message{
		{ID: "b", ConversationID: "c1", SendingTime: time.UnixMilli(2000)},
		{ID: "a", ConversationID: "c1", SendingTime: time.UnixMilli(1000)},
		{ID: "x", ConversationID: "c2", SendingTime: time.UnixMilli(500)},
		{ID: "p", ReceiverID: "u2", SendingTime: time.UnixMilli(700)},
	} {
		if err := db.UpsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != "a" || msgs[1].ID != "b" {
		t.Errorf("ListMessages(c1) = %v, want [a b]", ids(msgs))
	}

	unassigned, err := db.ListUnassignedMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unassigned) != 1 || unassigned[0].ID != "p" {
		t.Errorf("ListUnassignedMessages() = %v, want [p]", ids(unassigned))
	}
}

func TestConversationTouchIsMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	start := time.UnixMilli(5000).UTC()
	if err := db.UpsertConversation(ctx, &Conversation{
		ID: "c1", Participant: "u2", IsActive: true, StartDate: &start, LastMessageDate: start,
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.TouchConversation(ctx, "c1", time.UnixMilli(9000)); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchConversation(ctx, "c1", time.UnixMilli(7000)); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageDate.UnixMilli() != 9000 {
		t.Errorf("last message date = %d, want 9000", c.LastMessageDate.UnixMilli())
	}
	if c.StartDate == nil || !c.StartDate.Equal(start) {
		t.Errorf("start date = %v, want %v", c.StartDate, start)
	}
	if !c.IsActive || c.Participant != "u2" {
		t.Errorf("conversation = %+v", c)
	}
}

func TestListConversationsMostRecentFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, c := range []struct {
		id string
		at int64
	}{{"old", 1000}, {"new", 3000}, {"mid", 2000}} {
		if err := db.UpsertConversation(ctx, &Conversation{ID: c.id, LastMessageDate: time.UnixMilli(c.at)}); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, c := range convs {
		got = append(got, c.ID)
	}
	want := []string{"new", "mid", "old"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestTempFileLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.PutTempFile(ctx, &TempFile{ID: "t1", Name: "a.txt", Size: 3, Content: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	// Restaging overwrites.
	if err := db.PutTempFile(ctx, &TempFile{ID: "t1", Name: "b.txt", Size: 4, Content: []byte("abcd")}); err != nil {
		t.Fatal(err)
	}

	f, err := db.GetTempFile(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if f == nil || f.Name != "b.txt" || string(f.Content) != "abcd" {
		t.Fatalf("temp file = %+v, want restaged b.txt", f)
	}

	staged, err := db.ListTempFileIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(staged) != 1 || staged[0] != "t1" {
		t.Errorf("ListTempFileIDs() = %v, want [t1]", staged)
	}

	if err := db.DeleteTempFile(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	f, err = db.GetTempFile(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if f != nil {
		t.Error("temp file still present after delete")
	}
}

func TestState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetState(ctx, "k"); err != nil || ok {
		t.Fatalf("GetState(missing) = ok=%v err=%v", ok, err)
	}
	if err := db.SetState(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetState(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.GetState(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "v2" {
		t.Errorf("GetState(k) = %q,%v, want v2,true", v, ok)
	}
}

func TestMessageClone(t *testing.T) {
	now := time.Now()
	m := &Message{ID: "m", Attachment: &Attachment{Name: "a"}, ReceivedTime: &now}
	c := m.Clone()
	c.Attachment.Name = "b"
	*c.ReceivedTime = now.Add(time.Hour)
	if m.Attachment.Name != "a" || !m.ReceivedTime.Equal(now) {
		t.Error("Clone shares pointers with the original")
	}
}

func ids(msgs []*Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
