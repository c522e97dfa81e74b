package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/msync/internal/store"
	"github.com/matheus3301/msync/internal/upload"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// mockUploader records calls and tracks peak concurrency.
type mockUploader struct {
	mu       sync.Mutex
	calls    []string
	inflight map[string]bool
	delay    time.Duration
	err      error

	running atomic.Int32
	peak    atomic.Int32
}

func (m *mockUploader) SendMessageWithFile(_ context.Context, msg *store.Message, file *upload.File) error {
	if file != nil {
		panic("resume must not pass a file")
	}
	n := m.running.Add(1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(m.delay)
	m.running.Add(-1)

	m.mu.Lock()
	m.calls = append(m.calls, msg.ID)
	m.mu.Unlock()
	return m.err
}

func (m *mockUploader) InFlight(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[id]
}

func (m *mockUploader) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func stage(t *testing.T, db *store.DB, id string, withMessage bool) {
	t.Helper()
	ctx := context.Background()
	if withMessage {
		if err := db.UpsertMessage(ctx, &store.Message{ID: id, ReceiverID: "u2", SendingTime: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.PutTempFile(ctx, &store.TempFile{ID: id, Name: id + ".txt", Content: []byte("x")}); err != nil {
		t.Fatal(err)
	}
}

func TestResumeAllBoundsConcurrency(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		stage(t, db, id, true)
	}
	up := &mockUploader{delay: 20 * time.Millisecond}
	r := NewResumer(db, up, nil)

	if n := r.ResumeAll(context.Background()); n != 5 {
		t.Errorf("started %d uploads, want 5", n)
	}
	if up.callCount() != 5 {
		t.Errorf("calls = %d, want 5", up.callCount())
	}
	if p := up.peak.Load(); p > maxConcurrent {
		t.Errorf("peak concurrency = %d, want <= %d", p, maxConcurrent)
	}
}

func TestResumeAllSkipsInFlight(t *testing.T) {
	db := testDB(t)
	stage(t, db, "a", true)
	stage(t, db, "b", true)
	up := &mockUploader{inflight: map[string]bool{"a": true}}
	r := NewResumer(db, up, nil)

	r.ResumeAll(context.Background())
	if len(up.calls) != 1 || up.calls[0] != "b" {
		t.Errorf("calls = %v, want [b]", up.calls)
	}
}

func TestResumeAllDropsOrphans(t *testing.T) {
	db := testDB(t)
	stage(t, db, "orphan", false)
	up := &mockUploader{}
	r := NewResumer(db, up, nil)

	if n := r.ResumeAll(context.Background()); n != 0 {
		t.Errorf("started %d uploads, want 0", n)
	}
	if f, _ := db.GetTempFile(context.Background(), "orphan"); f != nil {
		t.Error("orphaned staged file kept")
	}
}

func TestResumerDoesNotRetryFailedUploads(t *testing.T) {
	db := testDB(t)
	stage(t, db, "a", true)
	up := &mockUploader{err: errors.New("bucket unreachable")}
	r := NewResumer(db, up, nil)
	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for up.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if up.callCount() != 1 {
		t.Errorf("calls = %d, want 1", up.callCount())
	}
	if f, _ := db.GetTempFile(context.Background(), "a"); f == nil {
		t.Error("failed upload's staged file dropped")
	}
}
