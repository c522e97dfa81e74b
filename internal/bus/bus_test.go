package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: MessageStaged, Payload: MessageRef{MessageID: "t1"}})

	select {
	case evt := <-ch:
		if evt.Kind != MessageStaged {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageStaged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Publish did not stamp Timestamp")
		}
		if ref, ok := evt.Payload.(MessageRef); !ok || ref.MessageID != "t1" {
			t.Errorf("payload = %#v, want MessageRef{t1}", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("realtime.", 10)
	defer unsub()

	b.Publish(Event{Kind: MessageReceived})
	b.Publish(Event{Kind: RealtimeConnected})

	select {
	case evt := <-ch:
		if evt.Kind != RealtimeConnected {
			t.Errorf("got kind %q, want %s", evt.Kind, RealtimeConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: MessageStaged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(UploadPrefix, 1)
	defer unsub()

	b.Publish(Event{Kind: UploadPrefix + "uploadPreprocessing"})
	b.Publish(Event{Kind: UploadPrefix + "uploadProgress"})

	evt := <-ch
	if evt.Kind != UploadPrefix+"uploadPreprocessing" {
		t.Errorf("got %q, want first event", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}
