package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "conn.")
	defer unsub()

	b.Emit(ConnStatusChanged, "test")

	select {
	case evt := <-ch:
		if evt.Kind != ConnStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, ConnStatusChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "store.")
	defer unsub()

	b.Emit(ConnStatusChanged, nil)
	b.Emit(StoreMessageUpserted, nil)

	select {
	case evt := <-ch:
		if evt.Kind != StoreMessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, StoreMessageUpserted)
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

func TestMultipleNamespacesShareChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "store.", "upload.")
	defer unsub()

	b.Emit(UploadProgress, 10)
	b.Emit(StoreTyping, nil)
	b.Emit(ConnResynced, nil)

	got := map[string]bool{}
	for range 2 {
		select {
		case evt := <-ch:
			got[evt.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
	if !got[UploadProgress] || !got[StoreTyping] {
		t.Errorf("got %v, want upload.progress and store.typing", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(10, "conn.")
	unsub()
	unsub()

	b.Emit(ConnStatusChanged, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1, "test.")
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestNilBusDiscards(t *testing.T) {
	var b *Bus
	b.Emit(ConnStatusChanged, nil)
}
