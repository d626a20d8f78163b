package event

import (
	"testing"
	"time"
)

func TestHubPublishScopedByStreamID(t *testing.T) {
	hub := NewHub()
	_, a, cancelA := hub.Subscribe("zs_a", 8)
	defer cancelA()
	_, b, cancelB := hub.Subscribe("zs_b", 8)
	defer cancelB()

	hub.Publish(Event{Type: TypeUpdated, StreamID: "zs_a", Revision: 2})

	select {
	case ev := <-a:
		if ev.Revision != 2 {
			t.Fatalf("unexpected revision %d", ev.Revision)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected event for zs_a watcher")
	}
	select {
	case <-b:
		t.Fatalf("zs_b watcher received a zs_a event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	_, ch, cancel := hub.Subscribe("zs_a", 1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	hub.Publish(Event{Type: TypeFinished, StreamID: "zs_a"})
}

func TestHubSlowWatcherDoesNotBlock(t *testing.T) {
	hub := NewHub()
	_, ch, cancel := hub.Subscribe("zs_a", 1)
	defer cancel()
	for i := 0; i < 5; i++ {
		hub.Publish(Event{Type: TypeUpdated, StreamID: "zs_a"})
	}
	if len(ch) != 1 {
		t.Fatalf("expected one buffered event, got %d", len(ch))
	}
}

func TestNilHub(t *testing.T) {
	var hub *Hub
	hub.Publish(Event{StreamID: "zs_a"})
	_, ch, cancel := hub.Subscribe("zs_a", 1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("nil hub should return a closed channel")
	}
}
