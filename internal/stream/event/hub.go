// Package event provides the in-process hub that reports stream revisions.
package event

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the default per-watcher channel buffer.
const DefaultBufferSize = 16

// Type identifies a stream lifecycle change.
type Type string

const (
	TypeCreated  Type = "created"
	TypeUpdated  Type = "updated"
	TypeFinished Type = "finished"
)

// Event is published after every mutation of a stream.
type Event struct {
	Type     Type   `json:"type"`
	StreamID string `json:"stream_id"`
	Scope    string `json:"scope"`
	Revision uint64 `json:"revision"`
	Reason   string `json:"reason,omitempty"`
}

// Publisher publishes stream events.
type Publisher interface {
	Publish(event Event)
}

// Subscriber follows the events of one stream.
type Subscriber interface {
	Subscribe(streamID string, buffer int) (string, <-chan Event, func())
}

// Hub fans stream events out to watchers keyed by stream id.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[string]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: map[string]map[string]chan Event{}}
}

// Publish delivers the event to every watcher of its stream without blocking.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(event.StreamID)
	if id == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.watchers[id] {
		select {
		case ch <- event:
		default:
			// Slow watchers miss intermediate revisions.
		}
	}
}

// Subscribe registers a watcher for streamID and returns its id, the event
// channel and a cancel function that closes the channel.
func (h *Hub) Subscribe(streamID string, buffer int) (string, <-chan Event, func()) {
	streamID = strings.TrimSpace(streamID)
	if h == nil || streamID == "" {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	watcherID := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	set, ok := h.watchers[streamID]
	if !ok {
		set = map[string]chan Event{}
		h.watchers[streamID] = set
	}
	set[watcherID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			set := h.watchers[streamID]
			if cur, ok := set[watcherID]; ok {
				delete(set, watcherID)
				close(cur)
			}
			if len(set) == 0 {
				delete(h.watchers, streamID)
			}
		})
	}
	return watcherID, ch, cancel
}
