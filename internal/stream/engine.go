// Package stream keeps the passive stream replies the platform polls for.
package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/memoh-wecom/internal/stream/event"
	"github.com/memohai/memoh-wecom/internal/wecom"
)

// DefaultTTL is how long a stream is kept after its last update.
const DefaultTTL = 7200 * time.Second

var (
	// ErrNotFound is returned for unknown or swept stream ids.
	ErrNotFound = errors.New("stream not found")
	// ErrFinished is returned when mutating a terminal stream.
	ErrFinished = errors.New("stream already finished")
	// ErrOverflow reports that content went past the platform cap and the
	// excess was kept as remainder. The mutation itself succeeded.
	ErrOverflow = errors.New("stream content overflow")
)

// Reason is why a stream finished.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonStop      Reason = "stop"
	ReasonError     Reason = "error"
)

// Snapshot is a read-only copy of a stream.
type Snapshot struct {
	ID        string
	Scope     string
	Content   string
	Progress  string
	Revision  uint64
	Finished  bool
	Overflow  bool
	Reason    Reason
	Remainder string
	Images    []wecom.StreamImage
	UpdatedAt time.Time
}

// Display is the content shown to the user on a poll. The progress
// placeholder only shows while nothing has been produced yet.
func (s Snapshot) Display() string {
	if s.Content == "" && !s.Finished {
		return s.Progress
	}
	return s.Content
}

// Payload renders the snapshot as a stream reply.
func (s Snapshot) Payload() (string, error) {
	return wecom.StreamPayload(s.ID, s.Display(), s.Finished, s.Images)
}

// Outcome is the terminal state written by Finish.
type Outcome struct {
	Reason  Reason
	Content string
	Images  []wecom.StreamImage
}

type state struct {
	scope     string
	content   string
	progress  string
	remainder string
	revision  uint64
	finished  bool
	overflow  bool
	reason    Reason
	images    []wecom.StreamImage
	updatedAt time.Time
}

// Engine owns stream states. It publishes an event after every mutation.
type Engine struct {
	mu      sync.Mutex
	streams map[string]*state
	hub     event.Publisher
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an engine; a nil hub disables events.
func NewEngine(log *slog.Logger, hub event.Publisher, ttl time.Duration) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{
		streams: map[string]*state{},
		hub:     hub,
		ttl:     ttl,
		logger:  log.With(slog.String("component", "stream")),
		now:     time.Now,
	}
}

// Create registers an open stream with empty content for scope.
func (e *Engine) Create(scope string) Snapshot {
	id := wecom.NewStreamID()
	e.mu.Lock()
	st := &state{scope: scope, revision: 1, updatedAt: e.now()}
	e.streams[id] = st
	snap := st.snapshot(id)
	e.mu.Unlock()
	e.publish(event.TypeCreated, snap)
	return snap
}

// Snapshot returns the current state without changing it.
func (e *Engine) Snapshot(id string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[id]
	if !ok || e.expired(st) {
		return Snapshot{}, false
	}
	return st.snapshot(id), true
}

// SetProgress sets the placeholder shown while the buffer is empty.
func (e *Engine) SetProgress(id, text string) error {
	_, err := e.mutate(id, event.TypeUpdated, func(st *state) {
		st.progress = text
	})
	return err
}

// Append adds a model delta to the buffer.
func (e *Engine) Append(id, delta string) (Snapshot, error) {
	return e.mutate(id, event.TypeUpdated, func(st *state) {
		st.setContent(st.content + st.remainder + delta)
	})
}

// SetContent replaces the buffer.
func (e *Engine) SetContent(id, content string) (Snapshot, error) {
	return e.mutate(id, event.TypeUpdated, func(st *state) {
		st.setContent(content)
	})
}

// Finish makes the stream terminal. A non-empty outcome content replaces
// the buffer. The returned snapshot carries any remainder past the cap.
func (e *Engine) Finish(id string, out Outcome) (Snapshot, error) {
	if out.Reason == "" {
		out.Reason = ReasonCompleted
	}
	return e.mutate(id, event.TypeFinished, func(st *state) {
		if out.Content != "" {
			st.setContent(out.Content)
		}
		st.finished = true
		st.reason = out.Reason
		st.images = append([]wecom.StreamImage(nil), out.Images...)
	})
}

// Stop finishes the stream with the stop reason and text.
func (e *Engine) Stop(id, text string) (Snapshot, error) {
	return e.Finish(id, Outcome{Reason: ReasonStop, Content: text})
}

// Sweep drops streams idle past the TTL and returns how many were removed.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, st := range e.streams {
		if e.expired(st) {
			delete(e.streams, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked streams.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

func (e *Engine) mutate(id string, typ event.Type, fn func(*state)) (Snapshot, error) {
	e.mu.Lock()
	st, ok := e.streams[id]
	if !ok || e.expired(st) {
		e.mu.Unlock()
		return Snapshot{}, ErrNotFound
	}
	if st.finished {
		snap := st.snapshot(id)
		e.mu.Unlock()
		return snap, ErrFinished
	}
	wasOverflow := st.overflow
	fn(st)
	st.revision++
	st.updatedAt = e.now()
	snap := st.snapshot(id)
	e.mu.Unlock()

	e.publish(typ, snap)
	if snap.Overflow && !wasOverflow {
		e.logger.Info("stream content overflow",
			slog.String("stream_id", id),
			slog.Int("remainder_bytes", len(snap.Remainder)),
		)
		return snap, ErrOverflow
	}
	return snap, nil
}

func (e *Engine) expired(st *state) bool {
	return e.now().Sub(st.updatedAt) >= e.ttl
}

func (e *Engine) publish(typ event.Type, snap Snapshot) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(event.Event{
		Type:     typ,
		StreamID: snap.ID,
		Scope:    snap.Scope,
		Revision: snap.Revision,
		Reason:   string(snap.Reason),
	})
}

func (st *state) setContent(full string) {
	head, tail := wecom.SplitUTF8(full, wecom.MarkdownMaxBytes)
	st.content = head
	st.remainder = tail
	st.overflow = tail != ""
}

func (st *state) snapshot(id string) Snapshot {
	return Snapshot{
		ID:        id,
		Scope:     st.scope,
		Content:   st.content,
		Progress:  st.progress,
		Revision:  st.revision,
		Finished:  st.finished,
		Overflow:  st.overflow,
		Reason:    st.reason,
		Remainder: st.remainder,
		Images:    append([]wecom.StreamImage(nil), st.images...),
		UpdatedAt: st.updatedAt,
	}
}
