// Package lock serializes turns per execution scope.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy is returned when the scope is held by a live task.
	ErrBusy = errors.New("execution scope busy")
	// ErrStale marks a holder whose timeout elapsed before release.
	ErrStale = errors.New("execution lock stale")
)

// Handle is the capability returned by a successful acquisition.
type Handle struct {
	scope      string
	owner      string
	acquiredAt time.Time
	timeout    time.Duration
	ctx        context.Context
	cancel     context.CancelFunc

	mu       sync.Mutex
	streamID string
}

// Scope returns the execution scope the handle holds.
func (h *Handle) Scope() string { return h.scope }

// Owner returns the unique task id of the holder.
func (h *Handle) Owner() string { return h.owner }

// Context is cancelled when the turn is aborted.
func (h *Handle) Context() context.Context { return h.ctx }

// StreamID returns the stream attached to the turn, if any.
func (h *Handle) StreamID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamID
}

// SetStreamID attaches the turn's reply stream to the handle.
func (h *Handle) SetStreamID(id string) {
	h.mu.Lock()
	h.streamID = id
	h.mu.Unlock()
}

func (h *Handle) staleAt(now time.Time) bool {
	return now.Sub(h.acquiredAt) >= h.timeout
}

// Manager keeps at most one live holder per scope.
type Manager struct {
	mu      sync.Mutex
	holders map[string]*Handle
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates an empty lock table.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		holders: map[string]*Handle{},
		logger:  log.With(slog.String("component", "lock")),
		now:     time.Now,
	}
}

// TryAcquire takes the scope slot without waiting. A holder past its
// timeout is replaced but not cancelled; its later Release is a no-op.
func (m *Manager) TryAcquire(ctx context.Context, scope string, timeout time.Duration) (*Handle, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.holders[scope]; ok {
		if !cur.staleAt(now) {
			return nil, ErrBusy
		}
		m.logger.Warn("reclaiming execution lock",
			slog.String("scope", scope),
			slog.String("owner", cur.owner),
			slog.Duration("held", now.Sub(cur.acquiredAt)),
			slog.Any("error", ErrStale),
		)
	}
	// The turn outlives the webhook request that started it.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		scope:      scope,
		owner:      uuid.NewString(),
		acquiredAt: now,
		timeout:    timeout,
		ctx:        turnCtx,
		cancel:     cancel,
	}
	m.holders[scope] = h
	return h, nil
}

// Release frees the slot if h still owns it. Safe to call more than once.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if cur, ok := m.holders[h.scope]; ok && cur.owner == h.owner {
		delete(m.holders, h.scope)
	}
	m.mu.Unlock()
	h.cancel()
}

// Abort cancels the current holder of scope and frees the slot. It reports
// whether there was a holder.
func (m *Manager) Abort(scope string) bool {
	m.mu.Lock()
	cur, ok := m.holders[scope]
	if ok {
		delete(m.holders, scope)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	cur.cancel()
	m.logger.Info("execution aborted", slog.String("scope", scope), slog.String("owner", cur.owner))
	return true
}

// Holder returns the live holder of scope, if any. Stale holders are not reported.
func (m *Manager) Holder(scope string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.holders[scope]
	if !ok || cur.staleAt(m.now()) {
		return nil, false
	}
	return cur, true
}

// IsHeld reports whether scope has a live holder.
func (m *Manager) IsHeld(scope string) bool {
	_, ok := m.Holder(scope)
	return ok
}

// Prune drops stale holders without cancelling them and returns how many were dropped.
func (m *Manager) Prune() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for scope, h := range m.holders {
		if h.staleAt(now) {
			delete(m.holders, scope)
			removed++
		}
	}
	return removed
}
