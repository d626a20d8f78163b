package conversation

import (
	"sync"
	"time"
)

// Role marks who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single history entry.
type Turn struct {
	Role    Role
	Content string
}

// State is a read-only copy of one scope's conversation.
type State struct {
	StaticInjected bool
	Turns          []Turn
	LastActive     time.Time
}

type scopeState struct {
	mu             sync.Mutex
	staticInjected bool
	turns          []Turn
	lastActive     time.Time
}

// History keeps ordered turns per scope, evicting the oldest turns once a
// scope exceeds maxTurns.
type History struct {
	mu       sync.Mutex
	scopes   map[string]*scopeState
	maxTurns int
	now      func() time.Time
}

// NewHistory creates a history store capped at maxTurns entries per scope.
func NewHistory(maxTurns int) *History {
	if maxTurns < 1 {
		maxTurns = 1
	}
	return &History{
		scopes:   map[string]*scopeState{},
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

func (h *History) entry(scope string, create bool) *scopeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.scopes[scope]
	if !ok && create {
		st = &scopeState{}
		h.scopes[scope] = st
	}
	return st
}

// Snapshot returns a copy of the scope's state and marks it active.
func (h *History) Snapshot(scope string) State {
	st := h.entry(scope, false)
	if st == nil {
		return State{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastActive = h.now()
	return State{
		StaticInjected: st.staticInjected,
		Turns:          append([]Turn(nil), st.turns...),
		LastActive:     st.lastActive,
	}
}

// Append records turns in order and marks the static context as injected.
func (h *History) Append(scope string, turns ...Turn) {
	st := h.entry(scope, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.staticInjected = true
	st.lastActive = h.now()
	st.turns = append(st.turns, turns...)
	if over := len(st.turns) - h.maxTurns; over > 0 {
		st.turns = append([]Turn(nil), st.turns[over:]...)
	}
}

// Commit appends one user/assistant exchange.
func (h *History) Commit(scope, user, assistant string) {
	h.Append(scope, Turn{Role: RoleUser, Content: user}, Turn{Role: RoleAssistant, Content: assistant})
}

// Prune drops scopes idle for longer than ttl and returns how many were removed.
func (h *History) Prune(ttl time.Duration) int {
	cutoff := h.now().Add(-ttl)
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for key, st := range h.scopes {
		st.mu.Lock()
		idle := st.lastActive.Before(cutoff)
		st.mu.Unlock()
		if idle {
			delete(h.scopes, key)
			removed++
		}
	}
	return removed
}
