// Package model defines the model chain collaborator that produces replies
// and an HTTP client for the agent gateway implementing it.
package model

import "context"

// EventType tags a TurnEvent.
type EventType string

const (
	EventDelta    EventType = "delta"
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// TurnRequest is one model turn for a conversation scope.
type TurnRequest struct {
	Scope    string
	Prompt   string
	Context  string
	ChatType string
	SenderID string
	MsgID    string
}

// TurnEvent is emitted on the channel returned by RunTurn. A Done event
// may carry the full reply in Text when no deltas were streamed.
type TurnEvent struct {
	Type  EventType
	Delta string
	Text  string
	Err   error
}

// Chain runs model turns. Implementations stop producing events and close
// the channel once ctx is cancelled.
type Chain interface {
	RunTurn(ctx context.Context, req TurnRequest) (<-chan TurnEvent, error)
}

// ChainFunc adapts a function to Chain.
type ChainFunc func(ctx context.Context, req TurnRequest) (<-chan TurnEvent, error)

// RunTurn calls f.
func (f ChainFunc) RunTurn(ctx context.Context, req TurnRequest) (<-chan TurnEvent, error) {
	return f(ctx, req)
}
