package sessions

import (
	"fmt"
	"time"

	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/mcp"
)

// State is the lifecycle state of a session. Transitions are monotonic and
// forward-only; eviction may jump any non-closed state directly to closed.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateActive        State = "active"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

var stateOrder = map[State]int{
	StateUninitialized: 0,
	StateInitializing:  1,
	StateActive:        2,
	StateClosing:       3,
	StateClosed:        4,
}

// CanTransitionTo reports whether moving to next preserves the forward-only
// lifecycle invariant.
func (s State) CanTransitionTo(next State) bool {
	cur, ok := stateOrder[s]
	if !ok {
		return false
	}
	nxt, ok := stateOrder[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateClosed }

// ErrInvalidTransition wraps a rejected state change. The session keeps its
// previous state when a transition is rejected.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session state transition %s -> %s", e.From, e.To)
}

// Session is the persisted representation of one logical client connection.
// It is mutated only through the Manager; timestamps are wall-clock UTC.
type Session struct {
	ID              string                 `json:"session_id"`
	ProtocolVersion string                 `json:"protocol_version,omitempty"`
	State           State                  `json:"state"`
	Transport       envelope.TransportKind `json:"transport,omitempty"`
	Client          mcp.ClientInfo         `json:"client,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Clone returns a copy safe to hand outside the store's lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// IdleFor returns how long the session has been without activity as of now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// Age returns how long the session has existed as of now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Info returns the envelope-level snapshot of the session.
func (s *Session) Info() envelope.SessionInfo {
	return envelope.SessionInfo{
		SessionID:       s.ID,
		ProtocolVersion: s.ProtocolVersion,
		State:           string(s.State),
	}
}

// transition applies a state change, enforcing monotonic ordering.
func (s *Session) transition(next State) error {
	if !s.State.CanTransitionTo(next) {
		return &ErrInvalidTransition{From: s.State, To: next}
	}
	s.State = next
	return nil
}
