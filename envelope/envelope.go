// Package envelope defines the unit that flows through the proxy core: a
// JSON-RPC message bundled with the routing, session, and transport context
// resolved at the boundary. Envelopes are built once at the transport edge
// and treated as values from then on; interceptors that want to change one
// return a modified copy rather than mutating in place.
package envelope

import (
	"errors"
	"time"

	"github.com/kevinswiber/shadowcat/jsonrpc"
)

// ErrIncompleteContext indicates an envelope reached the router without a
// resolved direction or session. Incompleteness is a routing error, not a
// silently defaulted value.
var ErrIncompleteContext = errors.New("incomplete message context")

// TransportKind is an opaque tag describing the boundary transport an
// envelope entered through. The core never uses it for routing decisions.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportStreamableHTTP TransportKind = "streamable_http"
	TransportSSE            TransportKind = "sse"
	TransportInternal       TransportKind = "internal"
)

// SessionInfo is the session snapshot carried alongside a message. The
// session id may be empty before the initialize exchange completes.
type SessionInfo struct {
	SessionID       string
	ProtocolVersion string
	CorrelationID   string
	State           string
}

// Context carries everything the router needs to route a message: the
// resolved direction, the session snapshot, the transport tag, and timing.
type Context struct {
	Direction  Direction
	Session    SessionInfo
	Transport  TransportKind
	ReceivedAt time.Time
}

// Envelope is a protocol message plus its context.
type Envelope struct {
	Message *jsonrpc.AnyMessage
	Context Context
}

// New starts the builder sequence for an envelope around msg. The direction
// defaults to Unknown until the boundary resolves it.
func New(msg *jsonrpc.AnyMessage) Envelope {
	return Envelope{
		Message: msg,
		Context: Context{
			Direction:  DirectionUnknown,
			ReceivedAt: time.Now().UTC(),
		},
	}
}

// WithDirection returns a copy of the envelope with the direction set.
func (e Envelope) WithDirection(d Direction) Envelope {
	e.Context.Direction = d
	return e
}

// WithSession returns a copy of the envelope with the session snapshot set.
func (e Envelope) WithSession(info SessionInfo) Envelope {
	e.Context.Session = info
	return e
}

// WithTransport returns a copy of the envelope with the transport tag set.
func (e Envelope) WithTransport(t TransportKind) Envelope {
	e.Context.Transport = t
	return e
}

// WithReceivedAt returns a copy of the envelope with an explicit receive time.
func (e Envelope) WithReceivedAt(t time.Time) Envelope {
	e.Context.ReceivedAt = t
	return e
}

// Complete reports whether the context is sufficient for routing: a known
// direction and a resolved session id.
func (e Envelope) Complete() bool {
	return e.Context.Direction.IsKnown() && e.Context.Session.SessionID != ""
}

// Validate returns ErrIncompleteContext when the envelope cannot be routed.
func (e Envelope) Validate() error {
	if e.Message == nil {
		return errors.New("envelope has no message")
	}
	if !e.Complete() {
		return ErrIncompleteContext
	}
	return nil
}
