// Package interceptor implements the ordered, pluggable processing chain
// every envelope passes through. Interceptors may inspect, modify, or block
// an envelope; failures are typed and the chain applies a fixed recovery
// policy per kind (see ErrorKind).
package interceptor

import (
	"context"

	"github.com/kevinswiber/shadowcat/envelope"
)

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeModify
	outcomeBlock
)

// Outcome is what an interceptor decided about an envelope.
type Outcome struct {
	kind   outcomeKind
	env    envelope.Envelope
	reason string
}

// Continue passes the envelope along unchanged.
func Continue() Outcome { return Outcome{kind: outcomeContinue} }

// Modify replaces the envelope for the rest of the pass.
func Modify(env envelope.Envelope) Outcome { return Outcome{kind: outcomeModify, env: env} }

// Block stops the envelope with a reason surfaced to the caller.
func Block(reason string) Outcome { return Outcome{kind: outcomeBlock, reason: reason} }

// Interceptor processes one envelope per chain pass. Implementations must
// be safe for concurrent use; the same instance runs for every session.
type Interceptor interface {
	// Name identifies the interceptor in logs, metrics, and errors.
	Name() string

	// Intercept inspects the envelope and returns an outcome, or fails with
	// a typed *Error. The shared Context carries cross-interceptor data for
	// this pass only.
	Intercept(ctx context.Context, env envelope.Envelope, ic *Context) (Outcome, error)
}

// VersionGated is an optional declaration: when implemented and the
// envelope's negotiated protocol version is not in the set, the chain skips
// the interceptor without invoking it. A pure optimization; interceptors
// may equally self-select by inspecting the envelope.
type VersionGated interface {
	SupportedVersions() []string
}

// KeyDependent is an optional declaration of required Context keys. A
// missing key raises a fatal dependency error before invocation.
type KeyDependent interface {
	RequiredKeys() []string
}
