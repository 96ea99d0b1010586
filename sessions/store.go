package sessions

import (
	"context"
	"errors"
)

// Errors returned by stores and the manager.
var (
	// ErrSessionNotFound indicates the session does not exist or has expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable indicates the backend cannot be reached. The
	// manager absorbs it by degrading to stateless operation; callers of the
	// manager never see it.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Store is the pluggable persistence backend for session metadata. The
// default implementation is in-memory; distributed backends must honor the
// same contract and may become unavailable, which the Manager tolerates.
//
// Implementations must be safe for concurrent use and must return copies:
// a *Session handed out by Get or List is owned by the caller.
type Store interface {
	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Put creates or replaces the session record.
	Put(ctx context.Context, sess *Session) error

	// Delete removes the session. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns all live sessions.
	List(ctx context.Context) ([]*Session, error)
}
