package interceptor

import (
	"sync"

	"github.com/kevinswiber/shadowcat/auth"
)

// Phase distinguishes the two chain passes the router runs per exchange.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// AuthContextKey is the well-known key under which the router stores the
// boundary's authentication result.
const AuthContextKey = "auth.context"

// Context is the session-scoped, mutable side-channel interceptors use to
// share data within a single envelope pass. It is created per pass and
// discarded afterwards. Safe for concurrent use.
type Context struct {
	// Phase is the chain pass being executed.
	Phase Phase
	// SessionID identifies the session the envelope belongs to.
	SessionID string

	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates a per-pass context.
func NewContext(phase Phase, sessionID string) *Context {
	return &Context{
		Phase:     phase,
		SessionID: sessionID,
		values:    make(map[string]any),
	}
}

// Set stores a value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Get returns the value for key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	return v, ok
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// SetAuth stores the boundary's authentication result under AuthContextKey.
func (c *Context) SetAuth(ac *auth.AuthContext) {
	c.Set(AuthContextKey, ac)
}

// Auth returns the authentication result, if the boundary attached one.
func (c *Context) Auth() (*auth.AuthContext, bool) {
	v, ok := c.Get(AuthContextKey)
	if !ok {
		return nil, false
	}
	ac, ok := v.(*auth.AuthContext)
	return ac, ok
}
