// Package auth defines the narrow surface the proxy shares with an external
// authentication collaborator. The proxy neither validates credentials nor
// issues tokens; the boundary transport attaches an opaque AuthContext that
// interceptors can consult.
package auth

import "context"

// AuthContext is the opaque result of an external authentication step.
// Claims are carried verbatim; the proxy core never interprets them.
type AuthContext struct {
	Subject string
	Scopes  []string
	Claims  map[string]any
}

// HasScope reports whether the context carries the given scope.
func (a *AuthContext) HasScope(scope string) bool {
	if a == nil {
		return false
	}
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type authContextKey struct{}

// WithAuthContext stores the auth result on a request context so the
// boundary can hand it to the router.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext retrieves the auth result attached by the boundary, if any.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return ac, ok
}
