// Package memstore provides the default in-memory session store backed by
// an LRU cache. Suitable for single-node deployments and tests; the cache
// bound is a safety net on top of the manager's own occupancy enforcement.
package memstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kevinswiber/shadowcat/sessions"
)

// DefaultMaxEntries bounds the cache when no size is given.
const DefaultMaxEntries = 4096

// Store implements sessions.Store in memory.
type Store struct {
	cache *lru.Cache[string, *sessions.Session]
}

// New creates an in-memory store holding at most maxEntries sessions.
// maxEntries <= 0 selects DefaultMaxEntries.
func New(maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	cache, err := lru.New[string, *sessions.Session](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Store{cache: cache}, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	sess, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) Put(ctx context.Context, sess *sessions.Session) error {
	s.cache.Add(sess.ID, sess.Clone())
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.cache.Remove(sessionID)
	return nil
}

func (s *Store) List(ctx context.Context) ([]*sessions.Session, error) {
	values := s.cache.Values()
	out := make([]*sessions.Session, 0, len(values))
	for _, sess := range values {
		out = append(out, sess.Clone())
	}
	return out, nil
}

var _ sessions.Store = (*Store)(nil)
