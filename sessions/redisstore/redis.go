// Package redisstore provides a Redis-backed session store for multi-node
// deployments. Session records are stored as JSON values with a TTL safety
// net; the manager's cleanup tiers remain the primary eviction path.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kevinswiber/shadowcat/sessions"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "shadowcat:sessions:".
	KeyPrefix string

	// TTL is the safety-net expiry applied to every record. Zero disables
	// Redis-side expiry.
	TTL time.Duration
}

// Store implements sessions.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New creates a Redis-backed store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "shadowcat:sessions:"
	}
	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
	}, nil
}

func (s *Store) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	val, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", sessions.ErrStoreUnavailable, err)
	}

	var sess sessions.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *Store) Put(ctx context.Context, sess *sessions.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", sessions.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", sessions.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*sessions.Session, error) {
	var out []*sessions.Session

	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("%w: %v", sessions.ErrStoreUnavailable, err)
		}
		var sess sessions.Session
		if err := json.Unmarshal([]byte(val), &sess); err != nil {
			continue // skip corrupt records rather than failing the pass
		}
		out = append(out, &sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", sessions.ErrStoreUnavailable, err)
	}
	return out, nil
}

var _ sessions.Store = (*Store)(nil)
