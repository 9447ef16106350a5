// Package coherence is an optional Redis-backed second cache layer that
// gives multiple proxy processes on the same host a shared view of
// otherwise process-local state, without changing the authoritative
// on-disk store: every read falls back to (and every write is mirrored by)
// the local source of truth, so an absent or unreachable Redis degrades to
// exactly the single-process behavior.
package coherence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "codex-account-proxy:"

// Store wraps a Redis client with the generic get/set this proxy's caches
// need: JSON blobs under a namespaced key, with a TTL.
type Store struct {
	rdb *redis.Client
}

// Config is the subset of connection settings the proxy's own Config
// carries for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies reachability with a short ping. A
// nil Store (via the returned error) means the caller should run without
// the shared cache rather than fail startup.
func New(cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Store{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}

// GetJSON unmarshals the value stored under key into dest. It reports
// false (with a nil error) on a cache miss, distinguishing "not cached"
// from "Redis unreachable" so callers can fall back silently to one but
// log the other.
func (s *Store) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := s.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals value and stores it under key with ttl (0 means no
// expiry).
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyPrefix+key, data, ttl).Err()
}

// Delete removes a key, ignoring a not-found result.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, keyPrefix+key).Err()
}
