package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureStore tracks consecutive connection failures per owner, outside the
// lifetime of any single connection object. Repeated rapid failures stay
// throttled even across fresh manager instances, and with the Redis store,
// across process restarts.
type FailureStore interface {
	// Record increments the counter and returns the new consecutive count.
	Record(ctx context.Context, ownerKey string) (int, error)
	// Reset clears the counter after a successful open.
	Reset(ctx context.Context, ownerKey string) error
	// Consecutive returns the current count without mutating it.
	Consecutive(ctx context.Context, ownerKey string) (int, error)
}

type failureEntry struct {
	count  int
	lastAt time.Time
}

// MemoryFailureStore is the in-process default. Counters older than the TTL
// decay to zero so an owner idle for a while starts clean.
type MemoryFailureStore struct {
	mu      sync.Mutex
	entries map[string]failureEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryFailureStore builds a store whose counters expire after ttl.
func NewMemoryFailureStore(ttl time.Duration) *MemoryFailureStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryFailureStore{
		entries: make(map[string]failureEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryFailureStore) Record(_ context.Context, ownerKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e := s.entries[ownerKey]
	if !e.lastAt.IsZero() && now.Sub(e.lastAt) > s.ttl {
		e = failureEntry{}
	}
	e.count++
	e.lastAt = now
	s.entries[ownerKey] = e
	return e.count, nil
}

func (s *MemoryFailureStore) Reset(_ context.Context, ownerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ownerKey)
	return nil
}

func (s *MemoryFailureStore) Consecutive(_ context.Context, ownerKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ownerKey]
	if !ok || s.now().Sub(e.lastAt) > s.ttl {
		return 0, nil
	}
	return e.count, nil
}

// RedisFailureStore persists counters in Redis so throttling survives a
// process restart. Keys carry a TTL matching the in-memory decay.
type RedisFailureStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisFailureStore wraps an existing client. The caller owns the client
// lifecycle.
func NewRedisFailureStore(client *redis.Client, ttl time.Duration) *RedisFailureStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisFailureStore{client: client, prefix: "relay:failures:", ttl: ttl}
}

func (s *RedisFailureStore) key(ownerKey string) string { return s.prefix + ownerKey }

func (s *RedisFailureStore) Record(ctx context.Context, ownerKey string) (int, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.key(ownerKey))
	pipe.Expire(ctx, s.key(ownerKey), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record failure for %s: %w", ownerKey, err)
	}
	return int(incr.Val()), nil
}

func (s *RedisFailureStore) Reset(ctx context.Context, ownerKey string) error {
	if err := s.client.Del(ctx, s.key(ownerKey)).Err(); err != nil {
		return fmt.Errorf("reset failures for %s: %w", ownerKey, err)
	}
	return nil
}

func (s *RedisFailureStore) Consecutive(ctx context.Context, ownerKey string) (int, error) {
	n, err := s.client.Get(ctx, s.key(ownerKey)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read failures for %s: %w", ownerKey, err)
	}
	return n, nil
}
