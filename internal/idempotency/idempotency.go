// Package idempotency replays the result of a completed transition when the
// same idempotency key is presented again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/workorder/model"
)

// Store provides deduplication for transitions.
// The key format is "idem:{flowId}:{key}".
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// request hash matches, it returns the cached flow. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, requestHash string) (result *model.Flow, found bool, err error)

	// Store saves a transition result keyed by the idempotency key with a TTL.
	Store(ctx context.Context, key string, requestHash string, result model.Flow, ttl time.Duration) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	RequestHash string     `json:"request_hash"`
	Result      model.Flow `json:"result"`
}

// FormatKey builds the standard idempotency key.
func FormatKey(flowID, key string) string {
	return fmt.Sprintf("idem:%s:%s", flowID, key)
}

// HashRequest returns a stable hash of the parts of a transition request that
// must match for a replay.
func HashRequest(step, subjectID string, opts model.TransitionOptions) string {
	data, _ := json.Marshal(struct {
		Step    string                  `json:"step"`
		Subject string                  `json:"subject"`
		Options model.TransitionOptions `json:"options"`
	}{step, subjectID, opts})
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func hashConflict(key string) *model.ErrorEnvelope {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different request", key),
	)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
	}
}

// Check looks up a cached result. Returns a conflict error if the hash differs.
func (s *MemoryStore) Check(_ context.Context, key string, requestHash string) (*model.Flow, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.RequestHash != requestHash {
		return nil, true, hashConflict(key)
	}

	result := e.data.Result.Clone()
	return &result, true, nil
}

// Store saves a result with TTL.
func (s *MemoryStore) Store(_ context.Context, key string, requestHash string, result model.Flow, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data: entry{
			RequestHash: requestHash,
			Result:      result.Clone(),
		},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached result in Redis. Returns a conflict error if the
// hash differs.
func (s *RedisStore) Check(ctx context.Context, key string, requestHash string) (*model.Flow, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.RequestHash != requestHash {
		return nil, true, hashConflict(key)
	}

	return &e.Result, true, nil
}

// Store saves a result in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key string, requestHash string, result model.Flow, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
