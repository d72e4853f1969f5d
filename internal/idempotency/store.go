// Package idempotency replays the stored response of a mutating request that
// is retried with the same X-Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/caseflow/model"
)

// Response is a recorded HTTP response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store deduplicates requests by key. A key reused with a different request
// hash is a CONFLICT.
type Store interface {
	// Check returns the recorded response for key, if any.
	Check(ctx context.Context, key, requestHash string) (resp *Response, found bool, err error)

	// Save records resp under key for ttl.
	Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

type entry struct {
	RequestHash string   `json:"request_hash"`
	Response    Response `json:"response"`
}

// Key scopes a client key to the caller and the route it was used on.
func Key(subjectID, route, clientKey string) string {
	return fmt.Sprintf("idem:%s:%s:%s", subjectID, route, clientKey)
}

// HashRequest fingerprints a request so a reused key with a different body
// can be told apart from a retry.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// --- MemoryStore ---

// MemoryStore keeps entries in process memory. Expired entries are removed
// when they are next looked up.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.data.RequestHash != requestHash {
		return nil, true, conflict(key)
	}
	resp := e.data.Response
	return &resp, true, nil
}

func (s *MemoryStore) Save(_ context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{RequestHash: requestHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of entries, expired ones included. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps entries in Redis with a key TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore on client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
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
		return nil, true, conflict(key)
	}
	return &e.Response, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key, requestHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
