package mcpwire

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
)

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultCacheEntries = 1000
)

// ErrCacheMiss reports that a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// CacheStore is the pluggable storage behind the cache middleware.
type CacheStore interface {
	Get(ctx context.Context, key string) (Message, error)
	Set(ctx context.Context, key string, msg Message, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryCacheEntry struct {
	msg       Message
	expiresAt time.Time
}

// MemoryCacheStore is a bounded in-process store. When full, the entry
// inserted earliest is evicted regardless of recency.
type MemoryCacheStore struct {
	maxEntries int

	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	order   []string
}

// NewMemoryCacheStore creates an in-process store bounded to maxEntries;
// zero or negative falls back to the default bound.
func NewMemoryCacheStore(maxEntries int) *MemoryCacheStore {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	return &MemoryCacheStore{
		maxEntries: maxEntries,
		entries:    make(map[string]memoryCacheEntry),
	}
}

// Get returns the cached message or ErrCacheMiss. Expired entries are
// removed on access.
func (s *MemoryCacheStore) Get(ctx context.Context, key string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Message{}, ErrCacheMiss
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		s.removeFromOrder(key)
		return Message{}, ErrCacheMiss
	}
	return entry.msg, nil
}

// Set stores a message under the key for the given TTL.
func (s *MemoryCacheStore) Set(ctx context.Context, key string, msg Message, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		s.removeFromOrder(key)
	} else if len(s.entries) >= s.maxEntries && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}

	s.entries[key] = memoryCacheEntry{msg: msg, expiresAt: time.Now().Add(ttl)}
	s.order = append(s.order, key)
	return nil
}

// Delete removes the key, if present.
func (s *MemoryCacheStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.removeFromOrder(key)
	}
	return nil
}

// Len reports the number of live entries, expired ones included until
// their next access.
func (s *MemoryCacheStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// removeFromOrder must be called with s.mu held.
func (s *MemoryCacheStore) removeFromOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// RedisCacheStore backs the cache middleware with Redis, for sharing
// cached listings across processes.
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCacheStore wraps a Redis client. Keys are namespaced under the
// prefix so one database can serve several deployments.
func NewRedisCacheStore(client *redis.Client, prefix string) *RedisCacheStore {
	if prefix == "" {
		prefix = "mcpwire:cache"
	}
	return &RedisCacheStore{client: client, prefix: prefix}
}

// Get returns the cached message or ErrCacheMiss.
func (s *RedisCacheStore) Get(ctx context.Context, key string) (Message, error) {
	bs, err := s.client.Get(ctx, s.prefix+":"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrCacheMiss
	}
	if err != nil {
		return Message{}, fmt.Errorf("redis get failed: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(bs, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal cached message: %w", err)
	}
	return msg, nil
}

// Set stores a message under the key with Redis-side expiry.
func (s *RedisCacheStore) Set(ctx context.Context, key string, msg Message, ttl time.Duration) error {
	bs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+":"+key, bs, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes the key.
func (s *RedisCacheStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+":"+key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// CacheMiddleware serves repeated read-only operations from a store
// instead of the wire. Mutating operations (tools/call) are never
// cached. Store failures degrade to a pass-through, never to a request
// failure.
type CacheMiddleware struct {
	PassthroughMiddleware

	store    CacheStore
	ttl      time.Duration
	identity string

	cacheable map[string]bool
}

// CacheOption configures a CacheMiddleware.
type CacheOption func(*CacheMiddleware)

// WithCacheTTL overrides the default 5m entry lifetime.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(m *CacheMiddleware) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithCacheIdentity partitions the key space per caller so one
// client's cached view is never served to another.
func WithCacheIdentity(identity string) CacheOption {
	return func(m *CacheMiddleware) { m.identity = identity }
}

// WithCacheableOperations replaces the default set of cached methods.
func WithCacheableOperations(methods ...string) CacheOption {
	return func(m *CacheMiddleware) {
		m.cacheable = make(map[string]bool, len(methods))
		for _, method := range methods {
			m.cacheable[method] = true
		}
	}
}

// NewCacheMiddleware creates a cache middleware. A nil store falls back
// to a bounded in-process store.
func NewCacheMiddleware(store CacheStore, options ...CacheOption) *CacheMiddleware {
	if store == nil {
		store = NewMemoryCacheStore(defaultCacheEntries)
	}
	m := &CacheMiddleware{
		store: store,
		ttl:   defaultCacheTTL,
		cacheable: map[string]bool{
			MethodToolsList:     true,
			MethodResourcesList: true,
			MethodResourcesRead: true,
			MethodPromptsList:   true,
			MethodPromptsGet:    true,
		},
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// ProcessRequest serves a hit from the store, or runs the chain and
// stores the result. The cached response is re-stamped with the live
// request ID so correlation still works.
func (m *CacheMiddleware) ProcessRequest(ctx context.Context, rc *RequestContext, msg Message, next Next) (Message, error) {
	if !m.cacheable[rc.Operation] {
		return next(ctx, rc, msg)
	}

	key, err := m.cacheKey(rc.Operation, msg.Params)
	if err != nil {
		return next(ctx, rc, msg)
	}

	if cached, err := m.store.Get(ctx, key); err == nil {
		rc.Metadata["cache.hit"] = true
		cached.ID = msg.ID
		return cached, nil
	}

	resp, err := next(ctx, rc, msg)
	if err != nil {
		return Message{}, err
	}

	// Error responses must not be replayed from the cache.
	if resp.Error == nil {
		_ = m.store.Set(ctx, key, resp, m.ttl)
	}
	return resp, nil
}

// cacheKey derives a stable digest from the operation, its parameters,
// and the caller identity. json.Marshal sorts map keys, so semantically
// equal parameter sets digest identically.
func (m *CacheMiddleware) cacheKey(operation string, params json.RawMessage) (string, error) {
	canonical := []byte("null")
	if len(params) > 0 {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return "", err
		}
		bs, err := json.Marshal(decoded)
		if err != nil {
			return "", err
		}
		canonical = bs
	}

	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(m.identity))
	return hex.EncodeToString(h.Sum(nil)), nil
}
