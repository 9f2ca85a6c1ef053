package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"
)

// CacheEntry is a stored successful response.
type CacheEntry struct {
	RouteID    string        `json:"routeId"`
	Key        string        `json:"key"`
	StatusCode int           `json:"statusCode"`
	Header     http.Header   `json:"header,omitempty"`
	Body       []byte        `json:"body"`
	CreatedAt  time.Time     `json:"createdAt"`
	TTL        time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still visible at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.TTL
}

func (e *CacheEntry) response() *Response {
	return &Response{
		StatusCode: e.StatusCode,
		Header:     e.Header.Clone(),
		Body:       append([]byte(nil), e.Body...),
		Cached:     true,
	}
}

// Cache stores response entries. Freshness is judged by the caller against
// its Clock; implementations only need to store and evict.
type Cache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	// Clear removes every entry of routeID, or all entries when routeID is "".
	Clear(ctx context.Context, routeID string) error
	Len() int
}

// CacheKey derives the cache key for a route call. encoding/json writes map
// keys sorted, so logically equal parameter maps produce the same key
// regardless of insertion order.
func CacheKey(routeID string, params Params) (string, error) {
	if len(params) == 0 {
		return routeID + "|{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("orchestrator: cache key for %q: %w", routeID, err)
	}
	return routeID + "|" + string(b), nil
}

// InMemoryCache is a sharded in-process Cache.
type InMemoryCache struct {
	shards    []*cacheShard
	numShards int
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewInMemoryCache returns a 16-shard in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	numShards := 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{store: make(map[string]*CacheEntry)}
	}
	return &InMemoryCache{shards: shards, numShards: numShards}
}

func (c *InMemoryCache) getShard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(c.numShards)]
}

func (c *InMemoryCache) Get(_ context.Context, key string) (*CacheEntry, bool, error) {
	shard := c.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, ok := shard.store[key]
	return entry, ok, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, entry *CacheEntry) error {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.store[key] = entry
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.store, key)
	return nil
}

func (c *InMemoryCache) Clear(_ context.Context, routeID string) error {
	for _, shard := range c.shards {
		shard.mu.Lock()
		if routeID == "" {
			shard.store = make(map[string]*CacheEntry)
		} else {
			for key, entry := range shard.store {
				if entry.RouteID == routeID {
					delete(shard.store, key)
				}
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

func (c *InMemoryCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}

// cacheStore applies route TTLs and lazy expiry on top of a Cache.
type cacheStore struct {
	backend Cache
	clock   Clock
	logger  Logger
}

func (s *cacheStore) get(ctx context.Context, key string) (*CacheEntry, bool) {
	entry, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok || entry == nil {
		return nil, false
	}
	if !entry.Fresh(s.clock.Now()) {
		if err := s.backend.Delete(ctx, key); err != nil {
			s.logger.Warn("Cache eviction failed", "key", key, "error", err)
		}
		return nil, false
	}
	return entry, true
}

func (s *cacheStore) set(ctx context.Context, route Route, key string, resp *Response) {
	entry := &CacheEntry{
		RouteID:    route.ID,
		Key:        key,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       append([]byte(nil), resp.Body...),
		CreatedAt:  s.clock.Now(),
		TTL:        route.Cache.TTL,
	}
	if err := s.backend.Set(ctx, key, entry); err != nil {
		s.logger.Warn("Cache write failed", "routeID", route.ID, "error", err)
	}
}

func (s *cacheStore) clear(ctx context.Context, routeID string) error {
	return s.backend.Clear(ctx, routeID)
}
