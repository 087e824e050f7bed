package jobs

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResult is what a cache hit returns: enough to answer the
// caller without touching the render/extract collaborators.
type CachedResult struct {
	Data      json.RawMessage `json:"data"`
	Tokens    int64           `json:"tokens"`
	ResultURL string          `json:"resultUrl,omitempty"`
}

// Cache is the fingerprint-keyed result cache backed by Redis. A nil
// *Cache is valid and means caching is disabled; all methods no-op.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache connects to Redis at url. An empty url disables caching and
// returns (nil, nil).
func NewCache(url string, ttl time.Duration) (*Cache, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Cache{client: redis.NewClient(opts), ttl: ttl}, nil
}

func cacheKey(fingerprint string) string {
	return "pagerobot:result:" + fingerprint
}

// Get returns the cached result for a fingerprint, if any. Cache
// errors are logged and treated as misses: the cache must never fail a
// request.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*CachedResult, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, cacheKey(fingerprint)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("cache get error for %s: %v", fingerprint, err)
		}
		return nil, false
	}
	var res CachedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		log.Printf("cache decode error for %s: %v", fingerprint, err)
		return nil, false
	}
	return &res, true
}

// Set stores a result under its fingerprint for the retention window.
func (c *Cache) Set(ctx context.Context, fingerprint string, res *CachedResult) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(fingerprint), raw, c.ttl).Err(); err != nil {
		log.Printf("cache set error for %s: %v", fingerprint, err)
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
