// Package cache shields the extraction engine behind a TTL-bounded metadata
// lookup. The cache is an optional accelerator: every failure of the
// underlying store degrades to a miss, never to a request failure.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"mediagate/internal/domain"
)

const keyPrefix = "tiktok:metadata:"

// Store is the narrow persistence surface the cache needs. Implementations
// may expire entries lazily; Get must report expired entries as absent.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// MetadataCache wraps a Store with URL hashing, serialization and fail-open
// semantics. A nil *MetadataCache is valid and behaves as a permanent miss.
type MetadataCache struct {
	store  Store
	ttl    time.Duration
	logger *logrus.Logger
}

func New(store Store, ttl time.Duration, logger *logrus.Logger) *MetadataCache {
	if logger == nil {
		logger = logrus.New()
	}
	return &MetadataCache{store: store, ttl: ttl, logger: logger}
}

// Get returns the cached metadata for url, or ok=false on miss, expiry, or
// any store failure.
func (c *MetadataCache) Get(ctx context.Context, url string) (*domain.Metadata, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}

	value, ok, err := c.store.Get(ctx, cacheKey(url))
	if err != nil {
		c.logger.WithError(err).Warn("cache read failed, treating as miss")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var md domain.Metadata
	if err := json.Unmarshal([]byte(value), &md); err != nil {
		c.logger.WithError(err).Warn("cache entry unreadable, treating as miss")
		return nil, false
	}
	return &md, true
}

// Set stores metadata for url, best-effort. A failed write is logged and
// never surfaced to the caller.
func (c *MetadataCache) Set(ctx context.Context, url string, md *domain.Metadata) {
	if c == nil || c.store == nil || md == nil {
		return
	}

	value, err := json.Marshal(md)
	if err != nil {
		c.logger.WithError(err).Warn("cache serialize failed, skipping write")
		return
	}
	if err := c.store.Set(ctx, cacheKey(url), string(value), c.ttl); err != nil {
		c.logger.WithError(err).Warn("cache write failed")
	}
}

// Invalidate removes the entry for url, best-effort.
func (c *MetadataCache) Invalidate(ctx context.Context, url string) {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, cacheKey(url)); err != nil {
		c.logger.WithError(err).Warn("cache invalidate failed")
	}
}

// Ping reports whether the underlying store is reachable.
func (c *MetadataCache) Ping(ctx context.Context) bool {
	if c == nil || c.store == nil {
		return false
	}
	return c.store.Ping(ctx) == nil
}

// cacheKey derives the stable store key for a source URL. md5 of the exact
// URL string; collisions are a theoretical risk accepted at this scale.
func cacheKey(url string) string {
	sum := md5.Sum([]byte(url))
	return keyPrefix + hex.EncodeToString(sum[:])
}
