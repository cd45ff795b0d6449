// Package cache stores tool and fetch results keyed by a hash of the query,
// with a TTL and writes throttled by the durable rate limiter.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hermesosint/hermes/internal/domain"
)

// WriteResource is the rate-limited resource id for cache writes.
const WriteResource = "local-cache-writes"

// ResultStore persists cached results. Get returns nil, nil on a miss.
type ResultStore interface {
	Get(ctx context.Context, key string) (*domain.CachedResult, error)
	Put(ctx context.Context, res *domain.CachedResult) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Admitter gates writes. Satisfied by *ratelimit.Limiter.
type Admitter interface {
	IsAllowed(ctx context.Context, resourceID string) bool
}

// Cache is a TTL result cache over a ResultStore.
type Cache struct {
	store   ResultStore
	limiter Admitter
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Cache. A nil limiter leaves writes unthrottled.
func New(store ResultStore, limiter Admitter, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		store:   store,
		limiter: limiter,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// Key derives the cache key for a query. extra is encoded as JSON, which
// sorts map keys, so equal maps always hash the same.
func Key(target, platform string, extra map[string]any) string {
	h := sha256.New()
	h.Write([]byte(target))
	h.Write([]byte{'|'})
	h.Write([]byte(platform))
	h.Write([]byte{'|'})
	if len(extra) > 0 {
		b, err := json.Marshal(extra)
		if err == nil {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for the query. Expired entries are deleted
// and reported as a miss. Store errors are logged and reported as a miss.
// A nil Cache always misses.
func (c *Cache) Get(ctx context.Context, target, platform string, extra map[string]any) (string, bool) {
	if c == nil {
		return "", false
	}
	key := Key(target, platform, extra)
	res, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed",
			slog.String("platform", platform),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	if res == nil {
		return "", false
	}
	if res.Expired(c.now().UTC()) {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("deleting expired cache entry failed", slog.String("error", err.Error()))
		}
		return "", false
	}
	return res.Value, true
}

// Set stores value for the query. It reports whether the write happened;
// a write denied by the limiter is dropped with a warning.
func (c *Cache) Set(ctx context.Context, target, platform string, extra map[string]any, value string) bool {
	if c == nil {
		return false
	}
	if c.limiter != nil && !c.limiter.IsAllowed(ctx, WriteResource) {
		c.logger.Warn("cache write rate limited, dropping",
			slog.String("platform", platform),
		)
		return false
	}
	now := c.now().UTC()
	res := &domain.CachedResult{
		Key:       Key(target, platform, extra),
		Target:    target,
		Platform:  platform,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.Put(ctx, res); err != nil {
		c.logger.Warn("cache write failed",
			slog.String("platform", platform),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// Purge deletes every expired entry.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	return c.store.DeleteExpired(ctx, c.now().UTC())
}
