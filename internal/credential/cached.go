package credential

import (
	"context"
	"time"

	"github.com/gustycube/cyberstreams/internal/cache"
	"github.com/gustycube/cyberstreams/internal/logging"
)

// Cached fronts a Store with a Cache. Lookups are cache-first; creates are
// written through and revocations drop the cached entry. Cache failures
// degrade to reading the underlying store.
type Cached struct {
	Store
	cache cache.Cache
	ttl   time.Duration
	log   *logging.Logger
}

func NewCached(inner Store, c cache.Cache, ttl time.Duration, log *logging.Logger) *Cached {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Cached{Store: inner, cache: c, ttl: ttl, log: log}
}

func cacheKey(apiKey string) string { return "apikey:" + Fingerprint(apiKey) }

func (c *Cached) Lookup(ctx context.Context, apiKey string) (*Record, error) {
	var rec Record
	ok, err := c.cache.Get(ctx, cacheKey(apiKey), &rec)
	if err != nil {
		c.log.Warnw("api key cache read failed", "err", err)
	}
	if ok {
		return &rec, nil
	}
	r, err := c.Store.Lookup(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, cacheKey(apiKey), r, c.ttl); err != nil {
		c.log.Warnw("api key cache write failed", "err", err)
	}
	return r, nil
}

func (c *Cached) Create(ctx context.Context, nk NewKey) (string, *Record, error) {
	key, rec, err := c.Store.Create(ctx, nk)
	if err != nil {
		return "", nil, err
	}
	if err := c.cache.Set(ctx, cacheKey(key), rec, c.ttl); err != nil {
		c.log.Warnw("api key cache write failed", "err", err)
	}
	return key, rec, nil
}

func (c *Cached) Revoke(ctx context.Context, apiKey string) error {
	if err := c.Store.Revoke(ctx, apiKey); err != nil {
		return err
	}
	if err := c.cache.Delete(ctx, cacheKey(apiKey)); err != nil {
		c.log.Errorw("api key cache invalidation failed", "err", err)
		return err
	}
	return nil
}
