package stats

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached memoizes reports per (date, services) for a short TTL. Reports are
// derived data, so a stale read only lags the log.
type Cached struct {
	inner Provider
	cache *cache.Cache
	ttl   time.Duration
}

func NewCached(inner Provider, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

func (c *Cached) Statistics(ctx context.Context, date string, serviceIDs []string) (Report, error) {
	if c.ttl <= 0 {
		return c.inner.Statistics(ctx, date, serviceIDs)
	}
	key := cacheKey(date, serviceIDs)
	if hit, found := c.cache.Get(key); found {
		return hit.(Report), nil
	}
	report, err := c.inner.Statistics(ctx, date, serviceIDs)
	if err != nil {
		return Report{}, err
	}
	c.cache.Set(key, report, c.ttl)
	return report, nil
}

// Flush drops every cached report.
func (c *Cached) Flush() {
	c.cache.Flush()
}

func cacheKey(date string, serviceIDs []string) string {
	ids := append([]string(nil), serviceIDs...)
	sort.Strings(ids)
	return date + "|" + strings.Join(ids, ",")
}
