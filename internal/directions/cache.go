package directions

import (
	"context"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"
	"golang.org/x/sync/singleflight"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

// Cache memoises routes keyed by the geohash cells of both endpoints and
// collapses concurrent lookups of the same cell pair into one upstream call.
type Cache struct {
	next      Provider
	ttl       time.Duration
	precision uint

	// LookupTimeout bounds a shared upstream call, which outlives any one caller.
	LookupTimeout time.Duration

	mu    sync.RWMutex
	store map[string]cacheEntry
	group singleflight.Group
	now   func() time.Time
}

type cacheEntry struct {
	route models.Route
	ts    time.Time
}

// NewCache wraps next. Precision 8 cells are roughly 38m x 19m.
func NewCache(next Provider, ttl time.Duration, precision uint) *Cache {
	if precision == 0 || precision > 12 {
		precision = 8
	}
	return &Cache{
		next:          next,
		ttl:           ttl,
		precision:     precision,
		LookupTimeout: 30 * time.Second,
		store:         make(map[string]cacheEntry),
		now:           time.Now,
	}
}

func (c *Cache) keyFor(a, b models.Coord) string {
	return geohash.EncodeWithPrecision(a.Lat, a.Lon, c.precision) + "->" + geohash.EncodeWithPrecision(b.Lat, b.Lon, c.precision)
}

func (c *Cache) get(k string) (models.Route, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.Route{}, false
	}
	return e.route, true
}

// Route serves cached routes. A miss joins the in-flight lookup for the same
// cells; each caller stops waiting when its own ctx is done.
func (c *Cache) Route(ctx context.Context, from, to models.Coord) (models.Route, error) {
	k := c.keyFor(from, to)
	if r, ok := c.get(k); ok {
		observability.RouteLookups.WithLabelValues("hit").Inc()
		return r, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(shared, c.LookupTimeout)
		defer cancel()
		r, err := c.next.Route(lookupCtx, from, to)
		if err != nil {
			return models.Route{}, err
		}
		c.mu.Lock()
		c.store[k] = cacheEntry{route: r, ts: c.now()}
		c.mu.Unlock()
		return r, nil
	})
	select {
	case <-ctx.Done():
		observability.RouteLookups.WithLabelValues("error").Inc()
		return models.Route{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			observability.RouteLookups.WithLabelValues("error").Inc()
			return models.Route{}, res.Err
		}
		observability.RouteLookups.WithLabelValues("miss").Inc()
		return res.Val.(models.Route), nil
	}
}

// Len reports the number of cached routes, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
