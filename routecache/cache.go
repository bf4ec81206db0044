// Package routecache caches candidate route sets per (chain, input token,
// output token, hop limit) with stale-while-revalidate semantics backed by
// the compute package.
//
// The central design decision is an asymmetry in Get: the very first query
// for a key blocks on a synchronous computation, while every later query
// is served from the cache immediately, even past the TTL. A stale entry
// triggers at most one background refresh; a failed refresh keeps serving
// the stale routes. Entries are never evicted, the TTL only controls
// staleness.
package routecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/defistate/defi-route-service-go/compute"
	"github.com/defistate/defi-route-service-go/protocols/pool"
	"github.com/defistate/defi-route-service-go/protocols/route"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is the route entry time-to-live when none is configured.
	DefaultTTL = 2 * time.Hour
	// DefaultRefreshTimeout bounds a background refresh so a computation
	// that never answers cannot hold a key's in-flight marker forever.
	DefaultRefreshTimeout = 1 * time.Minute
	// DefaultMaxRoutes caps the candidate set handed to trade selection.
	DefaultMaxRoutes = 16
)

// Computer runs one route enumeration in an isolated execution unit.
// *compute.Runner is the production implementation.
type Computer interface {
	Run(ctx context.Context, req compute.Request) ([]route.Route, error)
}

// Key uniquely identifies one cached route set.
type Key struct {
	Chain    uint64
	TokenIn  common.Address
	TokenOut common.Address
	MaxHops  int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s/%s/%d", k.Chain, k.TokenIn, k.TokenOut, k.MaxHops)
}

type entry struct {
	routes    []route.Route
	expiresAt time.Time
}

// Config holds the configuration for a Cache.
type Config struct {
	Computer Computer
	Logger   *slog.Logger

	// TTL is how long a freshly stored entry counts as fresh.
	// Defaults to DefaultTTL.
	TTL time.Duration
	// MaxStale is the staleness ceiling beyond which an expired entry is
	// treated as absent and repopulated synchronously instead of being
	// served. Zero serves arbitrarily old entries.
	MaxStale time.Duration
	// RefreshTimeout bounds each background refresh.
	// Defaults to DefaultRefreshTimeout.
	RefreshTimeout time.Duration
	// MaxRoutes caps each computed route set. Defaults to DefaultMaxRoutes.
	MaxRoutes int

	Registerer prometheus.Registerer // optional
}

func (c *Config) validate() error {
	if c.Computer == nil {
		return errors.New("config: Computer is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// Cache is the process-wide route cache.
type Cache struct {
	computer       Computer
	logger         *slog.Logger
	metrics        *Metrics
	ttl            time.Duration
	maxStale       time.Duration
	refreshTimeout time.Duration
	maxRoutes      int

	mu      sync.RWMutex
	entries map[Key]entry

	// refreshing holds the keys with a background refresh in flight.
	// At most one refresh per key; the marker is cleared on completion
	// or failure, and the refresh context times out so a hung
	// computation cannot leave it dangling.
	refreshing mapset.Set[Key]

	// populating deduplicates blocking first populations so concurrent
	// misses on a brand-new key await one computation.
	populating singleflight.Group

	now func() time.Time
}

// New creates a Cache from the given configuration.
func New(cfg Config) (*Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		computer:       cfg.Computer,
		logger:         cfg.Logger,
		ttl:            cfg.TTL,
		maxStale:       cfg.MaxStale,
		refreshTimeout: cfg.RefreshTimeout,
		maxRoutes:      cfg.MaxRoutes,
		entries:        make(map[Key]entry),
		refreshing:     mapset.NewSet[Key](),
		now:            time.Now,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = DefaultRefreshTimeout
	}
	if c.maxRoutes <= 0 {
		c.maxRoutes = DefaultMaxRoutes
	}
	if cfg.Registerer != nil {
		c.metrics = NewMetrics(cfg.Registerer)
	}
	return c, nil
}

// Get returns the candidate routes for the key formed by (chain, tokenIn,
// tokenOut, maxHops), computing over the given pool snapshot when needed.
//
// Get blocks only on the very first population of a brand-new key. A
// fresh entry is a pure read. A stale entry is returned immediately and,
// if no refresh is already in flight for the key, exactly one background
// recomputation is scheduled; the read does not wait for it.
//
// A failed first population is degraded to an empty route list, not an
// error: the cache recovers computation failures locally. The returned
// error is reserved for the caller's context expiring while it waits.
func (c *Cache) Get(ctx context.Context, chain uint64, pools []pool.Pool, tokenIn, tokenOut pool.Token, maxHops int) ([]route.Route, error) {
	key := Key{Chain: chain, TokenIn: tokenIn.Address, TokenOut: tokenOut.Address, MaxHops: maxHops}
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		if now.Before(e.expiresAt) {
			c.count(func(m *Metrics) { m.hits.Inc() })
			return cloneRoutes(e.routes), nil
		}
		withinCeiling := c.maxStale <= 0 || now.Sub(e.expiresAt) <= c.maxStale
		if withinCeiling || c.refreshing.Contains(key) {
			c.count(func(m *Metrics) { m.staleServed.Inc() })
			c.scheduleRefresh(key, tokenIn, tokenOut, pools, maxHops)
			return cloneRoutes(e.routes), nil
		}
		// Past the staleness ceiling, with no refresh already writing
		// the key, the entry is worse than no data; fall through to a
		// blocking repopulation. A key never has two computations in
		// flight.
	}

	c.count(func(m *Metrics) { m.misses.Inc() })
	return c.populate(ctx, key, tokenIn, tokenOut, pools, maxHops)
}

// populate performs the blocking first computation for a key. Concurrent
// callers for the same key share one flight and one outcome.
func (c *Cache) populate(ctx context.Context, key Key, tokenIn, tokenOut pool.Token, pools []pool.Pool, maxHops int) ([]route.Route, error) {
	v, err, _ := c.populating.Do(key.String(), func() (any, error) {
		start := c.now()
		routes, err := c.computeRoutes(ctx, tokenIn, tokenOut, pools, maxHops)
		if err != nil {
			return nil, err
		}
		c.store(key, routes)
		if c.metrics != nil {
			c.metrics.populateDuration.Observe(c.now().Sub(start).Seconds())
		}
		return routes, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// No entry is stored; the failure degrades to "no routes" at
		// this boundary and the next query starts a fresh population.
		c.logger.Error("route population failed", "key", key.String(), "error", err)
		c.count(func(m *Metrics) { m.populateFailures.Inc() })
		return []route.Route{}, nil
	}
	return cloneRoutes(v.([]route.Route)), nil
}

// scheduleRefresh starts one detached recomputation for the key unless a
// refresh is already in flight, in which case it is a no-op.
func (c *Cache) scheduleRefresh(key Key, tokenIn, tokenOut pool.Token, pools []pool.Pool, maxHops int) {
	if !c.refreshing.Add(key) {
		return
	}

	go func() {
		defer c.refreshing.Remove(key)

		// Detached from the triggering read: the read has already
		// returned by the time this runs.
		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()

		routes, err := c.computeRoutes(ctx, tokenIn, tokenOut, pools, maxHops)
		if err != nil {
			// The prior stale entry stays and keeps being served.
			c.logger.Warn("background route refresh failed; keeping stale entry",
				"key", key.String(),
				"error", err,
			)
			c.count(func(m *Metrics) { m.refreshes.WithLabelValues("failure").Inc() })
			return
		}
		c.store(key, routes)
		c.count(func(m *Metrics) { m.refreshes.WithLabelValues("success").Inc() })
	}()
}

func (c *Cache) computeRoutes(ctx context.Context, tokenIn, tokenOut pool.Token, pools []pool.Pool, maxHops int) ([]route.Route, error) {
	req, err := compute.NewRequest(tokenIn, tokenOut, pools, maxHops, c.maxRoutes)
	if err != nil {
		return nil, err
	}
	return c.computer.Run(ctx, req)
}

func (c *Cache) store(key Key, routes []route.Route) {
	c.mu.Lock()
	c.entries[key] = entry{routes: routes, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) count(f func(*Metrics)) {
	if c.metrics != nil {
		f(c.metrics)
	}
}

// cloneRoutes returns a defensive copy of the cached slice. Routes
// themselves are immutable; only the slice header needs isolating.
func cloneRoutes(routes []route.Route) []route.Route {
	out := make([]route.Route, len(routes))
	copy(out, routes)
	return out
}
