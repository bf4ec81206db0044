// Package poolregistry maintains the per-chain in-memory view of
// liquidity pools: bootstrapped once from an external pool source, then
// kept current by whole-object upserts from the update stream.
package poolregistry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/defistate/defi-route-service-go/protocols/pool"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// PoolSource is the external bootstrap source. ActivePools returns every
// pool for the chain that is active and holds positive liquidity.
type PoolSource interface {
	ActivePools(ctx context.Context, chain uint64) ([]pool.Pool, error)
}

// Config holds the configuration for a Registry.
type Config struct {
	Source     PoolSource
	Logger     *slog.Logger
	Registerer prometheus.Registerer // optional
}

func (c *Config) validate() error {
	if c.Source == nil {
		return errors.New("config: Source is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// Registry is the process-wide pool state, keyed by chain then pool
// address. A chain's map is created by its first bootstrap and is never
// reset to empty afterwards; updates only upsert.
type Registry struct {
	source  PoolSource
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	chains map[uint64]map[common.Address]pool.Pool

	bootstraps singleflight.Group
}

// New creates a Registry from the given configuration.
func New(cfg Config) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		source: cfg.Source,
		logger: cfg.Logger,
		chains: make(map[uint64]map[common.Address]pool.Pool),
	}
	if cfg.Registerer != nil {
		r.metrics = NewMetrics(cfg.Registerer)
	}
	return r, nil
}

// EnsureLoaded returns the chain's pool collection, performing the full
// bootstrap fetch first if no registry exists for the chain yet.
//
// Concurrent first calls for the same chain share a single fetch; the
// loser of the race observes the winner's registry instead of overwriting
// it with a second fetch. A failed bootstrap leaves no partial registry,
// so a later call retries from scratch.
func (r *Registry) EnsureLoaded(ctx context.Context, chain uint64) ([]pool.Pool, error) {
	if pools, ok := r.Pools(chain); ok {
		return pools, nil
	}

	_, err, _ := r.bootstraps.Do(strconv.FormatUint(chain, 10), func() (any, error) {
		// A caller that queued behind the winning flight finds the
		// registry already built.
		if _, ok := r.Pools(chain); ok {
			return nil, nil
		}
		return nil, r.bootstrap(ctx, chain)
	})
	if err != nil {
		return nil, err
	}

	pools, _ := r.Pools(chain)
	return pools, nil
}

func (r *Registry) bootstrap(ctx context.Context, chain uint64) error {
	start := time.Now()
	fetched, err := r.source.ActivePools(ctx, chain)
	if err != nil {
		return fmt.Errorf("bootstrap chain %d: %w", chain, err)
	}

	byAddr := make(map[common.Address]pool.Pool, len(fetched))
	for _, p := range fetched {
		// The source contract already filters to active pools with
		// positive liquidity; re-check so a misbehaving source cannot
		// seed dead pools.
		if !p.HasLiquidity() {
			continue
		}
		byAddr[p.Address] = p
	}

	r.mu.Lock()
	if _, ok := r.chains[chain]; !ok {
		r.chains[chain] = byAddr
	}
	size := len(r.chains[chain])
	r.mu.Unlock()

	r.logger.Info("pool registry bootstrapped",
		"chain", chain,
		"pools", size,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if r.metrics != nil {
		r.metrics.bootstrapDuration.Observe(time.Since(start).Seconds())
		r.metrics.pools.WithLabelValues(strconv.FormatUint(chain, 10)).Set(float64(size))
	}
	return nil
}

// ApplyUpdate decodes an encoded pool and upserts it into the chain's
// registry, replacing any prior entry with the same address.
//
// A payload that does not decode to a usable pool is dropped and reported;
// nothing is inserted. An update for a chain that has not been
// bootstrapped is discarded and a bootstrap runs instead: there is no
// registry to patch, and the fetch returns current state anyway.
func (r *Registry) ApplyUpdate(ctx context.Context, chain uint64, encoded []byte) error {
	p, err := pool.DecodePool(encoded)
	if err != nil {
		if r.metrics != nil {
			r.metrics.updatesDropped.Inc()
		}
		return fmt.Errorf("pool update for chain %d: %w", chain, err)
	}

	r.mu.Lock()
	reg, ok := r.chains[chain]
	if ok {
		reg[p.Address] = p
	}
	size := len(reg)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("pool update for chain without registry; bootstrapping instead",
			"chain", chain,
			"pool", p.Address,
		)
		_, err := r.EnsureLoaded(ctx, chain)
		return err
	}

	if r.metrics != nil {
		r.metrics.updatesApplied.Inc()
		r.metrics.pools.WithLabelValues(strconv.FormatUint(chain, 10)).Set(float64(size))
	}
	return nil
}

// Pools returns a defensive copy of the chain's pool collection and
// whether the chain has been bootstrapped.
func (r *Registry) Pools(chain uint64) ([]pool.Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.chains[chain]
	if !ok {
		return nil, false
	}
	pools := make([]pool.Pool, 0, len(reg))
	for _, p := range reg {
		pools = append(pools, p)
	}
	// Map iteration order is random; keep snapshots stable so a route
	// search over the same registry state sees the same pool order.
	sort.Slice(pools, func(i, j int) bool {
		return bytes.Compare(pools[i].Address[:], pools[j].Address[:]) < 0
	})
	return pools, true
}

// Size returns the number of pools registered for the chain.
func (r *Registry) Size(chain uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chains[chain])
}
