// Package service glues the pool registry, token resolution and route
// cache into the query path consumed by the transport layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/defistate/defi-route-service-go/poolregistry"
	"github.com/defistate/defi-route-service-go/protocols/pool"
	"github.com/defistate/defi-route-service-go/protocols/route"
	"github.com/defistate/defi-route-service-go/routecache"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxHops is the hop ceiling applied when none is configured.
const DefaultMaxHops = 3

var (
	// ErrInvalidQuery covers malformed route queries: zero token
	// addresses, identical input and output, or a non-positive hop limit.
	ErrInvalidQuery = errors.New("invalid route query")
	// ErrNoRoute is the no-route condition: the candidate set was empty
	// or trade selection could not construct a trade from it.
	ErrNoRoute = errors.New("no route")
)

// TradeDirection selects which side of the trade is fixed.
type TradeDirection string

const (
	ExactInput  TradeDirection = "exact-input"
	ExactOutput TradeDirection = "exact-output"
)

// RouteQuery is a request for candidate routes between two tokens.
type RouteQuery struct {
	Chain     uint64
	TokenIn   common.Address
	TokenOut  common.Address
	MaxHops   int
	Direction TradeDirection
}

// TradeSelector is the external best-trade algorithm: given a fixed
// candidate route set it performs the exact-in/exact-out optimization.
// Implementations live outside this module.
type TradeSelector interface {
	BestTrade(ctx context.Context, q RouteQuery, routes []route.Route) (any, error)
}

// Config holds the configuration for a Service.
type Config struct {
	Registry *poolregistry.Registry
	Cache    *routecache.Cache
	Logger   *slog.Logger

	// Selector is optional; without it only Routes is usable.
	Selector TradeSelector
	// MaxHops is the ceiling a query's hop limit is clamped to.
	// Defaults to DefaultMaxHops.
	MaxHops int
}

func (c *Config) validate() error {
	if c.Registry == nil {
		return errors.New("config: Registry is required")
	}
	if c.Cache == nil {
		return errors.New("config: Cache is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// Service answers route queries.
type Service struct {
	registry *poolregistry.Registry
	cache    *routecache.Cache
	selector TradeSelector
	logger   *slog.Logger
	maxHops  int
}

// New creates a Service from the given configuration.
func New(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		registry: cfg.Registry,
		cache:    cfg.Cache,
		selector: cfg.Selector,
		logger:   cfg.Logger,
		maxHops:  cfg.MaxHops,
	}
	if s.maxHops <= 0 {
		s.maxHops = DefaultMaxHops
	}
	return s, nil
}

// Routes returns the cached or computed candidate routes for the query.
//
// Unresolvable tokens and malformed queries surface immediately without
// touching the cache; a bootstrap failure for the chain propagates as
// well, since there is no data to degrade to. An empty result with a nil
// error is the no-route condition.
func (s *Service) Routes(ctx context.Context, q RouteQuery) ([]route.Route, error) {
	if err := s.validateQuery(q); err != nil {
		return nil, err
	}
	hops := min(q.MaxHops, s.maxHops)

	pools, err := s.registry.EnsureLoaded(ctx, q.Chain)
	if err != nil {
		return nil, err
	}

	tokenIn, ok := pool.FindToken(pools, q.TokenIn)
	if !ok {
		return nil, fmt.Errorf("%w: input token %s on chain %d", pool.ErrTokenNotFound, q.TokenIn, q.Chain)
	}
	tokenOut, ok := pool.FindToken(pools, q.TokenOut)
	if !ok {
		return nil, fmt.Errorf("%w: output token %s on chain %d", pool.ErrTokenNotFound, q.TokenOut, q.Chain)
	}

	return s.cache.Get(ctx, q.Chain, pools, tokenIn, tokenOut, hops)
}

// BestTrade resolves the candidate routes for the query and hands them to
// the configured trade selector. An empty candidate set, or a selector
// that cannot construct a trade from it, yields ErrNoRoute.
func (s *Service) BestTrade(ctx context.Context, q RouteQuery) (any, error) {
	if s.selector == nil {
		return nil, errors.New("service: no trade selector configured")
	}

	routes, err := s.Routes(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, ErrNoRoute
	}

	trade, err := s.selector.BestTrade(ctx, q, routes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, err)
	}
	return trade, nil
}

func (s *Service) validateQuery(q RouteQuery) error {
	if q.TokenIn == (common.Address{}) || q.TokenOut == (common.Address{}) {
		return fmt.Errorf("%w: missing token address", ErrInvalidQuery)
	}
	if q.TokenIn == q.TokenOut {
		return fmt.Errorf("%w: input and output token are identical", ErrInvalidQuery)
	}
	if q.MaxHops < 1 {
		return fmt.Errorf("%w: max hops must be at least 1", ErrInvalidQuery)
	}
	switch q.Direction {
	case "", ExactInput, ExactOutput:
	default:
		return fmt.Errorf("%w: unknown trade direction %q", ErrInvalidQuery, q.Direction)
	}
	return nil
}
