// Package compute runs route enumeration in isolated execution units so
// the serving path is never stalled by a combinatorial graph search.
//
// The boundary is message-based: a caller builds a Request whose pool
// snapshot is already serialized, the unit decodes it, searches, and hands
// back a serialized route list. One fresh unit per invocation; the unit is
// torn down when it answers. Nothing is shared between the unit and the
// caller except the encoded payloads.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/defistate/defi-route-service-go/protocols/pool"
	"github.com/defistate/defi-route-service-go/protocols/route"
	"github.com/defistate/defi-route-service-go/routing"
)

// ErrSaturated is returned by a bounded Runner when every execution slot
// is occupied. Callers are expected to fail the refresh rather than queue.
var ErrSaturated = errors.New("compute: all execution slots busy")

// Request carries one route computation across the isolation boundary.
// Pools are individually encoded; the unit decodes its own copies.
type Request struct {
	TokenIn   pool.Token        `json:"tokenIn"`
	TokenOut  pool.Token        `json:"tokenOut"`
	Pools     []json.RawMessage `json:"pools"`
	MaxHops   int               `json:"maxHops"`
	MaxRoutes int               `json:"maxRoutes"`
}

// NewRequest encodes a pool snapshot into a Request. Pools that fail to
// encode abort request construction; a half-encoded snapshot would make
// the unit search a different graph than the caller sees.
func NewRequest(tokenIn, tokenOut pool.Token, pools []pool.Pool, maxHops, maxRoutes int) (Request, error) {
	encoded := make([]json.RawMessage, len(pools))
	for i, p := range pools {
		data, err := pool.EncodePool(p)
		if err != nil {
			return Request{}, fmt.Errorf("encode pool %s: %w", p.Address, err)
		}
		encoded[i] = data
	}
	return Request{
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		Pools:     encoded,
		MaxHops:   maxHops,
		MaxRoutes: maxRoutes,
	}, nil
}

// Config holds the configuration for a Runner.
type Config struct {
	// MaxConcurrent bounds the number of simultaneously live execution
	// units. A value <= 0 keeps the baseline behavior of one unbounded
	// fresh unit per invocation.
	MaxConcurrent int
	Logger        *slog.Logger
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	return nil
}

// Runner dispatches route computations to isolated execution units.
type Runner struct {
	slots  chan struct{}
	logger *slog.Logger
}

// NewRunner creates a Runner from the given configuration.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Runner{logger: cfg.Logger}
	if cfg.MaxConcurrent > 0 {
		r.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return r, nil
}

type answer struct {
	encoded []byte
	err     error
}

// Run hands the request to a freshly created execution unit and blocks
// until the unit answers, the context is done, or (in bounded mode) no
// slot is free.
//
// A unit that fails, or dies on a panic in the search, reports an error;
// the caller treats either as a failed refresh. If the context expires
// first, Run returns the context error and the abandoned unit finishes
// and is discarded on its own.
func (r *Runner) Run(ctx context.Context, req Request) ([]route.Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.slots != nil {
		select {
		case r.slots <- struct{}{}:
		default:
			return nil, ErrSaturated
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		r.release()
		return nil, fmt.Errorf("encode compute request: %w", err)
	}

	out := make(chan answer, 1)
	go func() {
		defer r.release()
		out <- execute(payload)
	}()

	start := time.Now()
	select {
	case a := <-out:
		if a.err != nil {
			return nil, a.err
		}
		routes, err := route.DecodeRoutes(a.encoded)
		if err != nil {
			return nil, fmt.Errorf("decode compute response: %w", err)
		}
		r.logger.Debug("route computation finished",
			"pools", len(req.Pools),
			"max_hops", req.MaxHops,
			"routes", len(routes),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return routes, nil
	case <-ctx.Done():
		r.logger.Warn("route computation abandoned", "reason", ctx.Err())
		return nil, ctx.Err()
	}
}

func (r *Runner) release() {
	if r.slots != nil {
		<-r.slots
	}
}

// execute is the body of one execution unit. It owns its decoded copies of
// the request and never touches caller state.
func execute(payload []byte) (a answer) {
	defer func() {
		if rec := recover(); rec != nil {
			a = answer{err: fmt.Errorf("compute unit terminated abnormally: %v", rec)}
		}
	}()

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return answer{err: fmt.Errorf("decode compute request: %w", err)}
	}

	pools := make([]pool.Pool, 0, len(req.Pools))
	for _, raw := range req.Pools {
		p, err := pool.DecodePool(raw)
		if err != nil {
			return answer{err: fmt.Errorf("decode pool snapshot: %w", err)}
		}
		pools = append(pools, p)
	}

	routes, err := routing.Find(req.TokenIn, req.TokenOut, pools, req.MaxHops, req.MaxRoutes)
	if err != nil {
		return answer{err: err}
	}

	encoded, err := route.EncodeRoutes(routes)
	if err != nil {
		return answer{err: fmt.Errorf("encode routes: %w", err)}
	}
	return answer{encoded: encoded}
}
