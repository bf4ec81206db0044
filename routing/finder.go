package routing

import (
	"errors"
	"fmt"

	"github.com/defistate/defi-route-service-go/protocols/pool"
	"github.com/defistate/defi-route-service-go/protocols/route"
	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidHopLimit is returned when the requested hop limit is below 1.
var ErrInvalidHopLimit = errors.New("hop limit must be at least 1")

// Find enumerates the simple paths (no pool repeated) of length <= maxHops
// connecting tokenIn to tokenOut through the given pool set.
//
// Only pools that are active with positive liquidity participate. The
// search is a depth-first traversal over a token adjacency index built
// from the pool slice; neighbor order follows pool slice order, so the
// result is deterministic for a given input.
//
// maxRoutes caps the result set; a value <= 0 means unbounded. The
// computation is CPU-bound and potentially combinatorial in pool count
// and hop depth, which is why callers run it through the compute package
// rather than on the serving path.
func Find(tokenIn, tokenOut pool.Token, pools []pool.Pool, maxHops, maxRoutes int) ([]route.Route, error) {
	if maxHops < 1 {
		return nil, ErrInvalidHopLimit
	}
	if tokenIn.Address == tokenOut.Address {
		return nil, fmt.Errorf("input and output token are both %s", tokenIn.Address)
	}

	eligible := make([]pool.Pool, 0, len(pools))
	for _, p := range pools {
		if p.HasLiquidity() {
			eligible = append(eligible, p)
		}
	}

	// token address -> indices into eligible, in slice order
	adjacency := make(map[common.Address][]int)
	for i, p := range eligible {
		adjacency[p.TokenA.Address] = append(adjacency[p.TokenA.Address], i)
		adjacency[p.TokenB.Address] = append(adjacency[p.TokenB.Address], i)
	}

	s := &search{
		eligible:  eligible,
		adjacency: adjacency,
		target:    tokenOut.Address,
		maxHops:   maxHops,
		maxRoutes: maxRoutes,
		used:      make([]bool, len(eligible)),
	}
	s.walk(tokenIn.Address)
	return s.found, nil
}

type search struct {
	eligible  []pool.Pool
	adjacency map[common.Address][]int
	target    common.Address
	maxHops   int
	maxRoutes int
	used      []bool
	path      []pool.Pool
	found     []route.Route
}

func (s *search) full() bool {
	return s.maxRoutes > 0 && len(s.found) >= s.maxRoutes
}

func (s *search) walk(from common.Address) {
	for _, i := range s.adjacency[from] {
		if s.used[i] {
			continue
		}
		next, ok := s.eligible[i].Other(from)
		if !ok {
			continue
		}

		s.used[i] = true
		s.path = append(s.path, s.eligible[i])

		if next.Address == s.target {
			hops := make([]pool.Pool, len(s.path))
			copy(hops, s.path)
			s.found = append(s.found, route.Route{Pools: hops})
		} else if len(s.path) < s.maxHops {
			s.walk(next.Address)
		}

		s.path = s.path[:len(s.path)-1]
		s.used[i] = false

		if s.full() {
			return
		}
	}
}
