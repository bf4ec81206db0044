package route

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/defistate/defi-route-service-go/protocols/pool"
	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidRoute is returned when an encoded route does not decode back
// to a non-empty, connected pool sequence.
var ErrInvalidRoute = errors.New("invalid route")

// Route is an ordered sequence of pools connecting an input token to an
// output token. Routes are immutable once produced by the computation
// task; they cross the computation boundary in serialized form and must
// decode back to an equivalent in-process object.
type Route struct {
	Pools []pool.Pool `json:"pools"`
}

// Hops returns the number of pool traversals in the route.
func (r Route) Hops() int {
	return len(r.Pools)
}

// PoolAddresses returns the ordered pool identifier sequence, which is the
// wire shape a query response carries.
func (r Route) PoolAddresses() []common.Address {
	addrs := make([]common.Address, len(r.Pools))
	for i, p := range r.Pools {
		addrs[i] = p.Address
	}
	return addrs
}

func (r Route) validate() error {
	if len(r.Pools) == 0 {
		return fmt.Errorf("%w: empty pool sequence", ErrInvalidRoute)
	}
	for i, p := range r.Pools {
		if p.Address == (common.Address{}) {
			return fmt.Errorf("%w: zero pool address at hop %d", ErrInvalidRoute, i)
		}
	}
	return nil
}

// EncodeRoutes serializes a route list for transport across the
// computation boundary.
func EncodeRoutes(routes []Route) ([]byte, error) {
	for _, r := range routes {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(routes)
}

// DecodeRoutes parses an encoded route list. Decoding a route yields a
// Route with the same ordered pool-id sequence it was encoded with.
func DecodeRoutes(data []byte) ([]Route, error) {
	var routes []Route
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	for _, r := range routes {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	return routes, nil
}
