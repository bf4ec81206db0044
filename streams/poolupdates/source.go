package poolupdates

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/defistate/defi-route-service-go/protocols/pool"
	"github.com/ethereum/go-ethereum/rpc"
)

// ActivePoolsMethod is the RPC method serving the bootstrap query: all
// pools for a chain that are active with positive liquidity.
const ActivePoolsMethod = "defi_activePools"

// Source fetches the full active-pool set for a chain over JSON-RPC.
// It implements poolregistry.PoolSource and is used only when no registry
// exists for a chain yet.
type Source struct {
	url    string
	logger Logger
}

// NewSource creates a Source talking to the given RPC endpoint.
func NewSource(url string, logger Logger) (*Source, error) {
	if url == "" {
		return nil, fmt.Errorf("source: URL is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("source: Logger is required")
	}
	return &Source{url: url, logger: logger}, nil
}

// ActivePools dials, fetches and decodes the chain's active pool set.
// Pools that fail to decode fail the whole bootstrap: a partial registry
// must never be created from a malformed response.
func (s *Source) ActivePools(ctx context.Context, chain uint64) ([]pool.Pool, error) {
	rpcClient, err := rpc.DialContext(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("dial pool source: %w", err)
	}
	defer rpcClient.Close()

	var raw []json.RawMessage
	if err := rpcClient.CallContext(ctx, &raw, ActivePoolsMethod, chain); err != nil {
		return nil, fmt.Errorf("fetch active pools for chain %d: %w", chain, err)
	}

	pools := make([]pool.Pool, 0, len(raw))
	for _, data := range raw {
		p, err := pool.DecodePool(data)
		if err != nil {
			return nil, fmt.Errorf("active pools for chain %d: %w", chain, err)
		}
		pools = append(pools, p)
	}

	s.logger.Debug("Fetched active pools", "chain", chain, "pools", len(pools))
	return pools, nil
}
