package pool

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInvalidPool is returned when an encoded pool decodes but does not
// describe a usable pool (missing address, missing tokens, nil liquidity).
// A payload that fails this check must never be inserted into a registry.
var ErrInvalidPool = errors.New("invalid pool")

// Token holds the static metadata of an asset referenced by a pool.
// Tokens are immutable values; a pool owns the copies it references.
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// Pool is the in-process representation of a single liquidity pool.
//
// A pool is identified by its Address. Updates received from the state
// stream are whole-object replacements: there is no partial-field patching,
// a newer Pool with the same address simply supersedes the old one.
type Pool struct {
	Address      common.Address `json:"address"`
	TokenA       Token          `json:"tokenA"`
	TokenB       Token          `json:"tokenB"`
	Liquidity    *uint256.Int   `json:"liquidity"`
	SqrtPriceX96 *uint256.Int   `json:"sqrtPriceX96,omitempty"`
	Tick         int32          `json:"tick"`
	Active       bool           `json:"active"`
}

// HasToken reports whether either side of the pool is the given token.
func (p Pool) HasToken(addr common.Address) bool {
	return p.TokenA.Address == addr || p.TokenB.Address == addr
}

// Other returns the token on the opposite side of the pool from addr.
func (p Pool) Other(addr common.Address) (Token, bool) {
	switch addr {
	case p.TokenA.Address:
		return p.TokenB, true
	case p.TokenB.Address:
		return p.TokenA, true
	default:
		return Token{}, false
	}
}

// HasLiquidity reports whether the pool is active with positive liquidity.
// Only pools satisfying this are eligible for registries and routing.
func (p Pool) HasLiquidity() bool {
	return p.Active && p.Liquidity != nil && !p.Liquidity.IsZero()
}

func (p Pool) validate() error {
	if p.Address == (common.Address{}) {
		return fmt.Errorf("%w: zero pool address", ErrInvalidPool)
	}
	if p.TokenA.Address == (common.Address{}) || p.TokenB.Address == (common.Address{}) {
		return fmt.Errorf("%w: pool %s has a zero token address", ErrInvalidPool, p.Address)
	}
	if p.TokenA.Address == p.TokenB.Address {
		return fmt.Errorf("%w: pool %s references the same token on both sides", ErrInvalidPool, p.Address)
	}
	if p.Liquidity == nil {
		return fmt.Errorf("%w: pool %s has nil liquidity", ErrInvalidPool, p.Address)
	}
	return nil
}

// EncodePool serializes a pool for transport across the computation and
// update-stream boundaries. The encoding is opaque to callers; the only
// contract is that DecodePool inverts it.
func EncodePool(p Pool) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodePool parses an encoded pool and validates it.
//
// A payload that unmarshals but yields no usable pool (for example a null
// object, or one missing its address or liquidity) is rejected with
// ErrInvalidPool rather than returned as a zero-valued entry.
func DecodePool(data []byte) (Pool, error) {
	var p Pool
	if err := json.Unmarshal(data, &p); err != nil {
		return Pool{}, fmt.Errorf("%w: %v", ErrInvalidPool, err)
	}
	if err := p.validate(); err != nil {
		return Pool{}, err
	}
	return p, nil
}
