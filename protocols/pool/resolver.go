package pool

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTokenNotFound is returned by callers of FindToken when no pool in the
// collection references the requested token.
var ErrTokenNotFound = errors.New("token not found in pool collection")

// FindToken scans a pool collection for the token with the given address
// and returns its metadata from the first pool that references it, on
// either side. The scan order follows the slice, so the result is
// deterministic even if pools disagree about a token's attributes (which
// should not happen under valid data).
func FindToken(pools []Pool, addr common.Address) (Token, bool) {
	for _, p := range pools {
		if p.TokenA.Address == addr {
			return p.TokenA, true
		}
		if p.TokenB.Address == addr {
			return p.TokenB, true
		}
	}
	return Token{}, false
}
