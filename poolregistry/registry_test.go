package poolregistry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defistate/defi-route-service-go/protocols/pool"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChain = uint64(1)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPool(id uint32) pool.Pool {
	var addr common.Address
	binary.BigEndian.PutUint32(addr[16:], id)
	var tokA, tokB common.Address
	tokA[0], tokB[0] = 0xAA, 0xBB
	binary.BigEndian.PutUint32(tokA[16:], id)
	binary.BigEndian.PutUint32(tokB[16:], id)
	return pool.Pool{
		Address:   addr,
		TokenA:    pool.Token{Address: tokA, Symbol: "AAA", Decimals: 18},
		TokenB:    pool.Token{Address: tokB, Symbol: "BBB", Decimals: 6},
		Liquidity: uint256.NewInt(1_000_000),
		Active:    true,
	}
}

// fakeSource serves a fixed pool set and counts fetches. An optional delay
// widens the bootstrap window so concurrent callers pile up on it.
type fakeSource struct {
	pools   []pool.Pool
	err     error
	delay   time.Duration
	fetches atomic.Int64
}

func (f *fakeSource) ActivePools(_ context.Context, _ uint64) ([]pool.Pool, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.pools, nil
}

func newTestRegistry(t *testing.T, source PoolSource) *Registry {
	t.Helper()
	r, err := New(Config{Source: source, Logger: testLogger()})
	require.NoError(t, err)
	return r
}

func TestConfigValidate(t *testing.T) {
	t.Run("RequiresSource", func(t *testing.T) {
		_, err := New(Config{Logger: testLogger()})
		assert.Error(t, err)
	})
	t.Run("RequiresLogger", func(t *testing.T) {
		_, err := New(Config{Source: &fakeSource{}})
		assert.Error(t, err)
	})
}

func TestEnsureLoaded(t *testing.T) {
	t.Run("BootstrapsFullPoolSet", func(t *testing.T) {
		pools := make([]pool.Pool, 500)
		for i := range pools {
			pools[i] = testPool(uint32(i + 1))
		}
		source := &fakeSource{pools: pools}
		r := newTestRegistry(t, source)

		got, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)
		assert.Len(t, got, 500)
		assert.Equal(t, 500, r.Size(testChain))
		assert.EqualValues(t, 1, source.fetches.Load())
	})

	t.Run("SecondCallHitsTheRegistry", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1)}}
		r := newTestRegistry(t, source)

		_, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)
		_, err = r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)
		assert.EqualValues(t, 1, source.fetches.Load())
	})

	t.Run("ConcurrentFirstCallsShareOneFetch", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1), testPool(2)}, delay: 50 * time.Millisecond}
		r := newTestRegistry(t, source)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pools, err := r.EnsureLoaded(context.Background(), testChain)
				assert.NoError(t, err)
				assert.Len(t, pools, 2)
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, source.fetches.Load())
	})

	t.Run("FailedBootstrapLeavesNoRegistry", func(t *testing.T) {
		source := &fakeSource{err: errors.New("source down")}
		r := newTestRegistry(t, source)

		_, err := r.EnsureLoaded(context.Background(), testChain)
		require.Error(t, err)
		_, ok := r.Pools(testChain)
		assert.False(t, ok)

		// A later call retries from scratch and succeeds.
		source.err = nil
		source.pools = []pool.Pool{testPool(1)}
		pools, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)
		assert.Len(t, pools, 1)
	})

	t.Run("FiltersDeadPoolsFromSource", func(t *testing.T) {
		drained := testPool(2)
		drained.Liquidity = uint256.NewInt(0)
		inactive := testPool(3)
		inactive.Active = false
		source := &fakeSource{pools: []pool.Pool{testPool(1), drained, inactive}}
		r := newTestRegistry(t, source)

		pools, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)
		assert.Len(t, pools, 1)
	})

	t.Run("ChainsAreIndependent", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1)}}
		r := newTestRegistry(t, source)

		_, err := r.EnsureLoaded(context.Background(), 1)
		require.NoError(t, err)
		_, err = r.EnsureLoaded(context.Background(), 137)
		require.NoError(t, err)
		assert.EqualValues(t, 2, source.fetches.Load())
	})
}

func TestApplyUpdate(t *testing.T) {
	encode := func(t *testing.T, p pool.Pool) []byte {
		t.Helper()
		data, err := pool.EncodePool(p)
		require.NoError(t, err)
		return data
	}

	t.Run("UpsertReplacesWholeObject", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1)}}
		r := newTestRegistry(t, source)
		_, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)

		updated := testPool(1)
		updated.Liquidity = uint256.NewInt(42)
		require.NoError(t, r.ApplyUpdate(context.Background(), testChain, encode(t, updated)))

		pools, ok := r.Pools(testChain)
		require.True(t, ok)
		require.Len(t, pools, 1)
		assert.True(t, pools[0].Liquidity.Eq(uint256.NewInt(42)))
	})

	t.Run("ReapplyingSameUpdateIsIdempotent", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1)}}
		r := newTestRegistry(t, source)
		_, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)

		data := encode(t, testPool(1))
		require.NoError(t, r.ApplyUpdate(context.Background(), testChain, data))
		require.NoError(t, r.ApplyUpdate(context.Background(), testChain, data))
		assert.Equal(t, 1, r.Size(testChain))
	})

	t.Run("NewPoolGrowsTheRegistry", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1)}}
		r := newTestRegistry(t, source)
		_, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)

		require.NoError(t, r.ApplyUpdate(context.Background(), testChain, encode(t, testPool(2))))
		assert.Equal(t, 2, r.Size(testChain))
	})

	t.Run("MalformedPayloadIsDroppedWithoutInsert", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1)}}
		r := newTestRegistry(t, source)
		_, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)

		err = r.ApplyUpdate(context.Background(), testChain, []byte(`{"address":`))
		assert.ErrorIs(t, err, pool.ErrInvalidPool)
		assert.Equal(t, 1, r.Size(testChain))
	})

	t.Run("InvalidPoolIsDroppedWithoutInsert", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1)}}
		r := newTestRegistry(t, source)
		_, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)

		// Built by hand since EncodePool refuses a same-token pool.
		bad := testPool(2)
		payload := fmt.Sprintf(
			`{"address":"%s","tokenA":{"address":"%s"},"tokenB":{"address":"%s"},"liquidity":"0x1"}`,
			bad.Address, bad.TokenA.Address, bad.TokenA.Address,
		)
		err = r.ApplyUpdate(context.Background(), testChain, []byte(payload))
		assert.ErrorIs(t, err, pool.ErrInvalidPool)
		assert.Equal(t, 1, r.Size(testChain))
	})

	t.Run("UpdateBeforeBootstrapIsDiscardedAndBootstraps", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1), testPool(2)}}
		r := newTestRegistry(t, source)

		// The update carries a pool the source does not know; it must not
		// survive, only the fetched state may seed the registry.
		require.NoError(t, r.ApplyUpdate(context.Background(), testChain, encode(t, testPool(99))))

		pools, ok := r.Pools(testChain)
		require.True(t, ok)
		assert.Len(t, pools, 2)
		assert.EqualValues(t, 1, source.fetches.Load())
		for _, p := range pools {
			assert.NotEqual(t, testPool(99).Address, p.Address)
		}
	})
}

func TestPoolsSnapshot(t *testing.T) {
	t.Run("CopyIsDetachedFromRegistryState", func(t *testing.T) {
		source := &fakeSource{pools: []pool.Pool{testPool(1), testPool(2)}}
		r := newTestRegistry(t, source)
		_, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)

		pools, ok := r.Pools(testChain)
		require.True(t, ok)
		pools[0].Active = false

		again, _ := r.Pools(testChain)
		assert.True(t, again[0].Active)
	})

	t.Run("OrderIsStableAcrossCalls", func(t *testing.T) {
		pools := make([]pool.Pool, 50)
		for i := range pools {
			pools[i] = testPool(uint32(i + 1))
		}
		source := &fakeSource{pools: pools}
		r := newTestRegistry(t, source)
		_, err := r.EnsureLoaded(context.Background(), testChain)
		require.NoError(t, err)

		first, _ := r.Pools(testChain)
		second, _ := r.Pools(testChain)
		assert.Equal(t, first, second)
	})

	t.Run("UnknownChainReportsNotLoaded", func(t *testing.T) {
		r := newTestRegistry(t, &fakeSource{})
		pools, ok := r.Pools(42)
		assert.False(t, ok)
		assert.Nil(t, pools)
	})
}
