package burner

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sweepDestination = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func TestSweepLeavesDustBelowFee(t *testing.T) {
	key := mustKey(5)
	chain := newFakeChain(&eventLog{})
	chain.native[crypto.PubkeyToAddress(key.PublicKey)] = big.NewInt(1_000_000)

	record := NewSweeper(chain, stableToken).Sweep(context.Background(), key, sweepDestination)

	assert.Equal(t, AssetDust, record.Native)
	assert.Equal(t, AssetEmpty, record.Stable)
	assert.Equal(t, SweepSkipped, record.Status)
	assert.Nil(t, record.NativeTxHash)
	assert.Empty(t, chain.sends)
	assert.Contains(t, record.Detail, "粉尘")
	assert.Equal(t, int64(44_100_000_000_000), chain.quote.Cost(21000).Int64())
}

func TestSweepMovesBothAssets(t *testing.T) {
	key := mustKey(5)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	chain := newFakeChain(&eventLog{})
	chain.native[owner] = big.NewInt(1e16)
	chain.stable[owner] = big.NewInt(5_000_000)

	record := NewSweeper(chain, stableToken).Sweep(context.Background(), key, sweepDestination)

	assert.Equal(t, SweepSwept, record.Status)
	assert.Equal(t, owner, record.WalletAddress)
	require.Len(t, chain.transfers, 1)
	assert.Equal(t, sweepDestination, chain.transfers[0].To)
	assert.Equal(t, int64(5_000_000), record.StableSwept.Int64())

	expected := new(big.Int).Sub(big.NewInt(1e16), big.NewInt(44_100_000_000_000))
	require.Len(t, chain.sends, 1)
	assert.Equal(t, 0, expected.Cmp(chain.sends[0].Value))
	assert.Equal(t, 0, expected.Cmp(record.NativeSwept))
	require.NotNil(t, record.NativeTxHash)
	require.NotNil(t, record.StableTxHash)
}

func TestSweepSingleAssetIsPartial(t *testing.T) {
	key := mustKey(5)
	chain := newFakeChain(&eventLog{})
	chain.native[crypto.PubkeyToAddress(key.PublicKey)] = big.NewInt(1e16)

	record := NewSweeper(chain, stableToken).Sweep(context.Background(), key, sweepDestination)
	assert.Equal(t, SweepPartiallySwept, record.Status)
	assert.Equal(t, AssetMoved, record.Native)
	assert.Equal(t, AssetEmpty, record.Stable)
}

func TestSweepNativeOnlyWhenStableUnconfigured(t *testing.T) {
	key := mustKey(5)
	chain := newFakeChain(&eventLog{})
	chain.native[crypto.PubkeyToAddress(key.PublicKey)] = big.NewInt(1e16)

	record := NewSweeper(chain, common.Address{}).Sweep(context.Background(), key, sweepDestination)
	assert.Equal(t, SweepSwept, record.Status)
	assert.Equal(t, AssetMoved, record.Native)
	assert.Equal(t, AssetUnconfigured, record.Stable)
	assert.Empty(t, chain.transfers)

	dust := newFakeChain(&eventLog{})
	dust.native[crypto.PubkeyToAddress(key.PublicKey)] = big.NewInt(1_000_000)
	record = NewSweeper(dust, common.Address{}).Sweep(context.Background(), key, sweepDestination)
	assert.Equal(t, SweepSkipped, record.Status)
}

func TestSweepTransferErrorIsFailedNotReturned(t *testing.T) {
	key := mustKey(5)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	chain := newFakeChain(&eventLog{})
	chain.native[owner] = big.NewInt(1e16)
	chain.stable[owner] = big.NewInt(10)
	chain.transferErr = errors.New("rpc unavailable")

	record := NewSweeper(chain, stableToken).Sweep(context.Background(), key, sweepDestination)

	assert.Equal(t, SweepFailed, record.Status)
	assert.Equal(t, AssetFailed, record.Stable)
	assert.Equal(t, AssetMoved, record.Native)
	assert.Contains(t, record.Detail, "rpc unavailable")
}

func TestSweepRecoversFromPanic(t *testing.T) {
	chain := newFakeChain(&eventLog{})
	chain.balancePanic = true

	var record *SweepRecord
	require.NotPanics(t, func() {
		record = NewSweeper(chain, stableToken).Sweep(context.Background(), mustKey(5), sweepDestination)
	})
	assert.Equal(t, SweepFailed, record.Status)
	assert.Contains(t, record.Detail, "panic")
	assert.False(t, record.FinishedAt.IsZero())
}

func TestSweepWithoutKeyFails(t *testing.T) {
	record := NewSweeper(newFakeChain(&eventLog{}), stableToken).Sweep(context.Background(), nil, sweepDestination)
	assert.Equal(t, SweepFailed, record.Status)
}

func TestSkippedSweep(t *testing.T) {
	clk := newStepClock()
	record := SkippedSweep(common.HexToAddress("0x1"), sweepDestination, "disabled", clk.Now())
	assert.Equal(t, SweepSkipped, record.Status)
	assert.Equal(t, "disabled", record.Detail)
	assert.Zero(t, record.NativeSwept.Sign())
}
