package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"BurnerLaunch/internal/burner"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis 在内存中模拟用到的哈希与有序集合命令。
type fakeRedis struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	failAll error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
	}
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return redis.NewIntResult(0, f.failAll)
	}
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	var added int64
	for i := 0; i+1 < len(values); i += 2 {
		field := fmt.Sprint(values[i])
		if _, ok := h[field]; !ok {
			added++
		}
		h[field] = fmt.Sprint(values[i+1])
	}
	return redis.NewIntResult(added, nil)
}

func (f *fakeRedis) HSetNX(_ context.Context, key, field string, value any) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	if _, ok := h[field]; ok {
		return redis.NewBoolResult(false, nil)
	}
	h[field] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeRedis) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.zsets[key]
	if set == nil {
		set = make(map[string]float64)
		f.zsets[key] = set
	}
	for _, m := range members {
		set[fmt.Sprint(m.Member)] = m.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) ZRem(_ context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, m := range members {
		if _, ok := f.zsets[key][fmt.Sprint(m)]; ok {
			delete(f.zsets[key], fmt.Sprint(m))
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) ZRange(_ context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.zsets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if set[members[i]] == set[members[j]] {
			return members[i] < members[j]
		}
		return set[members[i]] < set[members[j]]
	})
	if start >= int64(len(members)) {
		return redis.NewStringSliceResult(nil, nil)
	}
	if stop >= int64(len(members)) || stop < 0 {
		stop = int64(len(members)) - 1
	}
	return redis.NewStringSliceResult(members[start:stop+1], nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Close() error { return nil }

var (
	walletA   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	walletB   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	requester = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	baseTime  = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
)

func created(wallet common.Address, at time.Time) burner.BurnerCreated {
	return burner.BurnerCreated{WorkflowID: "wf-" + wallet.Hex()[38:], Address: wallet.Hex(), Requester: requester.Hex(), CreatedAt: at}
}

func TestBurnerStoreRoundTrip(t *testing.T) {
	fake := newFakeRedis()
	store := newBurnerStore(fake, "")
	store.now = func() time.Time { return baseTime.Add(time.Hour) }
	ctx := context.Background()

	require.NoError(t, store.RecordBurnerCreated(ctx, created(walletA, baseTime)))
	confirmed := baseTime.Add(5 * time.Second)
	require.NoError(t, store.RecordFundingConfirmed(ctx, burner.FundingRecord{
		WalletAddress:   walletA,
		Source:          requester,
		AmountRequested: big.NewInt(622_500_000_000_000),
		FundingTxHash:   common.HexToHash("0x01"),
		SubmittedAt:     baseTime,
		ConfirmedAt:     &confirmed,
	}))

	record, err := store.Get(ctx, walletA.Hex())
	require.NoError(t, err)
	assert.Equal(t, requester.Hex(), record.Requester)
	assert.Equal(t, "622500000000000", record.FundingAmount)
	assert.True(t, baseTime.Equal(record.CreatedAt))
	require.NotNil(t, record.FundedAt)
	assert.True(t, confirmed.Equal(*record.FundedAt))
	assert.Contains(t, fake.hashes, "launchpad:burner:"+walletA.Hex())

	_, err = store.Get(ctx, walletB.Hex())
	assert.ErrorIs(t, err, burner.ErrRecordNotFound)
}

func TestBurnerStoreUnsweptIndex(t *testing.T) {
	store := newBurnerStore(newFakeRedis(), "test:")
	ctx := context.Background()

	require.NoError(t, store.RecordBurnerCreated(ctx, created(walletB, baseTime.Add(time.Minute))))
	require.NoError(t, store.RecordBurnerCreated(ctx, created(walletA, baseTime)))

	unswept, err := store.ListUnswept(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, unswept, 2)
	assert.Equal(t, walletA.Hex(), unswept[0].Address)

	require.NoError(t, store.RecordSweepStatus(ctx, burner.SweepRecord{
		WalletAddress: walletA, Destination: requester, Status: burner.SweepSwept, FinishedAt: baseTime.Add(time.Hour),
	}))
	require.NoError(t, store.RecordSweepStatus(ctx, burner.SweepRecord{
		WalletAddress: walletB, Destination: requester, Status: burner.SweepFailed, Detail: "rpc down", FinishedAt: baseTime.Add(time.Hour),
	}))

	unswept, err = store.ListUnswept(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, unswept, 1)
	assert.Equal(t, walletB.Hex(), unswept[0].Address)
	assert.Equal(t, "rpc down", unswept[0].SweepDetail)

	limited, err := store.ListUnswept(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestBurnerStoreUnsweptPagesPastOtherRequesters(t *testing.T) {
	store := newBurnerStore(newFakeRedis(), "test:")
	ctx := context.Background()
	other := common.HexToAddress("0x00000000000000000000000000000000000000c1")

	for i := 0; i < unsweptPageSize+5; i++ {
		wallet := common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		event := created(wallet, baseTime.Add(time.Duration(i)*time.Second))
		event.Requester = other.Hex()
		require.NoError(t, store.RecordBurnerCreated(ctx, event))
	}
	require.NoError(t, store.RecordBurnerCreated(ctx, created(walletA, baseTime.Add(time.Hour))))

	mine, err := store.ListUnswept(ctx, requester.Hex(), 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, walletA.Hex(), mine[0].Address)

	theirs, err := store.ListUnswept(ctx, other.Hex(), 3)
	require.NoError(t, err)
	assert.Len(t, theirs, 3)
}

func TestBurnerStoreOutOfOrderEvents(t *testing.T) {
	store := newBurnerStore(newFakeRedis(), "")
	ctx := context.Background()

	native := common.HexToHash("0x03")
	require.NoError(t, store.RecordSweepStatus(ctx, burner.SweepRecord{
		WalletAddress: walletA, Destination: requester, NativeTxHash: &native, Status: burner.SweepSwept, FinishedAt: baseTime.Add(time.Hour),
	}))
	require.NoError(t, store.RecordBurnerCreated(ctx, created(walletA, baseTime)))

	record, err := store.Get(ctx, walletA.Hex())
	require.NoError(t, err)
	assert.Equal(t, string(burner.SweepSwept), record.SweepStatus)
	assert.Equal(t, native.Hex(), record.NativeTxHash)
	assert.True(t, baseTime.Equal(record.CreatedAt))

	unswept, err := store.ListUnswept(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, unswept)
}

func TestBurnerStoreWrapsErrors(t *testing.T) {
	fake := newFakeRedis()
	fake.failAll = errors.New("connection refused")
	store := newBurnerStore(fake, "")

	err := store.RecordBurnerCreated(context.Background(), created(walletA, baseTime))
	require.Error(t, err)
	assert.ErrorIs(t, err, fake.failAll)
}

func TestNewBurnerStoreRequiresAddress(t *testing.T) {
	_, err := NewBurnerStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestBurnerStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}
	ctx := context.Background()
	prefix := fmt.Sprintf("test:%d:", time.Now().UnixNano())
	store, err := NewBurnerStore(ctx, Config{Address: addr, Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.RecordBurnerCreated(ctx, created(walletA, baseTime)))
	record, err := store.Get(ctx, walletA.Hex())
	require.NoError(t, err)
	assert.Equal(t, requester.Hex(), record.Requester)
	require.NoError(t, store.Ping(ctx))
}
