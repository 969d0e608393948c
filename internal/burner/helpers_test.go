package burner

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"BurnerLaunch/internal/web3"
	"BurnerLaunch/internal/web3/ethereum"
	"BurnerLaunch/internal/x402"
)

var (
	stableToken  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	tokenFactory = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	deployedAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// eventLog 记录跨组件的调用顺序。
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(event string) int {
	for i, e := range l.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

type nativeTransfer struct {
	From, To common.Address
	Value    *big.Int
}

type tokenTransfer struct {
	Token, From, To common.Address
	Amount          *big.Int
}

// fakeChain 是内存中的链实现，交易立即生效。
type fakeChain struct {
	mu  sync.Mutex
	log *eventLog

	gasPrice *big.Int
	quote    web3.FeeQuote
	native   map[common.Address]*big.Int
	stable   map[common.Address]*big.Int

	sendErrs     []error
	transferErr  error
	deployErr    error
	balancePanic bool
	hangOnWait   bool
	failed       map[common.Hash]bool
	failNextSend bool

	seq       uint64
	kinds     map[common.Hash]string
	sends     []nativeTransfer
	transfers []tokenTransfer
	deploys   []web3.TokenDeployment
}

func newFakeChain(log *eventLog) *fakeChain {
	return &fakeChain{
		log:      log,
		gasPrice: gwei(1),
		quote:    web3.FeeQuote{BaseFee: gwei(1), TipCap: big.NewInt(100_000_000)},
		native:   map[common.Address]*big.Int{},
		stable:   map[common.Address]*big.Int{},
		failed:   map[common.Hash]bool{},
		kinds:    map[common.Hash]string{},
	}
}

func (c *fakeChain) nextHash(kind string) common.Hash {
	c.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.seq)
	h := crypto.Keccak256Hash([]byte(kind), buf[:])
	c.kinds[h] = kind
	return h
}

func (c *fakeChain) balance(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	if b, ok := m[addr]; ok {
		return b
	}
	b := new(big.Int)
	m[addr] = b
	return b
}

func (c *fakeChain) GasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) FeeQuote(context.Context) (web3.FeeQuote, error) {
	return c.quote, nil
}

func (c *fakeChain) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance(c.native, addr)), nil
}

func (c *fakeChain) SendNative(_ context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, _ web3.FeeQuote) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := crypto.PubkeyToAddress(key.PublicKey)
	c.log.add("send-native")
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		return common.Hash{}, err
	}
	c.sends = append(c.sends, nativeTransfer{From: from, To: to, Value: new(big.Int).Set(value)})
	src := c.balance(c.native, from)
	src.Sub(src, value)
	dst := c.balance(c.native, to)
	dst.Add(dst, value)
	h := c.nextHash("native")
	if c.failNextSend {
		c.failed[h] = true
		c.failNextSend = false
	}
	return h, nil
}

func (c *fakeChain) TokenBalance(_ context.Context, token, holder common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balancePanic {
		panic("rpc exploded")
	}
	if token != stableToken {
		return new(big.Int), nil
	}
	return new(big.Int).Set(c.balance(c.stable, holder)), nil
}

func (c *fakeChain) TransferToken(_ context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transferErr != nil {
		return common.Hash{}, c.transferErr
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	c.transfers = append(c.transfers, tokenTransfer{Token: token, From: from, To: to, Amount: new(big.Int).Set(amount)})
	src := c.balance(c.stable, from)
	src.Sub(src, amount)
	dst := c.balance(c.stable, to)
	dst.Add(dst, amount)
	return c.nextHash("token"), nil
}

func (c *fakeChain) DeployToken(_ context.Context, _ *ecdsa.PrivateKey, req web3.TokenDeployment) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.add("deploy")
	if c.deployErr != nil {
		return common.Hash{}, c.deployErr
	}
	c.deploys = append(c.deploys, req)
	return c.nextHash("deploy"), nil
}

func (c *fakeChain) WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	c.mu.Lock()
	kind := c.kinds[hash]
	hang := c.hangOnWait && kind == "native"
	failed := c.failed[hash]
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c.log.add("mined-" + kind)
	receipt := &coretypes.Receipt{TxHash: hash, Status: coretypes.ReceiptStatusSuccessful}
	if failed {
		receipt.Status = coretypes.ReceiptStatusFailed
	}
	if kind == "deploy" {
		receipt.Logs = []*coretypes.Log{{
			Topics: []common.Hash{ethereum.TokenCreatedTopic, common.BytesToHash(deployedAddr.Bytes())},
		}}
	}
	return receipt, nil
}

func (c *fakeChain) deployCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deploys)
}

// callStep 是脚本化代理调用中的一步。
type callStep func(ctx context.Context) (*x402.Result, error)

func agentOK(txHash string) callStep {
	return func(context.Context) (*x402.Result, error) {
		return &x402.Result{StatusCode: 200, Body: []byte(fmt.Sprintf(`{"success":true,"message":"deployed","txHash":%q}`, txHash))}, nil
	}
}

func agentHang() callStep {
	return func(ctx context.Context) (*x402.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func agentErr(err error) callStep {
	return func(context.Context) (*x402.Result, error) { return nil, err }
}

// scriptedCaller 按顺序执行脚本，最后一步会被重复使用。
type scriptedCaller struct {
	mu    sync.Mutex
	log   *eventLog
	steps []callStep
	calls int
	keys  []*ecdsa.PrivateKey
}

func (s *scriptedCaller) CallWithPayment(ctx context.Context, _ string, _ []byte, key *ecdsa.PrivateKey) (*x402.Result, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	if s.log != nil {
		s.log.add("dispatch")
	}
	if len(s.steps) == 0 {
		return nil, errors.New("no script")
	}
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	return s.steps[idx](ctx)
}

func (s *scriptedCaller) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stepClock 记录每次 Sleep 并推进时间。
type stepClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *stepClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

func mustKey(seed byte) *ecdsa.PrivateKey {
	buf := make([]byte, 32)
	buf[31] = seed
	buf[0] = 0x11
	key, err := crypto.ToECDSA(buf)
	if err != nil {
		panic(err)
	}
	return key
}

// memRecorder 在内存中保存记录调用。
type memRecorder struct {
	mu      sync.Mutex
	created []BurnerCreated
	funded  []FundingRecord
	sweeps  []SweepRecord
	err     error
}

func (r *memRecorder) RecordBurnerCreated(_ context.Context, e BurnerCreated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, e)
	return r.err
}

func (r *memRecorder) RecordFundingConfirmed(_ context.Context, rec FundingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funded = append(r.funded, rec)
	return r.err
}

func (r *memRecorder) RecordSweepStatus(_ context.Context, rec SweepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, rec)
	return r.err
}

func (r *memRecorder) sweepCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sweeps)
}
