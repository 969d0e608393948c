package x402

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/web3"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	mu         sync.Mutex
	chainID    int64
	balance    *big.Int
	swapOut    *big.Int
	transfers  []common.Hash
	swaps      []web3.SwapRequest
	failStatus map[common.Hash]bool
	nextHash   byte
}

func newFakeChain(balance int64) *fakeChain {
	return &fakeChain{chainID: 8453, balance: big.NewInt(balance), swapOut: big.NewInt(0), failStatus: map[common.Hash]bool{}}
}

func (c *fakeChain) hash() common.Hash {
	c.nextHash++
	return common.BytesToHash([]byte{0xaa, c.nextHash})
}

func (c *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(c.chainID), nil }

func (c *fakeChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) Swap(_ context.Context, _ *ecdsa.PrivateKey, req web3.SwapRequest) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swaps = append(c.swaps, req)
	c.balance.Add(c.balance, c.swapOut)
	return c.hash(), nil
}

func (c *fakeChain) TransferToken(_ context.Context, _ *ecdsa.PrivateKey, _, _ common.Address, amount *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.balance.Cmp(amount) < 0 {
		return common.Hash{}, errors.New("transfer amount exceeds balance")
	}
	c.balance.Sub(c.balance, amount)
	h := c.hash()
	c.transfers = append(c.transfers, h)
	return h, nil
}

func (c *fakeChain) WaitMined(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := coretypes.ReceiptStatusSuccessful
	if c.failStatus[hash] {
		status = coretypes.ReceiptStatusFailed
	}
	return &coretypes.Receipt{TxHash: hash, Status: status}, nil
}

// paywall answers 402 until a payment-proof header is present.
type paywall struct {
	mu       sync.Mutex
	proofs   []string
	signers  []string
	requests int
}

func (p *paywall) handler(t *testing.T, key *ecdsa.PrivateKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig, err := hexutil.Decode(r.Header.Get(HeaderPaymentSignature))
		if !assert.NoError(t, err) {
			return
		}
		pub, err := crypto.SigToPub(accounts.TextHash(body), sig)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(*pub))

		p.mu.Lock()
		p.requests++
		p.signers = append(p.signers, r.Header.Get(HeaderPaymentSigner))
		proof := r.Header.Get(HeaderPaymentProof)
		if proof != "" {
			p.proofs = append(p.proofs, proof)
		}
		p.mu.Unlock()

		if proof == "" {
			w.Header().Set(HeaderPaymentAddress, payGate)
			w.Header().Set(HeaderPaymentAmount, "10000")
			w.Header().Set(HeaderPaymentToken, usdc)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"message":"deployed","txHash":"0xdeadbeef"}`))
	}
}

func TestCallWithPaymentPaysAndReplays(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wall := &paywall{}
	srv := httptest.NewServer(wall.handler(t, key))
	defer srv.Close()

	chain := newFakeChain(50_000)
	gw := NewGateway(chain)

	result, err := gw.CallWithPayment(context.Background(), srv.URL, []byte(`{"name":"Test"}`), key)
	require.NoError(t, err)

	require.NotNil(t, result.PaymentTxHash)
	require.Len(t, chain.transfers, 1)
	assert.Equal(t, chain.transfers[0], *result.PaymentTxHash)
	assert.Equal(t, []string{result.PaymentTxHash.Hex()}, wall.proofs)
	assert.Equal(t, 2, wall.requests)
	assert.Empty(t, chain.swaps)
	assert.Equal(t, "40000", chain.balance.String())
	assert.JSONEq(t, `{"success":true,"message":"deployed","txHash":"0xdeadbeef"}`, string(result.Body))
	assert.NotEqual(t, "0xdeadbeef", result.PaymentTxHash.Hex())
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), wall.signers[0])
}

func TestCallWithPaymentSwapsWhenShort(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wall := &paywall{}
	srv := httptest.NewServer(wall.handler(t, key))
	defer srv.Close()

	chain := newFakeChain(100)
	chain.swapOut = big.NewInt(12_000)
	router := common.HexToAddress("0x2626664c2603336E57B271c5C0b26F421741e481")
	gw := NewGateway(chain, WithSwap(SwapConfig{
		Router:         router,
		WrappedNative:  common.HexToAddress("0x4200000000000000000000000000000000000006"),
		PoolFee:        500,
		AmountIn:       big.NewInt(300_000_000_000_000),
		MinOutRatioBps: 6600,
	}))

	result, err := gw.CallWithPayment(context.Background(), srv.URL, []byte(`{}`), key)
	require.NoError(t, err)
	require.NotNil(t, result.PaymentTxHash)

	require.Len(t, chain.swaps, 1)
	swap := chain.swaps[0]
	assert.Equal(t, router, swap.Router)
	assert.Equal(t, common.HexToAddress(usdc), swap.TokenOut)
	assert.Equal(t, "6600", swap.AmountOutMinimum.String())
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), swap.Recipient)
	assert.Equal(t, "2100", chain.balance.String())
}

func TestCallWithPaymentFailsWithoutLiquidity(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wall := &paywall{}
	srv := httptest.NewServer(wall.handler(t, key))
	defer srv.Close()

	cases := map[string]*Gateway{
		"no swap configured": NewGateway(newFakeChain(0)),
		"swap too small": NewGateway(newFakeChain(0), WithSwap(SwapConfig{
			Router:         common.HexToAddress("0x01"),
			AmountIn:       big.NewInt(1),
			MinOutRatioBps: 6600,
		})),
	}
	for name, gw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := gw.CallWithPayment(context.Background(), srv.URL, []byte(`{}`), key)
			require.Error(t, err)
			assert.Equal(t, CodePaymentFailed, xerrors.CodeOf(err))
			assert.Equal(t, http.StatusPaymentRequired, xerrors.StatusOf(err))
		})
	}
}

func TestCallWithPaymentFailedTransferReceipt(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wall := &paywall{}
	srv := httptest.NewServer(wall.handler(t, key))
	defer srv.Close()

	chain := newFakeChain(50_000)
	chain.failStatus[common.BytesToHash([]byte{0xaa, 1})] = true
	_, err = NewGateway(chain).CallWithPayment(context.Background(), srv.URL, []byte(`{}`), key)
	require.Error(t, err)
	assert.Equal(t, CodePaymentFailed, xerrors.CodeOf(err))
	assert.Equal(t, 1, wall.requests)
}

func TestCallWithPaymentChainMismatchIsFatal(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderPaymentAddress, payGate)
		w.Header().Set(HeaderPaymentAmount, "1")
		w.Header().Set(HeaderPaymentToken, usdc)
		w.Header().Set(HeaderPaymentChainID, "1")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	_, err = NewGateway(newFakeChain(10)).CallWithPayment(context.Background(), srv.URL, []byte(`{}`), key)
	require.Error(t, err)
	assert.Equal(t, CodeChallengeInvalid, xerrors.CodeOf(err))
}

func TestCallWithoutChallengeSkipsPayment(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	chain := newFakeChain(0)
	result, err := NewGateway(chain).CallWithPayment(context.Background(), srv.URL, []byte(`{}`), key)
	require.NoError(t, err)
	assert.Nil(t, result.PaymentTxHash)
	assert.Empty(t, chain.transfers)
}

func TestCallRejectedStatus(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err = NewGateway(newFakeChain(0)).CallWithPayment(context.Background(), srv.URL, []byte(`{}`), key)
	require.Error(t, err)
	assert.Equal(t, CodeAgentRejected, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.ClassRetryable, xerrors.ClassOf(err))
}

func TestCallHonoursCancelledContext(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewGateway(newFakeChain(0)).CallWithPayment(ctx, srv.URL, []byte(`{}`), key)
	require.ErrorIs(t, err, context.Canceled)
}
