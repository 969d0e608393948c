package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the subset of the go-ethereum client API the launch engine
// depends on. Both *ethclient.Client and the simulated backend's client
// satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// FeeQuote captures the EIP-1559 fee parameters observed at a point in time.
type FeeQuote struct {
	BaseFee *big.Int
	TipCap  *big.Int
}

// FeeCap returns 2*baseFee + tip, the cap used for every transaction the
// engine submits.
func (q FeeQuote) FeeCap() *big.Int {
	capped := new(big.Int).Mul(q.BaseFee, big.NewInt(2))
	return capped.Add(capped, q.TipCap)
}

// Cost returns the worst case fee for a transaction using gasLimit units.
func (q FeeQuote) Cost(gasLimit uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), q.FeeCap())
}

// SwapRequest describes a single-pool exact-input swap paid in native
// currency. AmountIn is wrapped by the router from the attached value.
type SwapRequest struct {
	Router           common.Address
	TokenIn          common.Address
	TokenOut         common.Address
	PoolFee          uint32
	Recipient        common.Address
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// TokenDeployment holds the arguments of a direct factory deployment.
type TokenDeployment struct {
	Factory         common.Address
	Name            string
	Symbol          string
	Image           string
	Metadata        string
	Admin           common.Address
	RewardRecipient common.Address
	RewardBps       uint16
}

// ChainSnapshot represents summarized network metadata for readiness checks.
type ChainSnapshot struct {
	Name        string
	ChainID     *big.Int
	BlockNumber uint64
}
