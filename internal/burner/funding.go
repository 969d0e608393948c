package burner

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"BurnerLaunch/internal/clock"
	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/observability/metrics"
	"BurnerLaunch/internal/web3"
	"BurnerLaunch/pkg/logger"
)

// FundingChain 定义注资所需的链上能力。
type FundingChain interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	FeeQuote(ctx context.Context) (web3.FeeQuote, error)
	SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, quote web3.FeeQuote) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// FundingPolicy 描述注资金额的计算方式。Fixed 非空时直接使用固定金额，
// 否则按 baseBudget + multiplier × gasUnits × gasPrice 计算。
type FundingPolicy struct {
	Fixed               *big.Int
	BaseBudget          *big.Int
	SafetyMultiplierBps int64
	GasUnits            uint64
}

// FixedFunding 返回固定金额策略。
func FixedFunding(amount *big.Int) FundingPolicy {
	return FundingPolicy{Fixed: new(big.Int).Set(amount)}
}

// DynamicFunding 返回随 gas 价格调整的策略，multiplier 以浮点倍数给出（如 1.5）。
func DynamicFunding(baseBudget *big.Int, multiplier float64, gasUnits uint64) FundingPolicy {
	return FundingPolicy{
		BaseBudget:          new(big.Int).Set(baseBudget),
		SafetyMultiplierBps: int64(math.Round(multiplier * 10000)),
		GasUnits:            gasUnits,
	}
}

// Dynamic 报告策略是否依赖 gas 价格。
func (p FundingPolicy) Dynamic() bool {
	return p.Fixed == nil
}

// Amount 计算注资金额。
func (p FundingPolicy) Amount(gasPrice *big.Int) *big.Int {
	if p.Fixed != nil {
		return new(big.Int).Set(p.Fixed)
	}
	amount := new(big.Int)
	if p.BaseBudget != nil {
		amount.Set(p.BaseBudget)
	}
	if gasPrice == nil || p.GasUnits == 0 || p.SafetyMultiplierBps <= 0 {
		return amount
	}
	gas := new(big.Int).Mul(new(big.Int).SetUint64(p.GasUnits), gasPrice)
	gas.Mul(gas, big.NewInt(p.SafetyMultiplierBps))
	gas.Div(gas, big.NewInt(10000))
	return amount.Add(amount, gas)
}

// FundingRecord 记录一次注资。ConfirmedAt 为空表示交易尚未确认。
type FundingRecord struct {
	WalletAddress   common.Address
	Source          common.Address
	AmountRequested *big.Int
	FundingTxHash   common.Hash
	SubmittedAt     time.Time
	ConfirmedAt     *time.Time
}

// Confirmed 报告注资是否已上链确认。
func (r *FundingRecord) Confirmed() bool {
	return r != nil && r.ConfirmedAt != nil
}

// Submitted 报告注资交易是否已经广播。
func (r *FundingRecord) Submitted() bool {
	return r != nil && r.FundingTxHash != (common.Hash{})
}

// Funder 负责从请求方钱包向临时钱包注资。
type Funder struct {
	chain          FundingChain
	clock          clock.Clock
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// FunderOption 定义可选配置。
type FunderOption func(*Funder)

// WithFundingClock 指定时钟。
func WithFundingClock(c clock.Clock) FunderOption {
	return func(f *Funder) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithFundingConfirmTimeout 设置确认超时。
func WithFundingConfirmTimeout(d time.Duration) FunderOption {
	return func(f *Funder) {
		if d > 0 {
			f.confirmTimeout = d
		}
	}
}

// WithFundingLogger 指定日志输出。
func WithFundingLogger(l *slog.Logger) FunderOption {
	return func(f *Funder) {
		f.logger = l
	}
}

// NewFunder 构造 Funder。
func NewFunder(chain FundingChain, opts ...FunderOption) *Funder {
	f := &Funder{chain: chain, clock: clock.NewSystem(), confirmTimeout: 2 * time.Minute}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.logger == nil {
		f.logger = logger.Named("funding")
	}
	return f
}

// Fund 向 burner 注资并阻塞到交易确认。交易已广播但未确认时，返回的记录
// 带有交易哈希且 ConfirmedAt 为空，调用方据此决定是否回收。
func (f *Funder) Fund(ctx context.Context, sourceKey *ecdsa.PrivateKey, burner common.Address, policy FundingPolicy) (*FundingRecord, error) {
	if sourceKey == nil {
		return nil, xerrors.New(CodeFundingFailed, "未提供注资钱包密钥")
	}
	if f.chain == nil {
		return nil, xerrors.New(CodeFundingFailed, "未配置链客户端")
	}

	var gasPrice *big.Int
	if policy.Dynamic() {
		price, err := f.chain.GasPrice(ctx)
		if err != nil {
			return nil, xerrors.Wrap(CodeFundingFailed, err, "获取 gas 价格失败")
		}
		gasPrice = price
	}
	amount := policy.Amount(gasPrice)
	if amount.Sign() <= 0 {
		return nil, xerrors.New(CodeFundingFailed, "注资金额必须大于零")
	}

	record := &FundingRecord{
		WalletAddress:   burner,
		Source:          crypto.PubkeyToAddress(sourceKey.PublicKey),
		AmountRequested: amount,
	}

	hash, err := f.submit(ctx, sourceKey, burner, amount)
	if err != nil {
		return nil, err
	}
	record.FundingTxHash = hash
	record.SubmittedAt = f.clock.Now()
	f.logger.Info("注资交易已提交",
		slog.String("burner", burner.Hex()),
		slog.String("amount_wei", amount.String()),
		slog.String("funding_tx_hash", hash.Hex()))

	waitCtx, cancel := context.WithTimeout(ctx, f.confirmTimeout)
	defer cancel()
	receipt, err := f.chain.WaitMined(waitCtx, hash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return record, xerrors.Wrap(CodeFundingTimeout, err,
				fmt.Sprintf("注资交易 %s 在 %s 内未确认", hash.Hex(), f.confirmTimeout))
		}
		return record, xerrors.Wrap(CodeFundingFailed, err, "等待注资交易确认失败")
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return record, xerrors.New(CodeFundingFailed, fmt.Sprintf("注资交易 %s 执行失败", hash.Hex()))
	}

	confirmed := f.clock.Now()
	record.ConfirmedAt = &confirmed
	metrics.ObserveFundingConfirmed(confirmed.Sub(record.SubmittedAt))
	return record, nil
}

// submit 发送注资交易；nonce 过期时使用新 nonce 重试一次。
func (f *Funder) submit(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		quote, err := f.chain.FeeQuote(ctx)
		if err != nil {
			return common.Hash{}, xerrors.Wrap(CodeFundingFailed, err, "获取手续费参数失败")
		}
		hash, err := f.chain.SendNative(ctx, key, to, amount, quote)
		if err == nil {
			return hash, nil
		}
		if !web3.IsStaleNonce(err) {
			return common.Hash{}, xerrors.Wrap(CodeFundingFailed, err, "提交注资交易失败")
		}
		lastErr = xerrors.Wrap(CodeStaleNonce, err, "注资交易 nonce 已过期")
		f.logger.Warn("注资 nonce 冲突，重新获取后重试", slog.Int("attempt", attempt), slog.Any("error", err))
	}
	return common.Hash{}, xerrors.Wrap(CodeFundingFailed, lastErr, "注资交易重试后仍失败")
}
