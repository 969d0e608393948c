package burner

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"BurnerLaunch/internal/clock"
	"BurnerLaunch/internal/observability/metrics"
	"BurnerLaunch/internal/web3"
	"BurnerLaunch/internal/web3/ethereum"
	"BurnerLaunch/pkg/logger"
)

// SweepStatus 是回收的最终状态。
type SweepStatus string

// 回收状态
const (
	SweepSwept          SweepStatus = "swept"
	SweepPartiallySwept SweepStatus = "partially-swept"
	SweepSkipped        SweepStatus = "skipped"
	SweepFailed         SweepStatus = "failed"
)

// AssetOutcome 是单一资产的回收结果。
type AssetOutcome string

// 资产回收结果
const (
	AssetMoved  AssetOutcome = "moved"
	AssetEmpty  AssetOutcome = "empty"
	AssetDust   AssetOutcome = "dust"
	AssetFailed AssetOutcome = "failed"

	// AssetUnconfigured 表示该资产未配置，不参与回收。
	AssetUnconfigured AssetOutcome = "unconfigured"
)

// SweepChain 定义回收所需的链上能力。
type SweepChain interface {
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	TransferToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (common.Hash, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	FeeQuote(ctx context.Context) (web3.FeeQuote, error)
	SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, quote web3.FeeQuote) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// SweepRecord 记录一次回收。
type SweepRecord struct {
	WalletAddress common.Address
	Destination   common.Address
	NativeSwept   *big.Int
	StableSwept   *big.Int
	NativeTxHash  *common.Hash
	StableTxHash  *common.Hash
	Native        AssetOutcome
	Stable        AssetOutcome
	Status        SweepStatus
	Detail        string
	FinishedAt    time.Time
}

// SkippedSweep 返回策略禁用回收时的记录。
func SkippedSweep(wallet, destination common.Address, reason string, at time.Time) *SweepRecord {
	return &SweepRecord{
		WalletAddress: wallet,
		Destination:   destination,
		NativeSwept:   new(big.Int),
		StableSwept:   new(big.Int),
		Status:        SweepSkipped,
		Detail:        reason,
		FinishedAt:    at,
	}
}

// Sweeper 将临时钱包中的稳定币与原生币转回请求方。
type Sweeper struct {
	chain          SweepChain
	stableToken    common.Address
	confirmTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger
}

// SweeperOption 定义可选配置。
type SweeperOption func(*Sweeper)

// WithSweepClock 指定时钟。
func WithSweepClock(c clock.Clock) SweeperOption {
	return func(s *Sweeper) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSweepConfirmTimeout 设置单笔回收交易的确认超时。
func WithSweepConfirmTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.confirmTimeout = d
		}
	}
}

// NewSweeper 构造 Sweeper。stableToken 为零地址时只回收原生币。
func NewSweeper(chain SweepChain, stableToken common.Address, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		chain:          chain,
		stableToken:    stableToken,
		confirmTimeout: 2 * time.Minute,
		clock:          clock.NewSystem(),
		logger:         logger.Named("sweep"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sweep 先回收稳定币，再回收扣除手续费后的原生币。该方法不返回错误，
// 失败通过记录的 failed 状态体现。
func (s *Sweeper) Sweep(ctx context.Context, key *ecdsa.PrivateKey, destination common.Address) (record *SweepRecord) {
	record = &SweepRecord{
		Destination: destination,
		NativeSwept: new(big.Int),
		StableSwept: new(big.Int),
		Native:      AssetEmpty,
		Stable:      AssetEmpty,
	}
	defer func() {
		if r := recover(); r != nil {
			record.Status = SweepFailed
			record.Detail = fmt.Sprintf("panic: %v", r)
		}
		record.FinishedAt = s.clock.Now()
		metrics.ObserveSweep(string(record.Status))
		logger.Audit().Info("回收完成",
			slog.String("burner", record.WalletAddress.Hex()),
			slog.String("destination", destination.Hex()),
			slog.String("status", string(record.Status)),
			slog.String("native", string(record.Native)),
			slog.String("stable", string(record.Stable)),
			slog.String("native_swept", record.NativeSwept.String()),
			slog.String("stable_swept", record.StableSwept.String()),
			slog.String("detail", record.Detail))
	}()

	if key == nil {
		record.Status = SweepFailed
		record.Detail = "签名密钥已失效"
		return record
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	record.WalletAddress = owner

	var details []string
	if s.stableToken == (common.Address{}) {
		record.Stable = AssetUnconfigured
	} else {
		if err := s.sweepStable(ctx, key, owner, destination, record); err != nil {
			record.Stable = AssetFailed
			details = append(details, "stable: "+err.Error())
		}
	}
	if err := s.sweepNative(ctx, key, owner, destination, record); err != nil {
		record.Native = AssetFailed
		details = append(details, "native: "+err.Error())
	}

	record.Status = summarize(record.Native, record.Stable)
	switch {
	case len(details) > 0:
		record.Detail = strings.Join(details, "; ")
	case record.Native == AssetDust:
		record.Detail = "原生币余额不足以支付转账手续费，保留为粉尘"
	}
	return record
}

func (s *Sweeper) sweepStable(ctx context.Context, key *ecdsa.PrivateKey, owner, destination common.Address, record *SweepRecord) error {
	balance, err := s.chain.TokenBalance(ctx, s.stableToken, owner)
	if err != nil {
		return fmt.Errorf("查询稳定币余额失败: %w", err)
	}
	if balance.Sign() == 0 {
		return nil
	}
	hash, err := s.chain.TransferToken(ctx, key, s.stableToken, destination, balance)
	if err != nil {
		return fmt.Errorf("提交稳定币转账失败: %w", err)
	}
	record.StableTxHash = &hash
	if err := s.confirm(ctx, hash); err != nil {
		return err
	}
	record.StableSwept = balance
	record.Stable = AssetMoved
	return nil
}

func (s *Sweeper) sweepNative(ctx context.Context, key *ecdsa.PrivateKey, owner, destination common.Address, record *SweepRecord) error {
	balance, err := s.chain.NativeBalance(ctx, owner)
	if err != nil {
		return fmt.Errorf("查询原生币余额失败: %w", err)
	}
	if balance.Sign() == 0 {
		return nil
	}
	quote, err := s.chain.FeeQuote(ctx)
	if err != nil {
		return fmt.Errorf("获取手续费参数失败: %w", err)
	}
	fee := quote.Cost(ethereum.NativeTransferGas)
	if balance.Cmp(fee) <= 0 {
		record.Native = AssetDust
		s.logger.Info("原生币余额低于手续费，跳过",
			slog.String("burner", owner.Hex()),
			slog.String("balance_wei", balance.String()),
			slog.String("fee_wei", fee.String()))
		return nil
	}
	value := new(big.Int).Sub(balance, fee)
	hash, err := s.chain.SendNative(ctx, key, destination, value, quote)
	if err != nil {
		return fmt.Errorf("提交原生币转账失败: %w", err)
	}
	record.NativeTxHash = &hash
	if err := s.confirm(ctx, hash); err != nil {
		return err
	}
	record.NativeSwept = value
	record.Native = AssetMoved
	return nil
}

func (s *Sweeper) confirm(ctx context.Context, hash common.Hash) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	receipt, err := s.chain.WaitMined(waitCtx, hash)
	if err != nil {
		return fmt.Errorf("等待交易 %s 确认失败: %w", hash.Hex(), err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return fmt.Errorf("交易 %s 执行失败", hash.Hex())
	}
	return nil
}

// summarize 只统计已配置的资产：全部转出为 swept，部分转出为 partially-swept。
func summarize(native, stable AssetOutcome) SweepStatus {
	if native == AssetFailed || stable == AssetFailed {
		return SweepFailed
	}
	attempted, moved := 0, 0
	for _, o := range []AssetOutcome{native, stable} {
		if o == AssetUnconfigured {
			continue
		}
		attempted++
		if o == AssetMoved {
			moved++
		}
	}
	switch {
	case moved == 0:
		return SweepSkipped
	case moved == attempted:
		return SweepSwept
	default:
		return SweepPartiallySwept
	}
}
