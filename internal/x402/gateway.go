package x402

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/observability/metrics"
	"BurnerLaunch/internal/web3"
	"BurnerLaunch/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const maxResponseBytes = 1 << 20

// Chain 定义支付网关所需的链上能力。
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	Swap(ctx context.Context, key *ecdsa.PrivateKey, req web3.SwapRequest) (common.Hash, error)
	TransferToken(ctx context.Context, key *ecdsa.PrivateKey, token, to common.Address, amount *big.Int) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// SwapConfig 描述余额不足时的自动兑换参数。Router 为零地址时不兑换。
type SwapConfig struct {
	Router         common.Address
	WrappedNative  common.Address
	PoolFee        uint32
	AmountIn       *big.Int
	MinOutRatioBps int64
}

// Result 是一次付费调用的结果。
type Result struct {
	StatusCode int
	Body       []byte
	// PaymentTxHash 是本服务支付交易的哈希，未触发支付时为 nil。
	// 它与代理在响应体中返回的任何哈希无关。
	PaymentTxHash *common.Hash
	Challenge     *Challenge
}

// Gateway 实现 402 挑战-支付-重放流程。
type Gateway struct {
	httpClient     *http.Client
	chain          Chain
	swap           SwapConfig
	decimals       int
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Gateway)

// WithHTTPClient 指定 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.httpClient = client
		}
	}
}

// WithSwap 配置自动兑换。
func WithSwap(cfg SwapConfig) Option {
	return func(g *Gateway) {
		g.swap = cfg
	}
}

// WithDecimals 设置带小数金额的换算精度。
func WithDecimals(decimals int) Option {
	return func(g *Gateway) {
		if decimals >= 0 {
			g.decimals = decimals
		}
	}
}

// WithConfirmTimeout 设置兑换与转账的确认超时。
func WithConfirmTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.confirmTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// NewGateway 构造支付网关。
func NewGateway(chain Chain, opts ...Option) *Gateway {
	g := &Gateway{
		httpClient:     &http.Client{Timeout: 2 * time.Minute},
		chain:          chain,
		decimals:       6,
		confirmTimeout: time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.logger == nil {
		g.logger = logger.Named("x402")
	}
	return g
}

// CallWithPayment 发起调用；若端点返回 402，则完成链上支付后携带凭证重放请求。
func (g *Gateway) CallWithPayment(ctx context.Context, endpoint string, payload []byte, key *ecdsa.PrivateKey) (*Result, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供签名密钥")
	}

	status, header, body, err := g.do(ctx, endpoint, payload, key, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusPaymentRequired {
		return g.finish(status, body, nil, nil)
	}

	challenge, err := ParseChallenge(header, body, g.decimals)
	if err != nil {
		return nil, err
	}
	g.logger.Info("收到支付挑战",
		slog.String("pay_to", challenge.PayGateAddress.Hex()),
		slog.String("token", challenge.TokenAddress.Hex()),
		slog.String("amount", challenge.Amount.String()))

	paymentHash, err := g.pay(ctx, key, challenge)
	if err != nil {
		return nil, err
	}

	status, _, body, err = g.do(ctx, endpoint, payload, key, &paymentHash)
	if err != nil {
		return nil, xerrors.Wrap(CodeAgentRejected, err, "携带支付凭证重放请求失败",
			xerrors.WithMetadata("payment_tx_hash", paymentHash.Hex()))
	}
	return g.finish(status, body, &paymentHash, challenge)
}

func (g *Gateway) finish(status int, body []byte, paymentHash *common.Hash, challenge *Challenge) (*Result, error) {
	if status == http.StatusPaymentRequired {
		opts := []xerrors.Option{}
		if paymentHash != nil {
			opts = append(opts, xerrors.WithMetadata("payment_tx_hash", paymentHash.Hex()))
		}
		return nil, xerrors.New(CodePaymentFailed, "支付后端点仍要求付费", opts...)
	}
	if status < 200 || status >= 300 {
		return nil, xerrors.New(CodeAgentRejected, fmt.Sprintf("代理返回状态码 %d: %s", status, truncate(body, 256)))
	}
	return &Result{StatusCode: status, Body: body, PaymentTxHash: paymentHash, Challenge: challenge}, nil
}

func (g *Gateway) do(ctx context.Context, endpoint string, payload []byte, key *ecdsa.PrivateKey, proof *common.Hash) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造代理请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	signature, err := crypto.Sign(accounts.TextHash(payload), key)
	if err != nil {
		return 0, nil, nil, xerrors.Wrap(CodeAgentRejected, err, "签名请求体失败")
	}
	req.Header.Set(HeaderPaymentSigner, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderPaymentSignature, hexutil.Encode(signature))
	if proof != nil {
		req.Header.Set(HeaderPaymentProof, proof.Hex())
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, ctx.Err()
		}
		return 0, nil, nil, xerrors.Wrap(CodeAgentRejected, err, "调用代理端点失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, ctx.Err()
		}
		return 0, nil, nil, xerrors.Wrap(CodeAgentRejected, err, "读取代理响应失败")
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (g *Gateway) pay(ctx context.Context, key *ecdsa.PrivateKey, ch *Challenge) (common.Hash, error) {
	if g.chain == nil {
		return common.Hash{}, xerrors.New(CodePaymentFailed, "未配置链客户端")
	}
	if ch.ChainID != nil {
		id, err := g.chain.ChainID(ctx)
		if err != nil {
			return common.Hash{}, xerrors.Wrap(CodePaymentFailed, err, "获取链 ID 失败")
		}
		if id.Cmp(ch.ChainID) != 0 {
			return common.Hash{}, newChallengeError(fmt.Sprintf("支付挑战要求链 %s，当前链为 %s", ch.ChainID, id))
		}
	}

	payer := crypto.PubkeyToAddress(key.PublicKey)
	balance, err := g.chain.TokenBalance(ctx, ch.TokenAddress, payer)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(CodePaymentFailed, err, "查询稳定币余额失败")
	}
	swapped := false
	if balance.Cmp(ch.Amount) < 0 {
		if err := g.topUp(ctx, key, ch, balance); err != nil {
			return common.Hash{}, err
		}
		swapped = true
	}

	hash, err := g.chain.TransferToken(ctx, key, ch.TokenAddress, ch.PayGateAddress, ch.Amount)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(CodePaymentFailed, err, "发送支付转账失败")
	}
	if err := g.confirm(ctx, hash); err != nil {
		return common.Hash{}, xerrors.Wrap(CodePaymentFailed, err, "支付转账未确认",
			xerrors.WithMetadata("payment_tx_hash", hash.Hex()))
	}
	logger.Audit().Info("微支付完成",
		slog.String("payer", payer.Hex()),
		slog.String("pay_to", ch.PayGateAddress.Hex()),
		slog.String("amount", ch.Amount.String()),
		slog.String("payment_tx_hash", hash.Hex()),
		slog.Bool("swapped", swapped))
	metrics.ObservePayment(swapped)
	return hash, nil
}

// MinimumOut 返回兑换的最小输出：挑战金额乘以比例（基点）。
func MinimumOut(price *big.Int, ratioBps int64) *big.Int {
	out := new(big.Int).Mul(price, big.NewInt(ratioBps))
	return out.Div(out, big.NewInt(10000))
}

func (g *Gateway) topUp(ctx context.Context, key *ecdsa.PrivateKey, ch *Challenge, balance *big.Int) error {
	if g.swap.Router == (common.Address{}) || g.swap.AmountIn == nil || g.swap.AmountIn.Sign() <= 0 {
		return xerrors.New(CodePaymentFailed, fmt.Sprintf("稳定币余额不足 (%s < %s) 且未配置自动兑换", balance, ch.Amount))
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)
	minOut := MinimumOut(ch.Amount, g.swap.MinOutRatioBps)

	hash, err := g.chain.Swap(ctx, key, web3.SwapRequest{
		Router:           g.swap.Router,
		TokenIn:          g.swap.WrappedNative,
		TokenOut:         ch.TokenAddress,
		PoolFee:          g.swap.PoolFee,
		Recipient:        payer,
		AmountIn:         g.swap.AmountIn,
		AmountOutMinimum: minOut,
	})
	if err != nil {
		return xerrors.Wrap(CodePaymentFailed, err, "提交自动兑换失败")
	}
	if err := g.confirm(ctx, hash); err != nil {
		return xerrors.Wrap(CodePaymentFailed, err, "自动兑换未确认",
			xerrors.WithMetadata("swap_tx_hash", hash.Hex()))
	}

	after, err := g.chain.TokenBalance(ctx, ch.TokenAddress, payer)
	if err != nil {
		return xerrors.Wrap(CodePaymentFailed, err, "兑换后查询余额失败")
	}
	if after.Cmp(ch.Amount) < 0 {
		return xerrors.New(CodePaymentFailed, fmt.Sprintf("兑换后稳定币余额仍不足 (%s < %s)", after, ch.Amount))
	}
	g.logger.Info("自动兑换完成",
		slog.String("swap_tx_hash", hash.Hex()),
		slog.String("amount_in", g.swap.AmountIn.String()),
		slog.String("min_out", minOut.String()),
		slog.String("balance", after.String()))
	return nil
}

func (g *Gateway) confirm(ctx context.Context, hash common.Hash) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()
	receipt, err := g.chain.WaitMined(waitCtx, hash)
	if err != nil {
		return err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return fmt.Errorf("交易 %s 执行失败", hash.Hex())
	}
	return nil
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
