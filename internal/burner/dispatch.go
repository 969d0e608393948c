package burner

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"BurnerLaunch/internal/clock"
	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/observability/metrics"
	"BurnerLaunch/internal/x402"
	"BurnerLaunch/pkg/logger"
)

// Outcome 表示单次代理调用的结果。
type Outcome string

// 代理调用结果
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeRejected Outcome = "rejected"
)

// PaymentCaller 定义付费调用能力，由 x402.Gateway 实现。
type PaymentCaller interface {
	CallWithPayment(ctx context.Context, endpoint string, payload []byte, key *ecdsa.PrivateKey) (*x402.Result, error)
}

// AgentRequest 是发往代理的请求。
type AgentRequest struct {
	Endpoint string
	Payload  []byte
}

// AgentResponse 是代理返回的响应体。TxHash 是代理自己上链操作的哈希。
type AgentResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
	TokenAddress string `json:"tokenAddress,omitempty"`
}

// DispatchAttempt 记录一次调用尝试。
type DispatchAttempt struct {
	Number      int
	StartedAt   time.Time
	Outcome     Outcome
	ErrorDetail string
}

// DispatchResult 是代理调度的最终结果。
type DispatchResult struct {
	Attempts      []DispatchAttempt
	Response      *AgentResponse
	PaymentTxHash *common.Hash
	// Exhausted 为 true 表示所有尝试均失败，需要走直接部署。
	Exhausted bool
	// Fatal 为 true 表示遇到不可重试的错误，不应再降级。
	Fatal bool
	// LastErr 是最近一次尝试的错误。
	LastErr error
	Err     error
}

// Succeeded 报告代理是否成功处理了请求。
func (r *DispatchResult) Succeeded() bool {
	return r != nil && r.Response != nil && r.Err == nil
}

// Dispatcher 以有限次数与单次超时调用代理。
type Dispatcher struct {
	caller PaymentCaller
	clock  clock.Clock
	delay  time.Duration
	logger *slog.Logger
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithDispatchClock 指定时钟，尝试间隔通过它等待。
func WithDispatchClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithRetryDelay 设置两次尝试之间的固定间隔。
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.delay = delay
		}
	}
}

// WithDispatchLogger 指定日志输出。
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(caller PaymentCaller, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{caller: caller, clock: clock.NewSystem(), delay: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.logger == nil {
		d.logger = logger.Named("dispatch")
	}
	return d
}

type callResult struct {
	res *x402.Result
	err error
}

// Dispatch 最多调用 maxAttempts 次，首次成功即返回。
func (d *Dispatcher) Dispatch(ctx context.Context, req AgentRequest, key *ecdsa.PrivateKey, maxAttempts int, perAttemptTimeout time.Duration) *DispatchResult {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	result := &DispatchResult{Attempts: make([]DispatchAttempt, 0, maxAttempts)}

	for n := 1; n <= maxAttempts; n++ {
		attempt := DispatchAttempt{Number: n, StartedAt: d.clock.Now()}
		resp, payment, err := d.attempt(ctx, req, key, perAttemptTimeout)

		switch {
		case err == nil:
			attempt.Outcome = OutcomeSuccess
		case errors.Is(err, context.DeadlineExceeded) || xerrors.CodeOf(err) == xerrors.CodeTimeout:
			attempt.Outcome = OutcomeTimeout
			attempt.ErrorDetail = err.Error()
		default:
			attempt.Outcome = OutcomeRejected
			attempt.ErrorDetail = err.Error()
		}
		result.Attempts = append(result.Attempts, attempt)
		metrics.ObserveDispatchAttempt(string(attempt.Outcome))

		if err == nil {
			result.Response = resp
			result.PaymentTxHash = payment
			d.logger.Info("代理调用成功", slog.Int("attempt", n), slog.String("agent_tx", resp.TxHash))
			return result
		}

		result.LastErr = err
		d.logger.Warn("代理调用失败",
			slog.Int("attempt", n),
			slog.Int("max_attempts", maxAttempts),
			slog.String("outcome", string(attempt.Outcome)),
			slog.Any("error", err))

		if isFatal(err) {
			result.Fatal = true
			result.Err = err
			return result
		}
		if ctx.Err() != nil {
			result.Fatal = true
			result.Err = xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "发射流程已取消")
			return result
		}
		if n < maxAttempts {
			if err := d.clock.Sleep(ctx, d.delay); err != nil {
				result.Fatal = true
				result.Err = xerrors.Wrap(xerrors.CodeTimeout, err, "等待重试时流程被取消")
				return result
			}
		}
	}

	result.Exhausted = true
	result.Err = xerrors.Wrap(xerrors.CodeRetriesExhausted, result.LastErr,
		fmt.Sprintf("代理调用 %d 次均未成功", len(result.Attempts)))
	return result
}

// attempt 在独立的超时上下文中调用代理。超时后不再等待调用返回，
// 迟到的结果写入带缓冲的通道后被丢弃。
func (d *Dispatcher) attempt(ctx context.Context, req AgentRequest, key *ecdsa.PrivateKey, timeout time.Duration) (*AgentResponse, *common.Hash, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("代理调用 panic: %v", r)}
			}
		}()
		res, err := d.caller.CallWithPayment(attemptCtx, req.Endpoint, req.Payload, key)
		done <- callResult{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if attemptCtx.Err() != nil && errors.Is(out.err, context.DeadlineExceeded) {
				return nil, nil, xerrors.Wrap(xerrors.CodeTimeout, out.err, fmt.Sprintf("代理调用超过 %s", timeout))
			}
			return nil, nil, out.err
		}
		resp, err := decodeAgentResponse(out.res)
		if err != nil {
			return nil, nil, err
		}
		return resp, out.res.PaymentTxHash, nil
	case <-attemptCtx.Done():
		return nil, nil, xerrors.Wrap(xerrors.CodeTimeout, attemptCtx.Err(), fmt.Sprintf("代理调用超过 %s", timeout))
	}
}

func decodeAgentResponse(res *x402.Result) (*AgentResponse, error) {
	if res == nil {
		return nil, xerrors.New(x402.CodeAgentRejected, "代理未返回响应")
	}
	var resp AgentResponse
	if err := json.Unmarshal(res.Body, &resp); err != nil {
		return nil, xerrors.Wrap(x402.CodeAgentRejected, err, "代理响应不是合法 JSON")
	}
	if !resp.Success {
		msg := strings.TrimSpace(resp.Message)
		if msg == "" {
			msg = "代理未能完成请求"
		}
		return nil, xerrors.New(x402.CodeAgentRejected, msg)
	}
	return &resp, nil
}

// isFatal 判断错误是否应立即终止调度。未登记错误码的错误视为可重试。
func isFatal(err error) bool {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		return false
	}
	return xerrors.ClassOf(err) == xerrors.ClassFatal
}
