package burner

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"BurnerLaunch/internal/clock"
	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/jobs"
	"BurnerLaunch/internal/notify"
	"BurnerLaunch/internal/observability/metrics"
	"BurnerLaunch/internal/x402"
	"BurnerLaunch/pkg/logger"
)

// SweepMode 决定回收的执行方式。
type SweepMode string

// 回收方式
const (
	SweepModeSync       SweepMode = "sync"
	SweepModeBackground SweepMode = "background"
	SweepModeDisabled   SweepMode = "disabled"
)

// Requester 是会话解析出的请求方身份。
type Requester struct {
	Address common.Address
	Key     *ecdsa.PrivateKey
}

// String 只输出地址。
func (r Requester) String() string { return "requester(" + r.Address.Hex() + ")" }

// GoString 只输出地址。
func (r Requester) GoString() string { return r.String() }

// LogValue 只输出地址。
func (r Requester) LogValue() slog.Value { return slog.StringValue(r.Address.Hex()) }

// FeeConfig 是代币的手续费配置。
type FeeConfig struct {
	Mode   string `json:"mode" validate:"omitempty,oneof=static dynamic"`
	FeeBps uint16 `json:"fee_bps" validate:"lte=10000"`
	TaxBps uint16 `json:"tax_bps" validate:"lte=10000"`
}

// LaunchRequest 是一次发射请求。
type LaunchRequest struct {
	Name            string            `json:"name" validate:"required,max=64"`
	Symbol          string            `json:"symbol" validate:"required,max=16"`
	Image           string            `json:"image" validate:"omitempty,url"`
	Description     string            `json:"description" validate:"max=2000"`
	Links           map[string]string `json:"links"`
	Fees            FeeConfig         `json:"fees"`
	RewardRecipient string            `json:"reward_recipient"`
	Launcher        string            `json:"launcher"`
	Sweep           SweepMode         `json:"sweep" validate:"omitempty,oneof=sync background disabled"`
}

var requestValidator = validator.New()

// Validate 校验请求。
func (r LaunchRequest) Validate() error {
	if err := requestValidator.Struct(r); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "发射请求参数不合法")
	}
	if r.RewardRecipient != "" && !common.IsHexAddress(r.RewardRecipient) {
		return xerrors.New(xerrors.CodeInvalidArgument, "reward_recipient 不是合法地址")
	}
	if r.Launcher != "" && !common.IsHexAddress(r.Launcher) {
		return xerrors.New(xerrors.CodeInvalidArgument, "launcher 不是合法地址")
	}
	return nil
}

// LaunchResponse 是返回给调用方的结果。
type LaunchResponse struct {
	Success             bool   `json:"success"`
	Message             string `json:"message,omitempty"`
	TxHash              string `json:"txHash,omitempty"`
	DeployedViaFallback bool   `json:"deployedViaFallback,omitempty"`
	BurnerAddress       string `json:"burnerAddress,omitempty"`
	Error               string `json:"error,omitempty"`
}

// Result 汇总一次发射流程的各阶段结果。
type Result struct {
	WorkflowID string
	Response   LaunchResponse
	Funding    *FundingRecord
	Dispatch   *DispatchResult
	Fallback   *DeployResult
	// Sweep 在后台回收时为 nil。
	Sweep *SweepRecord
}

// Submitter 是后台任务池的投递能力。
type Submitter interface {
	Submit(name string, fn jobs.Func) error
}

// Settings 是发射流程的运行参数。
type Settings struct {
	AgentEndpoint  string
	Funding        FundingPolicy
	MaxAttempts    int
	AttemptTimeout time.Duration
	SweepMode      SweepMode
}

// Components 是发射流程依赖的组件。Recorder、Notifier 与 Jobs 可为空。
type Components struct {
	Keys       *KeyFactory
	Funder     *Funder
	Dispatcher *Dispatcher
	Fallback   *FallbackDeployer
	Sweeper    *Sweeper
	Recorder   Recorder
	Notifier   notify.Dispatcher
	Jobs       Submitter
	Clock      clock.Clock
}

// Launcher 编排 burner 的创建、注资、调度、降级与回收。
type Launcher struct {
	settings Settings
	c        Components
	logger   *slog.Logger

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// NewLauncher 构造 Launcher。
func NewLauncher(settings Settings, c Components) (*Launcher, error) {
	if c.Keys == nil || c.Funder == nil || c.Dispatcher == nil || c.Fallback == nil || c.Sweeper == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "发射流程缺少必要组件")
	}
	if settings.AgentEndpoint == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置代理端点")
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 3
	}
	if settings.AttemptTimeout <= 0 {
		settings.AttemptTimeout = 90 * time.Second
	}
	if settings.SweepMode == "" {
		settings.SweepMode = SweepModeBackground
	}
	if c.Clock == nil {
		c.Clock = clock.NewSystem()
	}
	return &Launcher{settings: settings, c: c, logger: logger.Named("launcher")}, nil
}

// Launch 执行一次完整的发射流程。返回的 Result 总是非空，其中的 Response
// 可直接返回给调用方；error 非空时可通过 xerrors.StatusOf 得到 HTTP 状态码。
func (l *Launcher) Launch(ctx context.Context, requester Requester, req LaunchRequest) (*Result, error) {
	result := &Result{WorkflowID: uuid.NewString()}
	if !l.enter() {
		return l.fail(result, xerrors.New(CodeDraining, "服务正在关闭，不再接受新的发射请求"), "rejected")
	}
	defer l.inflight.Done()
	log := l.logger.With(slog.String("workflow_id", result.WorkflowID))

	if err := req.Validate(); err != nil {
		return l.fail(result, err, "invalid")
	}
	if requester.Key == nil || requester.Address == (common.Address{}) {
		return l.fail(result, xerrors.New(xerrors.CodeUnauthenticated, "未解析到请求方钱包"), "invalid")
	}

	wallet, err := l.c.Keys.Create()
	if err != nil {
		return l.fail(result, err, "failed")
	}
	result.Response.BurnerAddress = wallet.Address.Hex()
	log = log.With(slog.String("burner", wallet.Address.Hex()))
	l.record("record.created", func(ctx context.Context) error {
		if l.c.Recorder == nil {
			return nil
		}
		return l.c.Recorder.RecordBurnerCreated(ctx, BurnerCreated{
			WorkflowID: result.WorkflowID,
			Address:    wallet.Address.Hex(),
			Requester:  requester.Address.Hex(),
			CreatedAt:  wallet.CreatedAt,
		})
	})
	l.notify(notify.Event{Kind: notify.KindBurnerCreated, WorkflowID: result.WorkflowID,
		Burner: wallet.Address.Hex(), Requester: requester.Address.Hex()})

	// 注资开始后流程不再响应调用方取消，必须跑完回收。
	ctx = context.WithoutCancel(ctx)
	mode := l.settings.SweepMode
	if req.Sweep != "" {
		mode = req.Sweep
	}

	funding, err := l.c.Funder.Fund(ctx, requester.Key, wallet.Address, l.settings.Funding)
	result.Funding = funding
	if err != nil {
		log.Error("注资失败", slog.Any("error", err))
		if funding.Submitted() {
			result.Sweep = l.sweep(ctx, result.WorkflowID, wallet, requester.Address, mode)
		} else {
			// 注资交易未提交，burner 上没有资金，直接记录 skipped。
			wallet.Discard()
			rec := SkippedSweep(wallet.Address, requester.Address, "注资交易未提交，无需回收", l.c.Clock.Now())
			l.finishSweep(ctx, result.WorkflowID, *rec)
			result.Sweep = rec
		}
		return l.fail(result, err, "failed")
	}
	l.record("record.funded", func(ctx context.Context) error {
		if l.c.Recorder == nil {
			return nil
		}
		return l.c.Recorder.RecordFundingConfirmed(ctx, *funding)
	})
	l.notify(notify.Event{Kind: notify.KindFundingConfirmed, WorkflowID: result.WorkflowID,
		Burner: wallet.Address.Hex(), Requester: requester.Address.Hex(),
		Metadata: map[string]string{"funding_tx_hash": funding.FundingTxHash.Hex(), "amount_wei": funding.AmountRequested.String()}})

	launchErr := l.deploy(ctx, log, result, wallet, requester, req)
	result.Sweep = l.sweep(ctx, result.WorkflowID, wallet, requester.Address, mode)

	if launchErr != nil {
		return l.fail(result, launchErr, "failed")
	}
	label := "agent"
	if result.Response.DeployedViaFallback {
		label = "fallback"
	}
	metrics.ObserveLaunch(label)
	l.notify(notify.Event{Kind: notify.KindLaunchCompleted, WorkflowID: result.WorkflowID,
		Burner: wallet.Address.Hex(), Requester: requester.Address.Hex(),
		Metadata: map[string]string{"tx_hash": result.Response.TxHash, "path": label}})
	return result, nil
}

func (l *Launcher) enter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draining {
		return false
	}
	l.inflight.Add(1)
	return true
}

// Drain 停止接受新的发射请求，并等待进行中的流程（含同步回收）结束。
// ctx 到期时返回 ctx.Err()，此时仍有流程在运行。
func (l *Launcher) Drain(ctx context.Context) error {
	l.mu.Lock()
	l.draining = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deploy 先经代理调度，耗尽后走直接部署。
func (l *Launcher) deploy(ctx context.Context, log *slog.Logger, result *Result, wallet *Wallet, requester Requester, req LaunchRequest) error {
	if !result.Funding.Confirmed() {
		return xerrors.New(CodeFundingFailed, "注资未确认，拒绝调度")
	}
	cfg := tokenConfig(req, requester.Address)
	payload, err := agentPayload(cfg, wallet.Address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码代理请求失败")
	}

	dispatch := l.c.Dispatcher.Dispatch(ctx, AgentRequest{Endpoint: l.settings.AgentEndpoint, Payload: payload},
		wallet.Key(), l.settings.MaxAttempts, l.settings.AttemptTimeout)
	result.Dispatch = dispatch
	if dispatch.Succeeded() {
		result.Response.Success = true
		result.Response.Message = dispatch.Response.Message
		if result.Response.Message == "" {
			result.Response.Message = "代币已由代理部署"
		}
		result.Response.TxHash = dispatch.Response.TxHash
		return nil
	}
	if !dispatch.Exhausted {
		return dispatch.Err
	}

	log.Warn("代理调用耗尽，改为直接部署", slog.Int("attempts", len(dispatch.Attempts)), slog.Any("error", dispatch.LastErr))
	l.notify(notify.Event{Kind: notify.KindDispatchExhausted, WorkflowID: result.WorkflowID,
		Burner: wallet.Address.Hex(), Requester: requester.Address.Hex(),
		Code: xerrors.CodeOf(dispatch.LastErr), Severity: xerrors.SeverityWarning,
		Message: errorText(dispatch.LastErr)})

	deployed, fbErr := l.c.Fallback.DeployDirect(ctx, cfg, wallet.Key())
	if fbErr != nil {
		code := CodeFallbackFailed
		if xerrors.CodeOf(dispatch.LastErr) == x402.CodePaymentFailed {
			code = x402.CodePaymentFailed
		}
		return xerrors.Wrap(code, errors.Join(dispatch.Err, fbErr),
			fmt.Sprintf("代理调用失败 (%s) 且直接部署失败 (%s)", errorText(dispatch.LastErr), errorText(fbErr)))
	}
	result.Fallback = deployed
	result.Response.Success = true
	result.Response.DeployedViaFallback = true
	result.Response.TxHash = deployed.TxHash.Hex()
	result.Response.Message = "代理不可用，代币已直接部署"
	l.notify(notify.Event{Kind: notify.KindFallbackDeployed, WorkflowID: result.WorkflowID,
		Burner: wallet.Address.Hex(), Requester: requester.Address.Hex(),
		Metadata: map[string]string{"deploy_tx_hash": deployed.TxHash.Hex(), "token": deployed.TokenAddress.Hex()}})
	return nil
}

// sweep 按策略回收余额。后台模式下返回 nil，私钥由后台任务负责清除。
func (l *Launcher) sweep(ctx context.Context, workflowID string, wallet *Wallet, destination common.Address, mode SweepMode) *SweepRecord {
	run := func(ctx context.Context) *SweepRecord {
		defer wallet.Discard()
		var rec *SweepRecord
		if mode == SweepModeDisabled {
			rec = SkippedSweep(wallet.Address, destination, "回收已被调用方禁用", l.c.Clock.Now())
		} else {
			rec = l.c.Sweeper.Sweep(ctx, wallet.Key(), destination)
			rec.WalletAddress = wallet.Address
		}
		l.finishSweep(ctx, workflowID, *rec)
		return rec
	}

	if mode == SweepModeBackground && l.c.Jobs != nil {
		err := l.c.Jobs.Submit("sweep", func(ctx context.Context) error {
			rec := run(ctx)
			if rec.Status == SweepFailed {
				return xerrors.New(CodeSweepFailed, fmt.Sprintf("burner %s 回收失败: %s", rec.WalletAddress.Hex(), rec.Detail))
			}
			return nil
		})
		if err == nil {
			return nil
		}
		l.logger.Warn("后台回收投递失败，改为同步回收", slog.String("workflow_id", workflowID), slog.Any("error", err))
	}
	return run(ctx)
}

func (l *Launcher) finishSweep(ctx context.Context, workflowID string, rec SweepRecord) {
	if l.c.Recorder != nil {
		if err := l.c.Recorder.RecordSweepStatus(ctx, rec); err != nil {
			l.logger.Warn("记录回收状态失败", slog.String("workflow_id", workflowID), slog.Any("error", err))
		}
	}
	event := notify.Event{
		Kind:       notify.KindSweepFinished,
		WorkflowID: workflowID,
		Burner:     rec.WalletAddress.Hex(),
		Message:    rec.Detail,
		Metadata:   map[string]string{"status": string(rec.Status)},
	}
	if rec.Status == SweepFailed {
		event.Code = CodeSweepFailed
		event.Severity = xerrors.SeverityWarning
	}
	l.deliver(ctx, event)
}

func (l *Launcher) fail(result *Result, err error, label string) (*Result, error) {
	result.Response.Success = false
	result.Response.Error = errorText(err)
	metrics.ObserveLaunch(label)
	if label != "invalid" && label != "rejected" {
		l.notify(notify.Event{
			Kind:       notify.KindLaunchFailed,
			WorkflowID: result.WorkflowID,
			Burner:     result.Response.BurnerAddress,
			Code:       xerrors.CodeOf(err),
			Severity:   xerrors.SeverityOf(err),
			Message:    result.Response.Error,
		})
	}
	return result, err
}

// record 把尽力而为的记录操作交给后台任务池，池不可用时同步执行。
func (l *Launcher) record(name string, fn jobs.Func) {
	if l.c.Recorder == nil {
		return
	}
	if l.c.Jobs != nil && l.c.Jobs.Submit(name, fn) == nil {
		return
	}
	if err := fn(context.Background()); err != nil {
		l.logger.Warn("记录 burner 生命周期失败", slog.String("job", name), slog.Any("error", err))
	}
}

func (l *Launcher) notify(event notify.Event) {
	if l.c.Notifier == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.c.Clock.Now()
	}
	if l.c.Jobs != nil && l.c.Jobs.Submit("notify."+string(event.Kind), func(ctx context.Context) error {
		return l.c.Notifier.Notify(ctx, event)
	}) == nil {
		return
	}
	l.deliver(context.Background(), event)
}

func (l *Launcher) deliver(ctx context.Context, event notify.Event) {
	if l.c.Notifier == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.c.Clock.Now()
	}
	if err := l.c.Notifier.Notify(ctx, event); err != nil {
		l.logger.Warn("发送生命周期事件失败", slog.String("kind", string(event.Kind)), slog.Any("error", err))
	}
}

func tokenConfig(req LaunchRequest, requester common.Address) TokenConfig {
	cfg := TokenConfig{
		Name:        strings.TrimSpace(req.Name),
		Symbol:      strings.TrimSpace(req.Symbol),
		Image:       req.Image,
		Description: req.Description,
		Links:       req.Links,
		Admin:       requester,
		RewardBps:   req.Fees.FeeBps,
	}
	if req.RewardRecipient != "" {
		cfg.RewardRecipient = common.HexToAddress(req.RewardRecipient)
	}
	return cfg
}

type agentDeployPayload struct {
	Action          string            `json:"action"`
	Signer          string            `json:"signer"`
	Name            string            `json:"name"`
	Symbol          string            `json:"symbol"`
	Image           string            `json:"image,omitempty"`
	Description     string            `json:"description,omitempty"`
	Links           map[string]string `json:"links,omitempty"`
	TokenAdmin      string            `json:"tokenAdmin"`
	RewardRecipient string            `json:"rewardRecipient"`
	RewardBps       uint16            `json:"rewardBps"`
}

func agentPayload(cfg TokenConfig, signer common.Address) ([]byte, error) {
	recipient := cfg.RewardRecipient
	if recipient == (common.Address{}) || recipient == signer {
		recipient = cfg.Admin
	}
	return json.Marshal(agentDeployPayload{
		Action:          "deploy_token",
		Signer:          signer.Hex(),
		Name:            cfg.Name,
		Symbol:          cfg.Symbol,
		Image:           cfg.Image,
		Description:     cfg.Description,
		Links:           cfg.Links,
		TokenAdmin:      cfg.Admin.Hex(),
		RewardRecipient: recipient.Hex(),
		RewardBps:       cfg.RewardBps,
	})
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		return logger.Redact(e.Message())
	}
	return logger.Redact(err.Error())
}
