package burner

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "BurnerLaunch/internal/errors"
	"BurnerLaunch/internal/jobs"
	"BurnerLaunch/internal/notify"
	"BurnerLaunch/internal/x402"
	"BurnerLaunch/pkg/logger"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Notify(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureNotifier) kinds() []notify.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Kind, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

type harness struct {
	log       *eventLog
	chain     *fakeChain
	caller    *scriptedCaller
	clk       *stepClock
	recorder  *memRecorder
	notes     *captureNotifier
	requester Requester
	settings  Settings
	jobs      Submitter
}

func newHarness(steps ...callStep) *harness {
	log := &eventLog{}
	requesterKey := mustKey(1)
	h := &harness{
		log:       log,
		chain:     newFakeChain(log),
		caller:    &scriptedCaller{log: log, steps: steps},
		clk:       newStepClock(),
		recorder:  &memRecorder{},
		notes:     &captureNotifier{},
		requester: Requester{Address: crypto.PubkeyToAddress(requesterKey.PublicKey), Key: requesterKey},
		settings: Settings{
			AgentEndpoint:  "http://agent.test/deploy",
			Funding:        FixedFunding(big.NewInt(1e16)),
			MaxAttempts:    3,
			AttemptTimeout: 20 * time.Millisecond,
			SweepMode:      SweepModeSync,
		},
	}
	h.chain.native[h.requester.Address] = big.NewInt(1e18)
	return h
}

func (h *harness) launcher(t *testing.T) *Launcher {
	t.Helper()
	l, err := NewLauncher(h.settings, Components{
		Keys:       NewKeyFactory(WithEntropy(bytes.NewReader(seedBytes(0x42))), WithKeyClock(h.clk)),
		Funder:     NewFunder(h.chain, WithFundingClock(h.clk), WithFundingConfirmTimeout(50*time.Millisecond)),
		Dispatcher: NewDispatcher(h.caller, WithDispatchClock(h.clk), WithRetryDelay(time.Second)),
		Fallback:   NewFallbackDeployer(h.chain, tokenFactory, time.Second),
		Sweeper:    NewSweeper(h.chain, stableToken, WithSweepClock(h.clk), WithSweepConfirmTimeout(50*time.Millisecond)),
		Recorder:   h.recorder,
		Notifier:   h.notes,
		Jobs:       h.jobs,
		Clock:      h.clk,
	})
	require.NoError(t, err)
	return l
}

func validRequest() LaunchRequest {
	return LaunchRequest{
		Name:        "Burner Token",
		Symbol:      "BURN",
		Image:       "https://example.com/burn.png",
		Description: "launched from a burner",
		Links:       map[string]string{"x": "https://x.com/burn"},
		Fees:        FeeConfig{Mode: "static", FeeBps: 100},
	}
}

func burnerSecret(t *testing.T) string {
	key, err := crypto.ToECDSA(seedBytes(0x42))
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func TestLaunchViaAgentNeverLeaksKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, logger.Init(logger.Config{
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Audit:       logger.AuditConfig{Enabled: true, Path: filepath.Join(dir, "audit.log")},
	}))
	t.Cleanup(func() { _ = logger.Init(logger.Config{}) })

	h := newHarness(agentOK("0xagentdeploy"))
	result, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.NoError(t, err)

	assert.True(t, result.Response.Success)
	assert.Equal(t, "0xagentdeploy", result.Response.TxHash)
	assert.False(t, result.Response.DeployedViaFallback)
	assert.NotEmpty(t, result.Response.BurnerAddress)
	assert.Zero(t, h.chain.deployCount())
	require.NotNil(t, result.Sweep)
	assert.Equal(t, SweepPartiallySwept, result.Sweep.Status)

	require.NoError(t, logger.Sync())
	secret := burnerSecret(t)
	body, err := json.Marshal(result.Response)
	require.NoError(t, err)
	records, err := json.Marshal([]any{h.recorder.created, h.recorder.funded, h.recorder.sweeps, h.notes.events})
	require.NoError(t, err)
	appLog, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	auditLog, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)

	for name, text := range map[string]string{
		"response":  string(body),
		"records":   string(records),
		"app log":   string(appLog),
		"audit log": string(auditLog),
	} {
		assert.NotContains(t, text, secret, name)
	}
	assert.NotEmpty(t, auditLog)
}

func TestLaunchDispatchWaitsForFundingConfirmation(t *testing.T) {
	h := newHarness(agentOK("0x1"))
	_, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.NoError(t, err)

	mined := h.log.index("mined-native")
	dispatched := h.log.index("dispatch")
	require.GreaterOrEqual(t, mined, 0)
	require.GreaterOrEqual(t, dispatched, 0)
	assert.Less(t, mined, dispatched)

	require.Len(t, h.recorder.funded, 1)
	assert.True(t, h.recorder.funded[0].Confirmed())
}

func TestLaunchFallsBackAfterThreeTimeouts(t *testing.T) {
	h := newHarness(agentHang())
	result, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.NoError(t, err)

	require.NotNil(t, result.Dispatch)
	assert.Equal(t, []Outcome{OutcomeTimeout, OutcomeTimeout, OutcomeTimeout}, outcomes(result.Dispatch.Attempts))
	assert.Equal(t, 2, h.clk.sleepCount())
	assert.Equal(t, 1, h.chain.deployCount())
	assert.True(t, result.Response.Success)
	assert.True(t, result.Response.DeployedViaFallback)
	require.NotNil(t, result.Fallback)
	assert.Equal(t, result.Fallback.TxHash.Hex(), result.Response.TxHash)
	assert.Equal(t, h.requester.Address, h.chain.deploys[0].Admin)
	assert.Contains(t, h.notes.kinds(), notify.KindDispatchExhausted)
	assert.Contains(t, h.notes.kinds(), notify.KindFallbackDeployed)
	require.NotNil(t, result.Sweep)
}

func TestLaunchNoFallbackAfterSuccess(t *testing.T) {
	h := newHarness(agentErr(xerrors.New(x402.CodeAgentRejected, "busy")), agentOK("0x2"))
	result, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.NoError(t, err)
	assert.Len(t, result.Dispatch.Attempts, 2)
	assert.Zero(t, h.chain.deployCount())
	assert.Nil(t, result.Fallback)
}

func TestLaunchFallbackFailureReportsBothErrors(t *testing.T) {
	h := newHarness(agentErr(xerrors.New(x402.CodeAgentRejected, "agent down")))
	h.chain.deployErr = errors.New("factory paused")

	result, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.Error(t, err)
	assert.Equal(t, CodeFallbackFailed, xerrors.CodeOf(err))
	assert.Equal(t, 500, xerrors.StatusOf(err))
	assert.False(t, result.Response.Success)
	assert.Contains(t, result.Response.Error, "agent down")
	assert.Contains(t, result.Response.Error, "提交部署交易失败")

	require.NotNil(t, result.Sweep)
	assert.NotEmpty(t, result.Sweep.Status)
	assert.Equal(t, 1, h.recorder.sweepCount())
	assert.Contains(t, h.notes.kinds(), notify.KindLaunchFailed)
}

func TestLaunchExhaustedEventRedactsKeyMaterial(t *testing.T) {
	secret := burnerSecret(t)
	h := newHarness(agentErr(xerrors.New(x402.CodeAgentRejected, "agent echoed key="+secret)))

	_, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.NoError(t, err)

	h.notes.mu.Lock()
	defer h.notes.mu.Unlock()
	var found bool
	for _, e := range h.notes.events {
		assert.NotContains(t, e.Message, secret)
		if e.Kind == notify.KindDispatchExhausted {
			found = true
			assert.Contains(t, e.Message, "[REDACTED]")
		}
	}
	assert.True(t, found)
}

func TestLaunchUnsatisfiedPaymentMapsToPaymentRequired(t *testing.T) {
	h := newHarness(agentErr(xerrors.New(x402.CodePaymentFailed, "no liquidity")))
	h.chain.deployErr = errors.New("factory paused")

	_, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.Error(t, err)
	assert.Equal(t, x402.CodePaymentFailed, xerrors.CodeOf(err))
	assert.Equal(t, 402, xerrors.StatusOf(err))
}

func TestLaunchMalformedChallengeSkipsFallback(t *testing.T) {
	h := newHarness(agentErr(xerrors.New(x402.CodeChallengeInvalid, "missing payment-token")))

	result, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.Error(t, err)
	assert.Equal(t, x402.CodeChallengeInvalid, xerrors.CodeOf(err))
	assert.Zero(t, h.chain.deployCount())
	require.NotNil(t, result.Sweep)
}

func TestLaunchFundingFailureAbortsBeforeDispatch(t *testing.T) {
	h := newHarness(agentOK("0x3"))
	h.chain.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}

	result, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.Error(t, err)
	assert.Equal(t, CodeFundingFailed, xerrors.CodeOf(err))
	assert.Zero(t, h.caller.callCount())
	require.NotNil(t, result.Sweep)
	assert.Equal(t, SweepSkipped, result.Sweep.Status)
	assert.Equal(t, h.requester.Address, result.Sweep.Destination)
	assert.Equal(t, 1, h.recorder.sweepCount())
	assert.Empty(t, h.chain.sends)
	assert.False(t, result.Response.Success)
	assert.Contains(t, h.notes.kinds(), notify.KindSweepFinished)
}

func TestLaunchUnconfirmedFundingIsStillSwept(t *testing.T) {
	h := newHarness(agentOK("0x4"))
	h.chain.hangOnWait = true

	result, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.Error(t, err)
	assert.Equal(t, CodeFundingTimeout, xerrors.CodeOf(err))
	assert.Zero(t, h.caller.callCount())
	require.NotNil(t, result.Sweep)
	assert.Equal(t, SweepFailed, result.Sweep.Status)
	assert.Equal(t, 1, h.recorder.sweepCount())
}

func TestLaunchDisabledSweepIsSkipped(t *testing.T) {
	h := newHarness(agentOK("0x5"))
	req := validRequest()
	req.Sweep = SweepModeDisabled

	result, err := h.launcher(t).Launch(context.Background(), h.requester, req)
	require.NoError(t, err)
	require.NotNil(t, result.Sweep)
	assert.Equal(t, SweepSkipped, result.Sweep.Status)
	assert.Len(t, h.chain.sends, 1)
}

func TestLaunchBackgroundSweepRunsInPool(t *testing.T) {
	pool := jobs.NewPool(context.Background(), 2, 16)
	h := newHarness(agentOK("0x6"))
	h.settings.SweepMode = SweepModeBackground
	h.jobs = pool

	result, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.NoError(t, err)
	assert.Nil(t, result.Sweep)

	pool.Close()
	assert.Equal(t, 1, h.recorder.sweepCount())
	assert.Len(t, h.recorder.created, 1)
	assert.Contains(t, h.notes.kinds(), notify.KindSweepFinished)
}

func TestLaunchRecorderFailureDoesNotAbort(t *testing.T) {
	h := newHarness(agentOK("0x7"))
	h.recorder.err = errors.New("database down")

	result, err := h.launcher(t).Launch(context.Background(), h.requester, validRequest())
	require.NoError(t, err)
	assert.True(t, result.Response.Success)
}

func TestLaunchCallerCancellationAfterStartDoesNotAbandonFunds(t *testing.T) {
	h := newHarness(agentOK("0x8"))
	ctx, cancel := context.WithCancel(context.Background())
	l := h.launcher(t)
	cancel()

	result, err := l.Launch(ctx, h.requester, validRequest())
	require.NoError(t, err)
	require.NotNil(t, result.Sweep)
	assert.NotEqual(t, SweepFailed, result.Sweep.Status)
}

func TestLaunchRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LaunchRequest, *Requester)
		code   xerrors.Code
		status int
	}{
		{name: "missing name", mutate: func(r *LaunchRequest, _ *Requester) { r.Name = "" }, code: xerrors.CodeInvalidArgument, status: 400},
		{name: "bad recipient", mutate: func(r *LaunchRequest, _ *Requester) { r.RewardRecipient = "nope" }, code: xerrors.CodeInvalidArgument, status: 400},
		{name: "bad sweep", mutate: func(r *LaunchRequest, _ *Requester) { r.Sweep = "later" }, code: xerrors.CodeInvalidArgument, status: 400},
		{name: "fee too high", mutate: func(r *LaunchRequest, _ *Requester) { r.Fees.FeeBps = 20000 }, code: xerrors.CodeInvalidArgument, status: 400},
		{name: "no requester", mutate: func(_ *LaunchRequest, q *Requester) { *q = Requester{} }, code: xerrors.CodeUnauthenticated, status: 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(agentOK("0x9"))
			req := validRequest()
			requester := h.requester
			tt.mutate(&req, &requester)

			result, err := h.launcher(t).Launch(context.Background(), requester, req)
			require.Error(t, err)
			assert.Equal(t, tt.code, xerrors.CodeOf(err))
			assert.Equal(t, tt.status, xerrors.StatusOf(err))
			assert.Empty(t, h.chain.sends)
			assert.NotEmpty(t, result.Response.Error)
		})
	}
}

func TestLaunchDrainWaitsForInFlightWorkflow(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(func(ctx context.Context) (*x402.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return agentOK("0x9")(ctx)
	})
	h.settings.AttemptTimeout = 5 * time.Second
	l := h.launcher(t)

	type outcome struct {
		result *Result
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		result, err := l.Launch(context.Background(), h.requester, validRequest())
		first <- outcome{result, err}
	}()
	<-started

	drained := make(chan error, 1)
	go func() { drained <- l.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("Drain returned while a funded workflow was still running")
	case <-time.After(50 * time.Millisecond):
	}

	rejected, err := l.Launch(context.Background(), h.requester, validRequest())
	require.Error(t, err)
	assert.Equal(t, CodeDraining, xerrors.CodeOf(err))
	assert.Equal(t, 503, xerrors.StatusOf(err))
	assert.Empty(t, rejected.Response.BurnerAddress)

	close(release)
	require.NoError(t, <-drained)

	got := <-first
	require.NoError(t, got.err)
	assert.True(t, got.result.Response.Success)
	require.NotNil(t, got.result.Sweep)
	assert.Equal(t, 1, h.caller.callCount())
}

func TestLaunchDrainHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	h := newHarness(func(ctx context.Context) (*x402.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return agentOK("0xa")(ctx)
	})
	h.settings.AttemptTimeout = 5 * time.Second
	l := h.launcher(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = l.Launch(context.Background(), h.requester, validRequest())
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Drain(ctx), context.DeadlineExceeded)

	close(release)
	<-done
	require.NoError(t, l.Drain(context.Background()))
}
