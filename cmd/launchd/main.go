package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"BurnerLaunch/internal/api"
	"BurnerLaunch/internal/burner"
	"BurnerLaunch/internal/config"
	"BurnerLaunch/internal/jobs"
	"BurnerLaunch/internal/notify"
	"BurnerLaunch/internal/session"
	"BurnerLaunch/internal/storage/memory"
	"BurnerLaunch/internal/storage/mysql"
	"BurnerLaunch/internal/storage/postgres"
	"BurnerLaunch/internal/storage/redis"
	"BurnerLaunch/internal/web3"
	"BurnerLaunch/internal/web3/ethereum"
	"BurnerLaunch/internal/web3/provider"
	"BurnerLaunch/internal/x402"
	"BurnerLaunch/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是发射服务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("launchd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("LAUNCHPAD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "launchpad.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("launchd")

	chains, err := provider.NewRegistry(ctx, cfg.Web3, cfg.Funding.PollInterval)
	if err != nil {
		return err
	}
	defer chains.Close()

	chain, err := chains.DefaultClient()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	sinks := []notify.Sink{&notify.AuditSink{}}
	if cfg.Notify.RabbitMQ.Enabled {
		rabbit, err := notify.NewRabbitMQSink(notify.RabbitMQConfig{
			URL:        cfg.Notify.RabbitMQ.URL,
			Exchange:   cfg.Notify.RabbitMQ.Exchange,
			RoutingKey: cfg.Notify.RabbitMQ.RoutingKey,
			Queue:      cfg.Notify.RabbitMQ.Queue,
			Durable:    cfg.Notify.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		defer rabbit.Close()
		sinks = append(sinks, rabbit)
	}
	if cfg.Notify.Webhook.URL != "" {
		webhook, err := notify.NewWebhookSink(notify.WebhookConfig{
			URL:      cfg.Notify.Webhook.URL,
			Timeout:  cfg.Notify.Webhook.Timeout,
			Critical: cfg.Notify.Webhook.CriticalOnly,
		}, nil)
		if err != nil {
			return err
		}
		sinks = append(sinks, webhook)
	}

	entries := make([]session.Entry, 0, len(cfg.Sessions))
	for _, s := range cfg.Sessions {
		entries = append(entries, session.Entry{Token: s.Token, KeyEnv: s.KeyEnv})
	}
	sessions, err := session.NewStaticResolver(entries)
	if err != nil {
		return err
	}
	if sessions.Len() == 0 {
		appLog.Warn("未配置任何会话，所有发射请求都会被拒绝")
	}

	// 后台任务池不随信号取消，关闭时排空队列以完成回收。
	pool := jobs.NewPool(ctx, cfg.Workers.Count, cfg.Workers.QueueSize)
	defer pool.Close()
	go func() {
		for failure := range pool.Errors() {
			appLog.Debug("后台任务失败", "job", failure.Job, "error", failure.Err)
		}
	}()

	launcher, err := newLauncher(cfg, chain, store, notify.NewFanout(sinks...), pool)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Options{
		Launcher: launcher,
		Sessions: sessions,
		Records:  store,
		Checks: map[string]api.Pinger{
			"chain":    chains,
			"recorder": store,
		},
	})
	server := api.NewServer(cfg.Server.Address, router, cfg.Server.ShutdownTimeout)

	appLog.Info("launchd 已启动",
		"address", cfg.Server.Address,
		"chain", chain.Name(),
		"storage", cfg.Storage.Driver,
		"sweep_mode", cfg.Sweep.Mode,
	)
	serveErr := server.Start(ctx)
	if serveErr != nil && errors.Is(serveErr, context.DeadlineExceeded) {
		appLog.Warn("HTTP 服务关闭超时，仍有发射流程在运行", "error", serveErr)
	}

	// 已注资的 burner 只有内存中的私钥，必须等流程跑完回收后才能关闭
	// 任务池、存储与链客户端。
	appLog.Info("launchd 正在退出，等待进行中的发射流程")
	if err := launcher.Drain(context.Background()); err != nil {
		return err
	}
	appLog.Info("发射流程已全部结束，等待后台任务完成")
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

type recordStore interface {
	burner.Store
	Ping(ctx context.Context) error
	Close() error
}

func openStore(ctx context.Context, cfg config.StorageConfig) (recordStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewBurnerStore(), nil
	case "mysql":
		return mysql.NewBurnerStore(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        int32(cfg.MaxOpenConns),
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	case "redis":
		return redis.NewBurnerStore(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func newLauncher(cfg *config.Config, chain *ethereum.Client, recorder burner.Recorder, notifier notify.Dispatcher, pool *jobs.Pool) (*burner.Launcher, error) {
	contracts := chain.Contracts()

	policy, err := fundingPolicy(cfg.Funding)
	if err != nil {
		return nil, err
	}

	swapIn, err := web3.ParseEther(cfg.Payment.SwapAmount)
	if err != nil {
		return nil, fmt.Errorf("swap_amount 配置无效: %w", err)
	}
	decimals := cfg.Payment.StableDecimals
	if contracts.StableDecimals > 0 {
		decimals = contracts.StableDecimals
	}
	gateway := x402.NewGateway(chain,
		x402.WithHTTPClient(&http.Client{Timeout: cfg.Agent.HTTPTimeout}),
		x402.WithDecimals(decimals),
		x402.WithConfirmTimeout(cfg.Payment.ConfirmTimeout),
		x402.WithSwap(x402.SwapConfig{
			Router:         contracts.SwapRouter,
			WrappedNative:  contracts.WrappedNative,
			PoolFee:        contracts.PoolFee,
			AmountIn:       swapIn,
			MinOutRatioBps: cfg.Payment.MinOutRatioBps,
		}),
	)

	if contracts.TokenFactory == (common.Address{}) {
		return nil, errors.New("链配置缺少 token_factory")
	}

	return burner.NewLauncher(burner.Settings{
		AgentEndpoint:  cfg.Agent.Endpoint,
		Funding:        policy,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		SweepMode:      burner.SweepMode(cfg.Sweep.Mode),
	}, burner.Components{
		Keys:       burner.NewKeyFactory(),
		Funder:     burner.NewFunder(chain, burner.WithFundingConfirmTimeout(cfg.Funding.ConfirmTimeout)),
		Dispatcher: burner.NewDispatcher(gateway, burner.WithRetryDelay(cfg.Dispatch.RetryDelay)),
		Fallback:   burner.NewFallbackDeployer(chain, contracts.TokenFactory, cfg.Funding.ConfirmTimeout),
		Sweeper:    burner.NewSweeper(chain, contracts.StableToken, burner.WithSweepConfirmTimeout(cfg.Sweep.ConfirmTimeout)),
		Recorder:   recorder,
		Notifier:   notifier,
		Jobs:       pool,
	})
}

func fundingPolicy(cfg config.FundingConfig) (burner.FundingPolicy, error) {
	if cfg.Mode == "fixed" {
		amount, err := web3.ParseEther(cfg.FixedAmount)
		if err != nil {
			return burner.FundingPolicy{}, fmt.Errorf("fixed_amount 配置无效: %w", err)
		}
		return burner.FixedFunding(amount), nil
	}
	base, err := web3.ParseEther(cfg.BaseBudget)
	if err != nil {
		return burner.FundingPolicy{}, fmt.Errorf("base_budget 配置无效: %w", err)
	}
	return burner.DynamicFunding(base, cfg.SafetyMultiplier, cfg.GasUnits), nil
}
