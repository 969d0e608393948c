package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// EnvPrefix 是覆盖配置文件的环境变量前缀，层级用双下划线分隔，
// 例如 LAUNCHPAD_DISPATCH__MAX_ATTEMPTS=5。
const EnvPrefix = "LAUNCHPAD_"

// Config 描述了发射服务在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Logging  LoggingConfig   `koanf:"logging"`
	Storage  StorageConfig   `koanf:"storage"`
	Notify   NotifyConfig    `koanf:"notify"`
	Web3     Web3Config      `koanf:"web3"`
	Agent    AgentConfig     `koanf:"agent"`
	Funding  FundingConfig   `koanf:"funding"`
	Payment  PaymentConfig   `koanf:"payment"`
	Dispatch DispatchConfig  `koanf:"dispatch"`
	Sweep    SweepConfig     `koanf:"sweep"`
	Workers  WorkerConfig    `koanf:"workers"`
	Sessions []SessionConfig `koanf:"sessions" validate:"dive"`
	Runtime  RuntimeConfig   `koanf:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `koanf:"address"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `koanf:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format      string   `koanf:"format" validate:"omitempty,oneof=json text"`
	OutputPaths []string `koanf:"output_paths"`
	AuditPath   string   `koanf:"audit_path"`
}

// StorageConfig 描述 burner 生命周期记录的存储后端。
type StorageConfig struct {
	Driver          string        `koanf:"driver" validate:"omitempty,oneof=memory mysql postgres redis"`
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	Redis           RedisConfig   `koanf:"redis"`
}

// RedisConfig 描述 Redis 记录器的连接参数。
type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// NotifyConfig 控制生命周期事件的外发渠道。
type NotifyConfig struct {
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
	Webhook  WebhookConfig  `koanf:"webhook"`
}

// WebhookConfig 描述告警 Webhook，URL 为空时不启用。
type WebhookConfig struct {
	URL          string        `koanf:"url" validate:"omitempty,url"`
	Timeout      time.Duration `koanf:"timeout"`
	CriticalOnly bool          `koanf:"critical_only"`
}

// RabbitMQConfig 描述 RabbitMQ 事件发布参数。
type RabbitMQConfig struct {
	Enabled    bool   `koanf:"enabled"`
	URL        string `koanf:"url"`
	Exchange   string `koanf:"exchange"`
	RoutingKey string `koanf:"routing_key"`
	Queue      string `koanf:"queue"`
	Durable    bool   `koanf:"durable"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	ChainConfig  string `koanf:"chain_config"`
	DefaultChain string `koanf:"default_chain"`
	RPCURL       string `koanf:"rpc_url"`
}

// AgentConfig 描述外部 AI 代理的收费端点。
type AgentConfig struct {
	Endpoint    string        `koanf:"endpoint" validate:"required,url"`
	HTTPTimeout time.Duration `koanf:"http_timeout"`
}

// FundingConfig 描述 burner 注资策略。
type FundingConfig struct {
	Mode             string        `koanf:"mode" validate:"omitempty,oneof=fixed dynamic"`
	FixedAmount      string        `koanf:"fixed_amount"`
	BaseBudget       string        `koanf:"base_budget"`
	SafetyMultiplier float64       `koanf:"safety_multiplier" validate:"gte=0"`
	GasUnits         uint64        `koanf:"gas_units"`
	ConfirmTimeout   time.Duration `koanf:"confirm_timeout"`
	PollInterval     time.Duration `koanf:"poll_interval"`
}

// PaymentConfig 描述微支付与自动兑换参数。
type PaymentConfig struct {
	StableDecimals int           `koanf:"stable_decimals" validate:"gte=0,lte=36"`
	SwapAmount     string        `koanf:"swap_amount"`
	MinOutRatioBps int64         `koanf:"min_out_ratio_bps" validate:"gte=0,lte=10000"`
	ConfirmTimeout time.Duration `koanf:"confirm_timeout"`
}

// DispatchConfig 控制代理调用的重试与超时。
type DispatchConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"gte=0"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`
	RetryDelay     time.Duration `koanf:"retry_delay"`
}

// SweepConfig 控制归集的执行方式。
type SweepConfig struct {
	Mode           string        `koanf:"mode" validate:"omitempty,oneof=sync background disabled"`
	ConfirmTimeout time.Duration `koanf:"confirm_timeout"`
}

// WorkerConfig 控制后台任务池。
type WorkerConfig struct {
	Count     int `koanf:"count" validate:"gte=0"`
	QueueSize int `koanf:"queue_size" validate:"gte=0"`
}

// SessionConfig 把会话令牌映射到保存请求方私钥的环境变量。
type SessionConfig struct {
	Token  string `koanf:"token" validate:"required"`
	KeyEnv string `koanf:"key_env" validate:"required"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `koanf:"data_dir"`
}

// Load 解析指定路径的 JSON 配置文件，并叠加 LAUNCHPAD_ 前缀的环境变量。
// path 为空时只读取环境变量。
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("读取环境变量失败: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate 校验字段约束以及跨字段的组合约束。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	switch c.Storage.Driver {
	case "mysql", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("存储驱动 %s 需要配置 dsn", c.Storage.Driver)
		}
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Address) == "" {
			return errors.New("存储驱动 redis 需要配置 redis.address")
		}
	}
	if c.Notify.RabbitMQ.Enabled && strings.TrimSpace(c.Notify.RabbitMQ.URL) == "" {
		return errors.New("启用 RabbitMQ 通知时必须配置 url")
	}
	if c.Funding.Mode == "fixed" && strings.TrimSpace(c.Funding.FixedAmount) == "" {
		return errors.New("固定注资模式需要配置 fixed_amount")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "launchpad:burner:"
	}

	if c.Notify.RabbitMQ.Queue == "" {
		c.Notify.RabbitMQ.Queue = "launchpad.burner.events"
	}
	if c.Notify.Webhook.Timeout <= 0 {
		c.Notify.Webhook.Timeout = 5 * time.Second
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Agent.HTTPTimeout <= 0 {
		c.Agent.HTTPTimeout = 2 * time.Minute
	}

	if c.Funding.Mode == "" {
		c.Funding.Mode = "dynamic"
	}
	if c.Funding.BaseBudget == "" {
		c.Funding.BaseBudget = "0.0006"
	}
	if c.Funding.SafetyMultiplier == 0 {
		c.Funding.SafetyMultiplier = 1.5
	}
	if c.Funding.GasUnits == 0 {
		c.Funding.GasUnits = 150000
	}
	if c.Funding.ConfirmTimeout <= 0 {
		c.Funding.ConfirmTimeout = 2 * time.Minute
	}
	if c.Funding.PollInterval <= 0 {
		c.Funding.PollInterval = time.Second
	}

	if c.Payment.StableDecimals == 0 {
		c.Payment.StableDecimals = 6
	}
	if c.Payment.SwapAmount == "" {
		c.Payment.SwapAmount = "0.0003"
	}
	if c.Payment.MinOutRatioBps == 0 {
		c.Payment.MinOutRatioBps = 6600
	}
	if c.Payment.ConfirmTimeout <= 0 {
		c.Payment.ConfirmTimeout = time.Minute
	}

	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.AttemptTimeout <= 0 {
		c.Dispatch.AttemptTimeout = 90 * time.Second
	}
	if c.Dispatch.RetryDelay <= 0 {
		c.Dispatch.RetryDelay = 5 * time.Second
	}

	if c.Sweep.Mode == "" {
		c.Sweep.Mode = "background"
	}
	if c.Sweep.ConfirmTimeout <= 0 {
		c.Sweep.ConfirmTimeout = time.Minute
	}

	if c.Workers.Count <= 0 {
		c.Workers.Count = 4
	}
	if c.Workers.QueueSize <= 0 {
		c.Workers.QueueSize = 256
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
