// Package config assembles the service configuration from the layered YAML files
// under config/ plus environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"milestonepay/internal/model"
	pkgconfig "milestonepay/pkg/config"
	"milestonepay/pkg/otel"
)

// 结算模式
const (
	SettlementDestinationCharge = "destination_charge"
	SettlementSeparateTransfer  = "separate_transfer"
)

type ProcessorConfig struct {
	BaseURL          string        `yaml:"base_url"`
	SecretKey        string        `yaml:"secret_key"`
	WebhookSecret    string        `yaml:"webhook_secret"`
	WebhookTolerance time.Duration `yaml:"webhook_tolerance"`
	Timeout          time.Duration `yaml:"timeout"`
	Currency         string        `yaml:"currency"`
	Breaker          struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		SuccessThreshold int           `yaml:"success_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"breaker"`
}

type PaymentsConfig struct {
	// 十进制字符串，避免 YAML 浮点
	FeeRate    string `yaml:"fee_rate"`
	Settlement string `yaml:"settlement"`
}

type OnboardingConfig struct {
	AppBaseURL  string `yaml:"app_base_url"`
	ReturnPath  string `yaml:"return_path"`
	RefreshPath string `yaml:"refresh_path"`
	// 处理方开户完成后用户回到的前端页面
	DashboardPath string `yaml:"dashboard_path"`
	// 回调 URL 中 state token 的有效期
	StateTTL time.Duration `yaml:"state_ttl"`
}

type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	MaxAttempts int           `yaml:"max_attempts"`
	BatchSize   int           `yaml:"batch_size"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type WebhookConfig struct {
	DedupTTL time.Duration `yaml:"dedup_ttl"`
	MaxBody  int64         `yaml:"max_body"`
}

type Config struct {
	Server     pkgconfig.ServerConfig `yaml:"server"`
	DB         pkgconfig.DBConfig     `yaml:"db"`
	Redis      pkgconfig.RedisConfig  `yaml:"redis"`
	MQ         pkgconfig.MQConfig     `yaml:"mq"`
	JWT        pkgconfig.JWTConfig    `yaml:"jwt"`
	Log        pkgconfig.LogConfig    `yaml:"log"`
	Otel       otel.Config            `yaml:"otel"`
	Processor  ProcessorConfig        `yaml:"processor"`
	Payments   PaymentsConfig         `yaml:"payments"`
	Onboarding OnboardingConfig       `yaml:"onboarding"`
	Reconcile  ReconcileConfig        `yaml:"reconcile"`
	Outbox     OutboxConfig           `yaml:"outbox"`
	Webhook    WebhookConfig          `yaml:"webhook"`
}

// Load 读取 CONFIG_ENV / CONFIG_DIR 指定的配置，应用环境变量覆盖并校验
func Load() (*Config, error) {
	env := pkgconfig.GetConfigEnv()
	configDir := pkgconfig.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, configDir)
}

func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := pkgconfig.LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := pkgconfig.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	pkgconfig.OverrideLogFromEnv(&cfg.Log)
	overrideProcessorFromEnv(&cfg.Processor)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideProcessorFromEnv(cfg *ProcessorConfig) {
	if key := os.Getenv("PROCESSOR_SECRET_KEY"); key != "" {
		cfg.SecretKey = key
	}
	if secret := os.Getenv("PROCESSOR_WEBHOOK_SECRET"); secret != "" {
		cfg.WebhookSecret = secret
	}
	if url := os.Getenv("PROCESSOR_BASE_URL"); url != "" {
		cfg.BaseURL = url
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.JWT.TTL == 0 {
		c.JWT.TTL = 24 * time.Hour
	}
	if c.Processor.Currency == "" {
		c.Processor.Currency = "usd"
	}
	if c.Processor.Timeout == 0 {
		c.Processor.Timeout = 10 * time.Second
	}
	if c.Processor.WebhookTolerance == 0 {
		c.Processor.WebhookTolerance = 5 * time.Minute
	}
	if c.Payments.Settlement == "" {
		c.Payments.Settlement = SettlementDestinationCharge
	}
	if c.Onboarding.ReturnPath == "" {
		c.Onboarding.ReturnPath = "/api/payouts/return"
	}
	if c.Onboarding.RefreshPath == "" {
		c.Onboarding.RefreshPath = "/api/payouts/refresh"
	}
	if c.Onboarding.StateTTL <= 0 {
		c.Onboarding.StateTTL = 24 * time.Hour
	}
	if c.Onboarding.DashboardPath == "" {
		c.Onboarding.DashboardPath = "/dashboard/payouts"
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = time.Minute
	}
	if c.Reconcile.StaleAfter == 0 {
		c.Reconcile.StaleAfter = 15 * time.Minute
	}
	if c.Reconcile.MaxAttempts == 0 {
		c.Reconcile.MaxAttempts = 5
	}
	if c.Reconcile.BatchSize == 0 {
		c.Reconcile.BatchSize = 50
	}
	if c.Outbox.Interval == 0 {
		c.Outbox.Interval = 2 * time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Webhook.DedupTTL == 0 {
		c.Webhook.DedupTTL = 24 * time.Hour
	}
	if c.Webhook.MaxBody == 0 {
		c.Webhook.MaxBody = 1 << 20
	}
}

// Validate 启动前拒绝明显错误的配置
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.FeeRate(); err != nil {
		errs = append(errs, fmt.Errorf("payments.fee_rate: %w", err))
	}
	switch c.Payments.Settlement {
	case SettlementDestinationCharge, SettlementSeparateTransfer:
	default:
		errs = append(errs, fmt.Errorf("payments.settlement: unknown model %q", c.Payments.Settlement))
	}
	if c.Processor.WebhookSecret == "" {
		errs = append(errs, errors.New("processor.webhook_secret is required"))
	}
	if c.Processor.BaseURL == "" {
		errs = append(errs, errors.New("processor.base_url is required"))
	}
	if c.Onboarding.AppBaseURL == "" {
		errs = append(errs, errors.New("onboarding.app_base_url is required"))
	}
	// 同时用于签发开户回调 state
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	return errors.Join(errs...)
}

// FeeRate 解析平台费率
func (c *Config) FeeRate() (decimal.Decimal, error) {
	if c.Payments.FeeRate == "" {
		return decimal.Zero, errors.New("fee rate is required")
	}
	return model.ParseFeeRate(c.Payments.FeeRate)
}
