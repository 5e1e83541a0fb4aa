// Package app wires the payment services from configuration. The server and
// the paymentctl CLI share it so both run against the same stack.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"milestonepay/internal/config"
	"milestonepay/internal/gateway"
	"milestonepay/internal/httpserver"
	"milestonepay/internal/ledger"
	"milestonepay/internal/milestone"
	"milestonepay/internal/notify"
	"milestonepay/internal/onboarding"
	"milestonepay/internal/reconcile"
	"milestonepay/internal/webhook"
	"milestonepay/pkg/circuitbreaker"
	"milestonepay/pkg/db"
	"milestonepay/pkg/mq"
	"milestonepay/pkg/outbox"
	redisclient "milestonepay/pkg/redis"
	"milestonepay/pkg/util"
)

type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Pool       *pgxpool.Pool
	Store      *ledger.PostgresStore
	Redis      *goredis.Client
	Publisher  *mq.Publisher
	Outbox     *outbox.Repository
	Dispatcher *outbox.Dispatcher
	Replay     *outbox.ReplayService
	Gateway    *gateway.Client
	Engine     *milestone.Engine
	Onboarding *onboarding.Service
	Ingestor   *webhook.Ingestor
	Sweeper    *reconcile.Sweeper

	closers []func()
}

// New 建立所有外部连接并组装服务；失败时已打开的连接会被关闭
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Pool, err = db.NewConnection(ctx, cfg.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	a.closers = append(a.closers, a.Pool.Close)
	a.Store = ledger.NewPostgresStore(a.Pool, logger)

	// Redis 只做快速去重，不可用时退回到持久层
	rdb, rerr := redisclient.NewRedisClient(ctx, cfg.Redis)
	if rerr != nil {
		logger.Warn("Redis unavailable, dedup falls back to the event log", zap.Error(rerr))
	}
	a.Redis = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })

	a.Publisher, err = mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		return nil, fmt.Errorf("init mq publisher: %w", err)
	}
	a.closers = append(a.closers, a.Publisher.Close)

	a.Outbox = outbox.NewRepository(a.Pool)
	a.Dispatcher = outbox.NewDispatcher(a.Outbox, a.Publisher, logger).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	a.Replay = outbox.NewReplayService(a.Outbox, a.Publisher, logger)

	a.Gateway = gateway.NewClient(gateway.ClientConfig{
		BaseURL:       cfg.Processor.BaseURL,
		SecretKey:     cfg.Processor.SecretKey,
		Currency:      cfg.Processor.Currency,
		Timeout:       cfg.Processor.Timeout,
		WebhookSecret: cfg.Processor.WebhookSecret,
		Tolerance:     cfg.Processor.WebhookTolerance,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Processor.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Processor.Breaker.SuccessThreshold,
			Timeout:          cfg.Processor.Breaker.OpenTimeout,
		},
	}, logger)

	feeRate, err := cfg.FeeRate()
	if err != nil {
		return nil, err
	}
	settlement, err := milestone.ParseSettlement(cfg.Payments.Settlement)
	if err != nil {
		return nil, err
	}

	notifier := notify.NewOutboxNotifier(a.Outbox, logger)
	a.Engine = milestone.NewEngine(a.Store, a.Gateway, notifier, milestone.Config{
		FeeRate:    feeRate,
		Settlement: settlement,
		Currency:   cfg.Processor.Currency,
	}, logger)

	a.Onboarding = onboarding.NewService(a.Store, a.Gateway, notifier, onboarding.Config{
		AppBaseURL:    cfg.Onboarding.AppBaseURL,
		ReturnPath:    cfg.Onboarding.ReturnPath,
		RefreshPath:   cfg.Onboarding.RefreshPath,
		DashboardPath: cfg.Onboarding.DashboardPath,
		StateSecret:   cfg.JWT.Secret,
		StateTTL:      cfg.Onboarding.StateTTL,
	}, logger)

	deduper := util.NewDeduper(rdb, cfg.Webhook.DedupTTL, logger)
	a.Ingestor = webhook.NewIngestor(a.Gateway, a.Store, webhook.NewDispatcher(a.Engine, a.Onboarding), deduper, logger)

	a.Sweeper = reconcile.NewSweeper(a.Store, a.Gateway, a.Engine, a.Ingestor, reconcile.Config{
		Interval:    cfg.Reconcile.Interval,
		StaleAfter:  cfg.Reconcile.StaleAfter,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		BatchSize:   cfg.Reconcile.BatchSize,
	}, logger)

	return a, nil
}

// Router 组装 HTTP 路由
func (a *App) Router() *httpserver.Router {
	return httpserver.NewRouter(httpserver.Dependencies{
		Payments:   httpserver.NewPaymentHandler(a.Engine, a.Logger),
		Onboarding: httpserver.NewOnboardingHandler(a.Onboarding, a.Logger),
		Webhooks:   httpserver.NewWebhookHandler(a.Ingestor, a.Config.Webhook.MaxBody, a.Logger),
		Admin:      httpserver.NewAdminHandler(a.Sweeper, a.Replay, a.Ingestor, a.Logger),
		Checks: []httpserver.ReadinessCheck{
			{Name: "db", Check: a.Store.Ping},
			{Name: "mq", Check: func(context.Context) error {
				if !a.Publisher.IsConnected() {
					return fmt.Errorf("publisher disconnected")
				}
				return nil
			}},
		},
		JWTSecret: a.Config.JWT.Secret,
		Logger:    a.Logger,
	})
}

// Close 逆序关闭连接
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
