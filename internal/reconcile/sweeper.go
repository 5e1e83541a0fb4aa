// Package reconcile is the backstop for missed or failed processor events: it
// compares stale ledger intents with the processor, replays failed webhook
// deliveries and retries unpaid transfers.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"milestonepay/internal/gateway"
	"milestonepay/internal/ledger"
	"milestonepay/internal/milestone"
	"milestonepay/internal/model"
	"milestonepay/internal/webhook"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/util"
)

// Engine 对账需要的引擎操作
type Engine interface {
	ConfirmPaymentSucceeded(ctx context.Context, evt milestone.PaymentSucceeded) (*milestone.Confirmation, error)
	ConfirmPaymentFailed(ctx context.Context, evt milestone.PaymentFailed) (*milestone.Confirmation, error)
	RetryPendingTransfer(ctx context.Context, transfer model.Transfer) (*model.Transfer, error)
}

// Replayer 重放已存储的 webhook 事件
type Replayer interface {
	Replay(ctx context.Context, eventID string) (webhook.Result, error)
}

type Config struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	MaxAttempts int
	BatchSize   int
}

// Report 一轮对账的统计
type Report struct {
	IntentsChecked   int
	IntentsConfirmed int
	IntentsFailed    int
	IntentsPending   int
	EventsReplayed   int
	EventsFailed     int
	TransfersPaid    int
	Errors           int
}

type Sweeper struct {
	store    ledger.Store
	gateway  gateway.Gateway
	engine   Engine
	replayer Replayer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(store ledger.Store, gw gateway.Gateway, engine Engine, replayer Replayer, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Sweeper{
		store:    store,
		gateway:  gw,
		engine:   engine,
		replayer: replayer,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start 周期性执行对账，阻塞直到 ctx 结束
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting reconciliation sweeper",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("stale_after", s.cfg.StaleAfter),
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciliation sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮对账
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	var r Report
	cutoff := s.now().Add(-s.cfg.StaleAfter)

	s.reconcileIntents(ctx, cutoff, &r)
	s.replayEvents(ctx, cutoff, &r)
	s.retryTransfers(ctx, cutoff, &r)

	if r != (Report{}) {
		s.logger.Info("Reconciliation pass finished",
			zap.Int("intents_checked", r.IntentsChecked),
			zap.Int("intents_confirmed", r.IntentsConfirmed),
			zap.Int("intents_failed", r.IntentsFailed),
			zap.Int("events_replayed", r.EventsReplayed),
			zap.Int("transfers_paid", r.TransfersPaid),
			zap.Int("errors", r.Errors),
		)
	}
	return r
}

func (s *Sweeper) reconcileIntents(ctx context.Context, cutoff time.Time, r *Report) {
	stale, err := s.store.ListStalePaymentIntents(ctx, model.IntentCreated, cutoff, s.cfg.BatchSize)
	if err != nil {
		r.Errors++
		s.logger.Error("Failed to list stale payment intents", zap.Error(err))
		return
	}

	for _, pi := range stale {
		r.IntentsChecked++
		log := s.logger.With(
			zap.String("project_id", pi.ProjectID),
			zap.String("external_ref", pi.ExternalRef),
		)

		state, err := s.gateway.RetrievePaymentIntent(ctx, pi.ExternalRef)
		if err != nil {
			r.Errors++
			log.Warn("Failed to retrieve payment intent from processor", zap.Error(err))
			continue
		}

		switch state.Status {
		case gateway.PaymentSucceeded:
			if _, err := s.engine.ConfirmPaymentSucceeded(ctx, milestone.PaymentSucceeded{
				ExternalRef: pi.ExternalRef,
				TransferRef: state.TransferRef,
			}); err != nil {
				r.Errors++
				log.Error("Failed to confirm missed payment", zap.Error(err))
				continue
			}
			r.IntentsConfirmed++
			metrics.IncrementReconcileAction("intent_confirmed")
			log.Warn("Confirmed payment missed by webhooks")

		case gateway.PaymentFailed:
			if _, err := s.engine.ConfirmPaymentFailed(ctx, milestone.PaymentFailed{
				ExternalRef: pi.ExternalRef,
				Code:        state.FailureCode,
				Message:     state.FailureMessage,
			}); err != nil {
				r.Errors++
				log.Error("Failed to record missed payment failure", zap.Error(err))
				continue
			}
			r.IntentsFailed++
			metrics.IncrementReconcileAction("intent_failed")
			log.Warn("Recorded payment failure missed by webhooks")

		default:
			r.IntentsPending++
		}
	}
}

// replayEvents 重放 failed 事件，以及收到后超过 cutoff 仍停在 received 的事件；
// 后者的去重键可能还在 Redis 里，处理方重投会被当成重复
func (s *Sweeper) replayEvents(ctx context.Context, cutoff time.Time, r *Report) {
	if s.replayer == nil {
		return
	}
	events, err := s.store.ListRetryableWebhookEvents(ctx, s.cfg.MaxAttempts, cutoff, s.cfg.BatchSize)
	if err != nil {
		r.Errors++
		s.logger.Error("Failed to list retryable webhook events", zap.Error(err))
		return
	}

	for _, e := range events {
		res, err := s.replayer.Replay(ctx, e.ID)
		if err == nil {
			err = res.Err
		}
		if err != nil {
			r.EventsFailed++
			metrics.IncrementReconcileAction("event_replay_failed")
			if e.Attempts+1 >= s.cfg.MaxAttempts {
				s.logger.Error("Webhook event exhausted replay attempts",
					zap.String("event_id", e.ID),
					zap.String("event_type", e.Type),
					zap.String("reconcile", "manual"),
					zap.Error(err),
				)
			}
			continue
		}
		r.EventsReplayed++
		metrics.IncrementReconcileAction("event_replayed")
	}
}

func (s *Sweeper) retryTransfers(ctx context.Context, cutoff time.Time, r *Report) {
	// 只取 cutoff 之前创建的，刚提交的转账由确认流程自己完成
	pending, err := s.store.ListPendingTransfers(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		r.Errors++
		s.logger.Error("Failed to list pending transfers", zap.Error(err))
		return
	}

	for _, t := range pending {
		if _, err := s.engine.RetryPendingTransfer(ctx, t); err != nil {
			r.Errors++
			level := s.logger.Error
			if ok, _ := util.IsRetryableError(err); ok {
				level = s.logger.Warn
			}
			level("Pending transfer retry failed",
				zap.String("transfer_id", t.ID),
				zap.String("project_id", t.ProjectID),
				zap.Error(err),
			)
			continue
		}
		r.TransfersPaid++
		metrics.IncrementReconcileAction("transfer_paid")
	}
}
