package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"milestonepay/internal/gateway"
	"milestonepay/internal/ledger"
	"milestonepay/internal/model"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/util"
)

const dedupScope = "webhook"

// Stage 一次投递的最终阶段
type Stage string

const (
	StageReceived     Stage = "received"
	StageVerified     Stage = "verified"
	StageDispatched   Stage = "dispatched"
	StageAcknowledged Stage = "acknowledged"
	StageRejected     Stage = "rejected"
	// StageUnavailable 事件还没有持久化，需要处理方重投
	StageUnavailable Stage = "unavailable"
)

type Outcome struct {
	Stage     Stage
	EventID   string
	Type      string
	Duplicate bool
	Ignored   bool
	// 业务处理错误，已记录，投递依然确认
	Err error
}

// Verifier 签名校验，由网关实现
type Verifier interface {
	VerifyWebhookSignature(payload []byte, header string) (*gateway.Event, error)
}

type Ingestor struct {
	verifier   Verifier
	store      ledger.Store
	dispatcher *Dispatcher
	deduper    *util.Deduper
	logger     *zap.Logger
	now        func() time.Time
}

func NewIngestor(verifier Verifier, store ledger.Store, dispatcher *Dispatcher, deduper *util.Deduper, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		verifier:   verifier,
		store:      store,
		dispatcher: dispatcher,
		deduper:    deduper,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ingest received → verified → dispatched → acknowledged；签名失败为 rejected。
// 路由之后的业务错误只记录，不影响确认，由对账任务兜底。
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signature string) Outcome {
	log := logger.WithTrace(ctx, i.logger)
	metrics.IncrementWebhookEvent("unknown", string(StageReceived))

	event, err := i.verifier.VerifyWebhookSignature(body, signature)
	if err != nil {
		metrics.IncrementWebhookEvent("unknown", string(StageRejected))
		log.Warn("Webhook rejected, possible tampering",
			zap.Int("body_size", len(body)),
			zap.Error(err),
		)
		return Outcome{Stage: StageRejected, Err: err}
	}
	out := Outcome{Stage: StageVerified, EventID: event.ID, Type: event.Type}
	log = log.With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	metrics.IncrementWebhookEvent(event.Type, string(StageVerified))

	// Redis 快速去重，Redis 不可用时退回到事件表
	if !i.deduper.AcquireOnce(ctx, dedupScope, event.ID) {
		out.Stage = StageAcknowledged
		out.Duplicate = true
		metrics.IncrementWebhookEvent(event.Type, "duplicate")
		return out
	}

	stored, first, err := i.store.RecordWebhookEvent(ctx, &model.WebhookEvent{
		ID:         event.ID,
		Type:       event.Type,
		Payload:    body,
		Status:     model.WebhookReceived,
		ReceivedAt: i.now(),
	})
	if err != nil {
		i.deduper.Release(ctx, dedupScope, event.ID)
		metrics.IncrementWebhookEvent(event.Type, string(StageUnavailable))
		log.Error("Failed to record webhook event", zap.Error(err))
		out.Stage = StageUnavailable
		out.Err = err
		return out
	}
	if !first && (stored.Status == model.WebhookProcessed || stored.Status == model.WebhookIgnored) {
		out.Stage = StageAcknowledged
		out.Duplicate = true
		metrics.IncrementWebhookEvent(event.Type, "duplicate")
		log.Info("Webhook already processed")
		return out
	}

	res := i.route(ctx, event)
	i.finish(ctx, log, event, res)

	out.Stage = StageAcknowledged
	out.Ignored = !res.Handled && res.Err == nil
	out.Err = res.Err
	return out
}

// Replay 重新分发已存储的事件（对账任务与管理接口使用）
func (i *Ingestor) Replay(ctx context.Context, eventID string) (Result, error) {
	stored, err := i.store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return Result{}, fmt.Errorf("replay webhook %s: %w", eventID, err)
	}
	event, err := gateway.ParseEvent(stored.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("replay webhook %s: %w", eventID, err)
	}

	log := logger.WithTrace(ctx, i.logger).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.Bool("replay", true),
	)
	res := i.route(ctx, event)
	i.finish(ctx, log, event, res)
	return res, nil
}

func (i *Ingestor) route(ctx context.Context, event *gateway.Event) Result {
	decoded, err := Decode(event)
	if err != nil {
		return Result{Handled: true, Err: err}
	}
	return i.dispatcher.Dispatch(ctx, decoded)
}

// finish 记录处理结果；失败时释放去重键，允许处理方重投
func (i *Ingestor) finish(ctx context.Context, log *zap.Logger, event *gateway.Event, res Result) {
	status := model.WebhookProcessed
	var lastErr string
	switch {
	case res.Err != nil:
		status = model.WebhookFailed
		lastErr = res.Err.Error()
		i.deduper.Release(ctx, dedupScope, event.ID)
		log.Error("Webhook dispatch failed",
			zap.String("reconcile", "manual"),
			zap.Bool("retryable", retryable(res.Err)),
			zap.Error(res.Err),
		)
	case !res.Handled:
		status = model.WebhookIgnored
		log.Debug("Webhook ignored")
	default:
		log.Info("Webhook processed", zap.Bool("applied", res.Applied))
	}
	metrics.IncrementWebhookEvent(event.Type, string(status))

	if err := i.store.MarkWebhookEvent(ctx, event.ID, status, lastErr, i.now()); err != nil {
		log.Error("Failed to mark webhook event", zap.String("status", string(status)), zap.Error(err))
	}
}

func retryable(err error) bool {
	if errors.Is(err, model.ErrNotFound) {
		// 事件先于 intent 落库到达，稍后重放即可
		return true
	}
	ok, _ := util.IsRetryableError(err)
	return ok
}
