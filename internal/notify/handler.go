package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/model"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/util"
)

const dedupScope = "notification"

// AttemptCounter 由 util.RetryCounter 实现
type AttemptCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// exhaustedError 超过重试上限，consumer 据此直接进死信队列
type exhaustedError struct {
	err error
}

func (e *exhaustedError) Error() string   { return "retries exhausted: " + e.err.Error() }
func (e *exhaustedError) Unwrap() error   { return e.err }
func (e *exhaustedError) Retryable() bool { return false }

// Handler worker 侧消费 notification.# 并写入站内通知
type Handler struct {
	repo        Repository
	deduper     *util.Deduper
	attempts    AttemptCounter
	maxAttempts int64
	logger      *zap.Logger
}

func NewHandler(repo Repository, deduper *util.Deduper, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, deduper: deduper, logger: logger}
}

// WithAttemptLimit 写入失败累计 max 次后放弃
func (h *Handler) WithAttemptLimit(counter AttemptCounter, max int) *Handler {
	h.attempts = counter
	h.maxAttempts = int64(max)
	return h
}

// Handle 实现 mq.MessageHandler
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.MilestoneNotificationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal notification payload", zap.Error(err))
		return fmt.Errorf("decode notification: %w", err)
	}
	if p.NotificationID == "" || p.RecipientID == "" {
		return fmt.Errorf("notification without id or recipient: %w", model.ErrInvalidArgument)
	}

	log := logger.WithTrace(ctx, h.logger).With(
		zap.String("notification_id", p.NotificationID),
		zap.String("kind", p.Kind),
		zap.String("recipient_id", p.RecipientID),
	)

	if !h.deduper.AcquireOnce(ctx, dedupScope, p.NotificationID) {
		metrics.IncrementNotification(p.Kind, "duplicate")
		return nil
	}

	inserted, err := h.repo.Insert(ctx, &model.Notification{
		ID:          p.NotificationID,
		Kind:        model.NotificationKind(p.Kind),
		RecipientID: p.RecipientID,
		ProjectID:   p.ProjectID,
		Amount:      p.Amount,
		Message:     p.Message,
		CreatedAt:   p.CreatedAt,
	})
	if err != nil {
		// 释放去重键，重投时还能写入
		h.deduper.Release(ctx, dedupScope, p.NotificationID)
		log.Error("Failed to record notification", zap.Error(err))
		return h.failure(ctx, log, p.NotificationID, err)
	}
	h.resetAttempts(ctx, p.NotificationID)
	if !inserted {
		metrics.IncrementNotification(p.Kind, "duplicate")
		log.Info("Notification already recorded")
		return nil
	}

	metrics.IncrementNotification(p.Kind, "recorded")
	log.Info("Notification recorded", zap.String("project_id", p.ProjectID))
	return nil
}

func (h *Handler) failure(ctx context.Context, log *zap.Logger, id string, err error) error {
	if h.attempts == nil || h.maxAttempts <= 0 {
		return err
	}
	n, cerr := h.attempts.IncrementAndGet(ctx, util.FormatRetryKey(dedupScope, id))
	if cerr != nil {
		log.Warn("Failed to count notification attempts", zap.Error(cerr))
		return err
	}
	// 只有可重试错误需要计数，其余错误 consumer 会直接送进死信队列
	if retryable, _ := util.IsRetryableError(err); retryable && !util.ShouldRetry(n, h.maxAttempts-1, retryable) {
		log.Error("Notification retries exhausted", zap.Int64("attempts", n))
		return &exhaustedError{err: err}
	}
	return err
}

func (h *Handler) resetAttempts(ctx context.Context, id string) {
	if h.attempts == nil {
		return
	}
	if err := h.attempts.Reset(ctx, util.FormatRetryKey(dedupScope, id)); err != nil {
		h.logger.Debug("Failed to reset notification attempts", zap.String("notification_id", id), zap.Error(err))
	}
}
