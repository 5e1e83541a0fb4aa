// Package notify turns milestone state changes into notification events. The
// API process enqueues them through the outbox and the worker records them.
package notify

import (
	"context"

	"go.uber.org/zap"

	mqcontracts "milestonepay/contracts/mq"
	"milestonepay/internal/milestone"
	"milestonepay/internal/model"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/trace"
)

// Enqueuer 由 outbox.Repository 实现
type Enqueuer interface {
	Enqueue(ctx context.Context, aggregateType, aggregateID, routingKey string, payload any) error
}

// OutboxNotifier 把通知写入 outbox，由 dispatcher 异步发布到 MQ
type OutboxNotifier struct {
	outbox Enqueuer
	logger *zap.Logger
}

func NewOutboxNotifier(outbox Enqueuer, logger *zap.Logger) *OutboxNotifier {
	return &OutboxNotifier{outbox: outbox, logger: logger}
}

// Notify 失败只记日志，不影响已提交的状态变化
func (n *OutboxNotifier) Notify(ctx context.Context, msg model.Notification) {
	payload := PayloadFrom(msg)
	payload.TraceID = trace.FromContext(ctx)

	aggregateID := msg.ProjectID
	if aggregateID == "" {
		aggregateID = msg.RecipientID
	}

	log := logger.WithTrace(ctx, n.logger).With(
		zap.String("notification_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.String("recipient_id", msg.RecipientID),
	)

	if err := n.outbox.Enqueue(ctx, "milestone", aggregateID, RoutingKey(msg.Kind), payload); err != nil {
		metrics.IncrementNotification(string(msg.Kind), "enqueue_failed")
		log.Error("Failed to enqueue notification", zap.Error(err))
		return
	}
	metrics.IncrementNotification(string(msg.Kind), "enqueued")
	log.Debug("Notification enqueued")
}

func RoutingKey(kind model.NotificationKind) string {
	return mqcontracts.NotificationRoutingPrefix + string(kind)
}

func PayloadFrom(msg model.Notification) mqcontracts.MilestoneNotificationPayload {
	return mqcontracts.MilestoneNotificationPayload{
		NotificationID: msg.ID,
		Kind:           string(msg.Kind),
		RecipientID:    msg.RecipientID,
		ProjectID:      msg.ProjectID,
		Amount:         msg.Amount,
		Message:        msg.Message,
		CreatedAt:      msg.CreatedAt,
	}
}

var _ milestone.Notifier = (*OutboxNotifier)(nil)
