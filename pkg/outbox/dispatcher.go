package outbox

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"milestonepay/pkg/trace"
)

// Publisher 由 *mq.Publisher 实现
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Store 是 Dispatcher / ReplayService 需要的仓储操作，由 *Repository 实现
type Store interface {
	GetPendingEvents(ctx context.Context, limit int) ([]*Event, error)
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
	GetEventByID(ctx context.Context, eventID int64) (*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	repo       Store
	publisher  Publisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(repo Store, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	if maxRetries > 0 {
		d.maxRetries = maxRetries
	}
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	return d
}

// Start 启动 Dispatcher，阻塞直到 ctx 结束
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce 处理一批待发送事件，返回成功发布的数量
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	events, err := d.repo.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to get pending events", zap.Error(err))
		return 0
	}

	sent := 0
	for _, event := range events {
		if err := publishEvent(ctx, d.publisher, event); err != nil {
			d.logger.Error("Failed to publish event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			if err := d.repo.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
				d.logger.Error("Failed to mark event as failed",
					zap.Int64("event_id", event.ID),
					zap.Error(err),
				)
			}
			continue
		}

		if err := d.repo.MarkAsSent(ctx, event.ID); err != nil {
			d.logger.Error("Failed to mark event as sent",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		sent++
		d.logger.Debug("Event published successfully",
			zap.Int64("event_id", event.ID),
			zap.String("routing_key", event.RoutingKey),
		)
	}
	return sent
}

// publishEvent 发布单个事件；payload 中的 trace_id 会被带到消息头
func publishEvent(ctx context.Context, publisher Publisher, event *Event) error {
	ctx = withPayloadTraceID(ctx, event.Payload)
	return publisher.PublishWithContext(ctx, event.RoutingKey, event.Payload)
}

func withPayloadTraceID(ctx context.Context, payload json.RawMessage) context.Context {
	var meta struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil || meta.TraceID == "" {
		return ctx
	}
	return trace.WithContext(ctx, meta.TraceID)
}
