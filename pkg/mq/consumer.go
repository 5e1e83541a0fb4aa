package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"milestonepay/pkg/metrics"
	"milestonepay/pkg/otel"
	"milestonepay/pkg/trace"
	"milestonepay/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger
	tag        string
	stopOnce   sync.Once
}

// NewConsumer creates a consumer for a routing key pattern. The queue dead-letters
// into <queue>.dlq.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	closeAll := func() {
		ch.Close()
		conn.Close()
	}

	if err := DeclareExchange(ch); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare dlq exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, queueName, routingKey); err != nil {
		closeAll()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		DeadLetterArgs(),
	)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	if err := ch.Qos(16, 0, false); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
		tag:        "worker-" + queueName,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// IsConnected reports whether the underlying connection is open.
func (c *Consumer) IsConnected() bool {
	return c != nil && c.conn != nil && !c.conn.IsClosed()
}

// Stop cancels the delivery subscription; StartConsuming returns once in-flight messages finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.channel != nil {
			if err := c.channel.Cancel(c.tag, false); err != nil {
				c.logger.Warn("Failed to cancel consumer", zap.Error(err))
			}
		}
	})
}

func (c *Consumer) Close() {
	c.Stop()
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages. It blocks until Stop is called or the channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.tag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for msg := range deliveries {
		c.handle(ctx, msg)
	}

	c.logger.Info("Consumer stopped", zap.String("queue", c.queue.Name))
	return nil
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	msgCtx := otel.ExtractMQHeaders(ctx, msg.Headers)
	if traceID, ok := msg.Headers[trace.HeaderName()].(string); ok && traceID != "" {
		msgCtx = trace.WithContext(msgCtx, traceID)
	}
	msgCtx, span := otel.MQConsumeSpan(msgCtx, msg.RoutingKey, c.queue.Name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", msg.RoutingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			// panic 直接进死信队列，避免毒消息反复重投
			if err := msg.Nack(false, false); err != nil {
				c.logger.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	err := c.handler(msgCtx, msg.Body)
	metrics.RecordMQConsumeLatency(msg.RoutingKey, c.queue.Name, time.Since(start))

	if err != nil {
		retryable, errType := util.IsRetryableError(err)
		c.logger.Error("Handler error",
			zap.String("routing_key", msg.RoutingKey),
			zap.String("queue", c.queue.Name),
			zap.String("error_type", errType),
			zap.Bool("retryable", retryable),
			zap.Bool("redelivered", msg.Redelivered),
			zap.Error(err),
		)
		// 可重试错误且首次投递 → 重新入队；否则进死信队列
		requeue := retryable && !msg.Redelivered
		if err := msg.Nack(false, requeue); err != nil {
			c.logger.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
	}
}
