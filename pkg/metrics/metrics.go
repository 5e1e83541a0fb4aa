package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 付款请求计数
	PaymentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_requests_total",
			Help: "Total number of milestone payment requests",
		},
		[]string{"milestone", "result"}, // result: created, duplicate, account_not_ready, ...
	)

	// 付款确认计数（webhook / reconcile 驱动）
	PaymentConfirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_confirmations_total",
			Help: "Total number of payment confirmations by outcome",
		},
		[]string{"outcome"}, // outcome: succeeded, failed, noop
	)

	// Webhook 事件计数
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of processor webhook deliveries by type and final stage",
		},
		[]string{"type", "stage"},
	)

	// 支付处理方调用延迟（毫秒）
	ProcessorCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "processor_call_latency_ms",
			Help:    "Payment processor call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"operation", "status"},
	)

	// 慢查询计数
	SlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"sql"},
	)

	// 对账动作计数
	ReconcileActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_actions_total",
			Help: "Total number of reconciliation actions taken by the sweeper",
		},
		[]string{"action"},
	)

	// 通知触发计数
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total number of milestone notifications by kind and stage",
		},
		[]string{"kind", "stage"}, // stage: enqueued, enqueue_failed, recorded, duplicate
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)
)

// IncrementPaymentRequest 记录一次付款请求结果
func IncrementPaymentRequest(milestone, result string) {
	PaymentRequests.WithLabelValues(milestone, result).Inc()
}

// IncrementPaymentConfirmation 记录一次付款确认结果
func IncrementPaymentConfirmation(outcome string) {
	PaymentConfirmations.WithLabelValues(outcome).Inc()
}

// IncrementWebhookEvent 记录 webhook 事件最终阶段
func IncrementWebhookEvent(eventType, stage string) {
	WebhookEvents.WithLabelValues(eventType, stage).Inc()
}

// RecordProcessorCallLatency 记录支付处理方调用延迟
func RecordProcessorCallLatency(operation, status string, duration time.Duration) {
	ProcessorCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, _ time.Duration) {
	SlowQueries.WithLabelValues(sql).Inc()
}

// IncrementReconcileAction 记录对账动作
func IncrementReconcileAction(action string) {
	ReconcileActions.WithLabelValues(action).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementNotification 记录通知在某个阶段的计数
func IncrementNotification(kind, stage string) {
	Notifications.WithLabelValues(kind, stage).Inc()
}
