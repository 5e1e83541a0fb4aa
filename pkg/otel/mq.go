package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MQPublishSpan 在 MQ 发布时创建 span
func MQPublishSpan(ctx context.Context, routingKey string, exchange string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mq.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", exchange),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		),
	)
}

// MQConsumeSpan 在 MQ 消费时创建 span，调用前应先从消息头提取 trace context
func MQConsumeSpan(ctx context.Context, routingKey string, queue string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mq.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", queue),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		),
	)
}

// MQHeaderCarrier 实现 TextMapCarrier，在 RabbitMQ 消息头中注入/提取 trace context
type MQHeaderCarrier map[string]interface{}

func (c MQHeaderCarrier) Get(key string) string {
	if val, ok := c[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func (c MQHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c MQHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectMQHeaders 把当前 trace context 写入消息头
func InjectMQHeaders(ctx context.Context, headers map[string]interface{}) map[string]interface{} {
	if headers == nil {
		headers = make(map[string]interface{})
	}
	otel.GetTextMapPropagator().Inject(ctx, MQHeaderCarrier(headers))
	return headers
}

// ExtractMQHeaders 从消息头恢复 trace context
func ExtractMQHeaders(ctx context.Context, headers map[string]interface{}) context.Context {
	if headers == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, MQHeaderCarrier(headers))
}
