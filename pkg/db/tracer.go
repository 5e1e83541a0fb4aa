package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"milestonepay/pkg/metrics"
	"milestonepay/pkg/otel"
)

const defaultSlowThreshold = 100 * time.Millisecond

type queryStartKey struct{}

type queryState struct {
	sql     string
	started time.Time
	span    oteltrace.Span
}

// QueryTracer 实现 pgx.QueryTracer：每条查询一个 span，超过阈值记慢查询
type QueryTracer struct {
	logger        *zap.Logger
	slowThreshold time.Duration
}

// NewQueryTracer 创建 tracer，slowThreshold 为 0 时使用 100ms
func NewQueryTracer(logger *zap.Logger, slowThreshold time.Duration) *QueryTracer {
	if slowThreshold <= 0 {
		slowThreshold = defaultSlowThreshold
	}
	return &QueryTracer{
		logger:        logger,
		slowThreshold: slowThreshold,
	}
}

// TraceQueryStart 查询开始时的钩子
func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, span := otel.Tracer().Start(ctx, "db."+operationOf(data.SQL),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			attribute.String("db.statement", truncateSQL(data.SQL)),
		),
	)
	return context.WithValue(ctx, queryStartKey{}, &queryState{
		sql:     data.SQL,
		started: time.Now(),
		span:    span,
	})
}

// TraceQueryEnd 查询结束时的钩子
func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	state, ok := ctx.Value(queryStartKey{}).(*queryState)
	if !ok {
		return
	}

	if data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows) {
		state.span.RecordError(data.Err)
		state.span.SetStatus(codes.Error, data.Err.Error())
	}
	state.span.End()

	duration := time.Since(state.started)
	if duration <= t.slowThreshold {
		return
	}

	sql := truncateSQL(state.sql)
	t.logger.Warn("slow-query",
		zap.String("sql", sql),
		zap.Duration("took", duration),
		zap.String("command_tag", data.CommandTag.String()),
	)
	metrics.IncrementSlowQuery(sql, duration)
}

// operationOf 取 SQL 的第一个关键字作为 span 名
func operationOf(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "query"
	}
	return strings.ToLower(fields[0])
}

func truncateSQL(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > 200 {
		return sql[:200] + "..."
	}
	return sql
}
