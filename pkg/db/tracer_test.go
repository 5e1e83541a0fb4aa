package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationOf(t *testing.T) {
	assert.Equal(t, "select", operationOf("  SELECT * FROM projects"))
	assert.Equal(t, "insert", operationOf("INSERT INTO payment_intents"))
	assert.Equal(t, "query", operationOf(""))
}

func TestTruncateSQL(t *testing.T) {
	assert.Equal(t, "SELECT 1 FROM x", truncateSQL("SELECT 1\n\t FROM x"))

	long := "SELECT " + strings.Repeat("a", 300)
	got := truncateSQL(long)
	assert.Len(t, got, 203)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestQueryTracer_LogsSlowQueries(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tracer := NewQueryTracer(zap.New(core), time.Nanosecond)

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT pg_sleep(0)"})
	time.Sleep(time.Millisecond)
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	entries := logs.FilterMessage("slow-query").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "SELECT pg_sleep(0)", entries[0].ContextMap()["sql"])
	}
}

func TestQueryTracer_FastQueryNotLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tracer := NewQueryTracer(zap.New(core), time.Hour)

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})

	assert.Equal(t, 0, logs.Len())
}
