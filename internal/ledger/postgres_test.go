package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 设置 LEDGER_TEST_DATABASE_URL 时对真实 Postgres 跑同一组约束测试
func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := zap.NewNop()
	require.NoError(t, Migrate(ctx, pool, logger))

	store := NewPostgresStore(pool, logger)
	runStoreContract(t, func(t *testing.T) Store { return store })
}
