package ledger

import (
	"context"
	_ "embed"
	"fmt"

	"go.uber.org/zap"

	"milestonepay/pkg/outbox"
)

//go:embed schema.sql
var schema string

// Migrate 建表（幂等），同时创建 outbox 表
func Migrate(ctx context.Context, db DBTX, logger *zap.Logger) error {
	steps := []struct {
		name string
		ddl  string
	}{
		{"ledger", schema},
		{"outbox", outbox.Schema},
	}
	for _, step := range steps {
		if _, err := db.Exec(ctx, step.ddl); err != nil {
			return fmt.Errorf("apply %s schema: %w", step.name, err)
		}
		logger.Info("Schema applied", zap.String("schema", step.name))
	}
	return nil
}
