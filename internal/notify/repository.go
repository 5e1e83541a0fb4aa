package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"milestonepay/internal/ledger"
	"milestonepay/internal/model"
)

// Repository 站内通知存储；Insert 按 ID 幂等，返回是否新写入
type Repository interface {
	Insert(ctx context.Context, n *model.Notification) (bool, error)
	ListByRecipient(ctx context.Context, recipientID string, limit int) ([]model.Notification, error)
}

type PostgresRepository struct {
	db     ledger.DBTX
	logger *zap.Logger
}

func NewPostgresRepository(db ledger.DBTX, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

func (r *PostgresRepository) Insert(ctx context.Context, n *model.Notification) (bool, error) {
	query := `
		INSERT INTO notifications (id, kind, recipient_id, project_id, amount, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		n.ID, string(n.Kind), n.RecipientID, n.ProjectID, n.Amount, n.Message, n.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]model.Notification, error) {
	query := `
		SELECT id, kind, recipient_id, project_id, amount, message, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var kind string
		if err := rows.Scan(&n.ID, &kind, &n.RecipientID, &n.ProjectID, &n.Amount, &n.Message, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = model.NotificationKind(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MemoryRepository 测试与单机运行使用
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]model.Notification
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]model.Notification)}
}

func (r *MemoryRepository) Insert(_ context.Context, n *model.Notification) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[n.ID]; ok {
		return false, nil
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	r.rows[n.ID] = *n
	return true, nil
}

func (r *MemoryRepository) ListByRecipient(_ context.Context, recipientID string, limit int) ([]model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Notification
	for _, n := range r.rows {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
