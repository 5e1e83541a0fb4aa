package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"milestonepay/internal/model"
)

// DBTX 由 *pgxpool.Pool 和 pgx.Tx 同时满足
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore pgx 实现
type PostgresStore struct {
	*pgQueries
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pgQueries: &pgQueries{db: pool},
		pool:      pool,
		logger:    logger,
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx 在一个数据库事务中执行 fn，fn 返回错误或 panic 时回滚
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("Failed to rollback transaction", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(ctx, &pgQueries{db: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

type pgQueries struct {
	db DBTX
}

// mapError 把 pgx 错误映射为领域错误
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", model.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// ---- projects / proposals ----

const projectColumns = `id, client_id, title, total_budget, status, hired_expert_id, accepted_at, created_at, closed_at`

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	var status string
	if err := row.Scan(&p.ID, &p.ClientID, &p.Title, &p.TotalBudget, &status, &p.HiredExpertID, &p.AcceptedAt, &p.CreatedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.Status = model.ProjectStatus(status)
	return &p, nil
}

func (q *pgQueries) CreateProject(ctx context.Context, p *model.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO projects (id, client_id, title, total_budget, status, hired_expert_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.ClientID, p.Title, p.TotalBudget, string(p.Status), p.HiredExpertID, p.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert project: %w", err))
	}
	return nil
}

func (q *pgQueries) GetProject(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(q.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(fmt.Errorf("get project %s: %w", id, err))
	}
	return p, nil
}

func (q *pgQueries) CreateProposal(ctx context.Context, p *model.Proposal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO proposals (id, project_id, expert_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.ProjectID, p.ExpertID, p.Amount, string(p.Status), p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("project %q: %w", p.ProjectID, model.ErrNotFound)
		}
		return mapError(fmt.Errorf("insert proposal: %w", err))
	}
	return nil
}

func (q *pgQueries) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	var p model.Proposal
	var status string
	err := q.db.QueryRow(ctx, `
		SELECT id, project_id, expert_id, amount, status, created_at FROM proposals WHERE id = $1
	`, id).Scan(&p.ID, &p.ProjectID, &p.ExpertID, &p.Amount, &status, &p.CreatedAt)
	if err != nil {
		return nil, mapError(fmt.Errorf("get proposal %s: %w", id, err))
	}
	p.Status = model.ProposalStatus(status)
	return &p, nil
}

func (q *pgQueries) AcceptProposal(ctx context.Context, projectID, proposalID string, at time.Time) (*model.Project, error) {
	proposal, err := q.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.ProjectID != projectID {
		return nil, fmt.Errorf("proposal %q: %w", proposalID, model.ErrNotFound)
	}

	// 条件更新保证并发接受只有一个成功
	project, err := scanProject(q.db.QueryRow(ctx, `
		UPDATE projects
		SET status = 'in_progress', hired_expert_id = $2, total_budget = $3, accepted_at = $4
		WHERE id = $1 AND status = 'open'
		RETURNING `+projectColumns,
		projectID, proposal.ExpertID, proposal.Amount, at,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := q.GetProject(ctx, projectID); getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("project %s is not open: %w", projectID, model.ErrConflict)
		}
		return nil, mapError(fmt.Errorf("accept proposal: %w", err))
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE proposals SET status = 'accepted' WHERE id = $1 AND status = 'pending'
	`, proposalID)
	if err != nil {
		return nil, mapError(fmt.Errorf("mark proposal accepted: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("proposal %s is not pending: %w", proposalID, model.ErrConflict)
	}

	if _, err := q.db.Exec(ctx, `
		UPDATE proposals SET status = 'rejected' WHERE project_id = $1 AND id <> $2 AND status = 'pending'
	`, projectID, proposalID); err != nil {
		return nil, mapError(fmt.Errorf("reject sibling proposals: %w", err))
	}

	return project, nil
}

func (q *pgQueries) CompleteProject(ctx context.Context, projectID string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE projects SET status = 'completed', closed_at = $2
		WHERE id = $1 AND status = 'in_progress'
	`, projectID, at)
	if err != nil {
		return false, mapError(fmt.Errorf("complete project: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// ---- payout accounts ----

const accountColumns = `id, owner_id, external_ref, details_submitted, charges_enabled, payouts_enabled, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.PayoutAccount, error) {
	var a model.PayoutAccount
	err := row.Scan(&a.ID, &a.OwnerID, &a.ExternalRef, &a.DetailsSubmitted, &a.ChargesEnabled, &a.PayoutsEnabled, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *pgQueries) UpsertPayoutAccount(ctx context.Context, a *model.PayoutAccount) (*model.PayoutAccount, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	// owner 冲突时不覆盖已有账户，返回已有行
	out, err := scanAccount(q.db.QueryRow(ctx, `
		INSERT INTO payout_accounts (id, owner_id, external_ref, details_submitted, charges_enabled, payouts_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (owner_id) DO UPDATE SET owner_id = payout_accounts.owner_id
		RETURNING `+accountColumns,
		a.ID, a.OwnerID, a.ExternalRef, a.DetailsSubmitted, a.ChargesEnabled, a.PayoutsEnabled, a.CreatedAt,
	))
	if err != nil {
		return nil, mapError(fmt.Errorf("upsert payout account: %w", err))
	}
	return out, nil
}

func (q *pgQueries) GetPayoutAccountByOwner(ctx context.Context, ownerID string) (*model.PayoutAccount, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM payout_accounts WHERE owner_id = $1`, ownerID))
	if err != nil {
		return nil, mapError(fmt.Errorf("get payout account for owner %s: %w", ownerID, err))
	}
	return a, nil
}

func (q *pgQueries) GetPayoutAccountByRef(ctx context.Context, ref string) (*model.PayoutAccount, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM payout_accounts WHERE external_ref = $1`, ref))
	if err != nil {
		return nil, mapError(fmt.Errorf("get payout account %s: %w", ref, err))
	}
	return a, nil
}

// LockPayoutAccountByRef 锁住账户行，同一账户的并发同步按顺序看到彼此的写入
func (q *pgQueries) LockPayoutAccountByRef(ctx context.Context, ref string) (*model.PayoutAccount, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM payout_accounts WHERE external_ref = $1 FOR UPDATE`, ref))
	if err != nil {
		return nil, mapError(fmt.Errorf("lock payout account %s: %w", ref, err))
	}
	return a, nil
}

func (q *pgQueries) UpdatePayoutAccountStatus(ctx context.Context, ref string, caps model.AccountCapabilities, at time.Time) (*model.PayoutAccount, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, `
		UPDATE payout_accounts
		SET details_submitted = $2, charges_enabled = $3, payouts_enabled = $4, updated_at = $5
		WHERE external_ref = $1
		RETURNING `+accountColumns,
		ref, caps.DetailsSubmitted, caps.ChargesEnabled, caps.PayoutsEnabled, at,
	))
	if err != nil {
		return nil, mapError(fmt.Errorf("update payout account %s: %w", ref, err))
	}
	return a, nil
}

// ---- payment intents ----

const intentColumns = `id, project_id, client_id, expert_id, milestone_kind, amount, platform_fee,
       external_ref, status, failure_code, failure_reason, created_at, updated_at`

func scanIntent(row pgx.Row) (*model.PaymentIntent, error) {
	var pi model.PaymentIntent
	var kind, status string
	err := row.Scan(&pi.ID, &pi.ProjectID, &pi.ClientID, &pi.ExpertID, &kind, &pi.Amount, &pi.PlatformFee,
		&pi.ExternalRef, &status, &pi.FailureCode, &pi.FailureReason, &pi.CreatedAt, &pi.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pi.MilestoneKind = model.MilestoneKind(kind)
	pi.Status = model.IntentStatus(status)
	return &pi, nil
}

func collectIntents(rows pgx.Rows, err error) ([]model.PaymentIntent, error) {
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []model.PaymentIntent
	for rows.Next() {
		pi, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment intent: %w", err)
		}
		out = append(out, *pi)
	}
	return out, rows.Err()
}

func (q *pgQueries) InsertPaymentIntent(ctx context.Context, pi *model.PaymentIntent) error {
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = time.Now().UTC()
	}
	pi.UpdatedAt = pi.CreatedAt
	_, err := q.db.Exec(ctx, `
		INSERT INTO payment_intents (id, project_id, client_id, expert_id, milestone_kind, amount, platform_fee,
		                             external_ref, status, failure_code, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, pi.ID, pi.ProjectID, pi.ClientID, pi.ExpertID, string(pi.MilestoneKind), pi.Amount, pi.PlatformFee,
		pi.ExternalRef, string(pi.Status), pi.FailureCode, pi.FailureReason, pi.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert payment intent: %w", err))
	}
	return nil
}

func (q *pgQueries) GetPaymentIntent(ctx context.Context, id string) (*model.PaymentIntent, error) {
	pi, err := scanIntent(q.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(fmt.Errorf("get payment intent %s: %w", id, err))
	}
	return pi, nil
}

func (q *pgQueries) GetPaymentIntentByRef(ctx context.Context, ref string) (*model.PaymentIntent, error) {
	pi, err := scanIntent(q.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE external_ref = $1`, ref))
	if err != nil {
		return nil, mapError(fmt.Errorf("get payment intent %s: %w", ref, err))
	}
	return pi, nil
}

// LockPaymentIntentByRef 在事务内对行加锁，串行化同一 intent 的并发确认
func (q *pgQueries) LockPaymentIntentByRef(ctx context.Context, ref string) (*model.PaymentIntent, error) {
	pi, err := scanIntent(q.db.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE external_ref = $1 FOR UPDATE`, ref))
	if err != nil {
		return nil, mapError(fmt.Errorf("lock payment intent %s: %w", ref, err))
	}
	return pi, nil
}

func (q *pgQueries) ListPaymentIntents(ctx context.Context, projectID string) ([]model.PaymentIntent, error) {
	return collectIntents(q.db.Query(ctx, `
		SELECT `+intentColumns+` FROM payment_intents WHERE project_id = $1 ORDER BY created_at, id
	`, projectID))
}

func (q *pgQueries) ListStalePaymentIntents(ctx context.Context, status model.IntentStatus, before time.Time, limit int) ([]model.PaymentIntent, error) {
	return collectIntents(q.db.Query(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, string(status), before, limit))
}

func (q *pgQueries) MarkPaymentIntentStatus(ctx context.Context, change IntentStatusChange) (*model.PaymentIntent, bool, error) {
	from := make([]string, 0, len(change.From))
	for _, s := range change.From {
		from = append(from, string(s))
	}

	pi, err := scanIntent(q.db.QueryRow(ctx, `
		UPDATE payment_intents
		SET status = $2, failure_code = $3, failure_reason = $4, updated_at = $5
		WHERE external_ref = $1 AND status = ANY($6) AND status <> $2
		RETURNING `+intentColumns,
		change.ExternalRef, string(change.To), change.FailureCode, change.FailureReason, change.At, from,
	))
	if err == nil {
		return pi, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapError(fmt.Errorf("mark payment intent %s: %w", change.ExternalRef, err))
	}

	// 未命中：状态不匹配（幂等）或者记录不存在
	current, getErr := q.GetPaymentIntentByRef(ctx, change.ExternalRef)
	if getErr != nil {
		return nil, false, getErr
	}
	return current, false, nil
}

// ---- transfers ----

const transferColumns = `id, payment_intent_id, project_id, expert_id, amount, external_ref, status, created_at, completed_at`

func scanTransfer(row pgx.Row) (*model.Transfer, error) {
	var t model.Transfer
	var status string
	err := row.Scan(&t.ID, &t.PaymentIntentID, &t.ProjectID, &t.ExpertID, &t.Amount, &t.ExternalRef, &status, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TransferStatus(status)
	return &t, nil
}

func collectTransfers(rows pgx.Rows, err error) ([]model.Transfer, error) {
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []model.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (q *pgQueries) InsertTransfer(ctx context.Context, t *model.Transfer) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	// 只有已成功收款的 intent 才能产生转账
	tag, err := q.db.Exec(ctx, `
		INSERT INTO transfers (id, payment_intent_id, project_id, expert_id, amount, external_ref, status, created_at, completed_at)
		SELECT $1::text, pi.id, $3::text, $4::text, $5::bigint, $6::text, $7::text, $8::timestamptz, $9::timestamptz
		FROM payment_intents pi
		WHERE pi.id = $2 AND pi.status = 'succeeded'
	`, t.ID, t.PaymentIntentID, t.ProjectID, t.ExpertID, t.Amount, t.ExternalRef, string(t.Status), t.CreatedAt, t.CompletedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert transfer: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetPaymentIntent(ctx, t.PaymentIntentID); err != nil {
			return err
		}
		return fmt.Errorf("insert transfer: intent %s not succeeded: %w", t.PaymentIntentID, model.ErrConflict)
	}
	return nil
}

func (q *pgQueries) GetTransferByIntent(ctx context.Context, intentID string) (*model.Transfer, error) {
	t, err := scanTransfer(q.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE payment_intent_id = $1`, intentID))
	if err != nil {
		return nil, mapError(fmt.Errorf("get transfer for intent %s: %w", intentID, err))
	}
	return t, nil
}

func (q *pgQueries) ListTransfers(ctx context.Context, projectID string) ([]model.Transfer, error) {
	return collectTransfers(q.db.Query(ctx, `
		SELECT `+transferColumns+` FROM transfers WHERE project_id = $1 ORDER BY created_at
	`, projectID))
}

func (q *pgQueries) MarkTransferPaid(ctx context.Context, id, ref string, at time.Time) (*model.Transfer, bool, error) {
	t, err := scanTransfer(q.db.QueryRow(ctx, `
		UPDATE transfers
		SET status = 'paid', external_ref = COALESCE(NULLIF($2, ''), external_ref), completed_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+transferColumns,
		id, ref, at,
	))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapError(fmt.Errorf("mark transfer paid: %w", err))
	}
	current, getErr := scanTransfer(q.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if getErr != nil {
		return nil, false, mapError(fmt.Errorf("get transfer %s: %w", id, getErr))
	}
	return current, false, nil
}

func (q *pgQueries) SetTransferRef(ctx context.Context, id, ref string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE transfers SET external_ref = $2 WHERE id = $1 AND external_ref = ''
	`, id, ref)
	if err != nil {
		return false, mapError(fmt.Errorf("set transfer ref: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transfers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, mapError(err)
	}
	if !exists {
		return false, fmt.Errorf("transfer %q: %w", id, model.ErrNotFound)
	}
	return false, nil
}

func (q *pgQueries) ListPendingTransfers(ctx context.Context, before time.Time, limit int) ([]model.Transfer, error) {
	return collectTransfers(q.db.Query(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit))
}

// ---- transactions ----

func (q *pgQueries) AppendTransaction(ctx context.Context, tx *model.Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO transactions (id, project_id, payment_intent_id, transfer_id, type, amount, fee, counterparty_id, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.ID, tx.ProjectID, tx.PaymentIntentID, tx.TransferID, string(tx.Type), tx.Amount, tx.Fee, tx.CounterpartyID, tx.ExternalRef, tx.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("append transaction: %w", err))
	}
	return nil
}

func (q *pgQueries) ListTransactions(ctx context.Context, projectID string) ([]model.Transaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, project_id, payment_intent_id, transfer_id, type, amount, fee, counterparty_id, external_ref, created_at
		FROM transactions WHERE project_id = $1 ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, mapError(fmt.Errorf("list transactions: %w", err))
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var typ string
		if err := rows.Scan(&tx.ID, &tx.ProjectID, &tx.PaymentIntentID, &tx.TransferID, &typ, &tx.Amount, &tx.Fee,
			&tx.CounterpartyID, &tx.ExternalRef, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Type = model.TransactionType(typ)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ---- webhook events ----

const eventColumns = `id, type, payload, status, attempts, last_error, received_at, updated_at`

func scanWebhookEvent(row pgx.Row) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	var status string
	var payload []byte
	if err := row.Scan(&e.ID, &e.Type, &payload, &status, &e.Attempts, &e.LastError, &e.ReceivedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Payload = payload
	e.Status = model.WebhookEventStatus(status)
	return &e, nil
}

func (q *pgQueries) RecordWebhookEvent(ctx context.Context, e *model.WebhookEvent) (*model.WebhookEvent, bool, error) {
	if e.Status == "" {
		e.Status = model.WebhookReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	out, err := scanWebhookEvent(q.db.QueryRow(ctx, `
		INSERT INTO webhook_events (id, type, payload, status, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+eventColumns,
		e.ID, e.Type, []byte(e.Payload), string(e.Status), e.ReceivedAt,
	))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, mapError(fmt.Errorf("record webhook event: %w", err))
	}
	existing, getErr := q.GetWebhookEvent(ctx, e.ID)
	if getErr != nil {
		return nil, false, getErr
	}
	return existing, false, nil
}

func (q *pgQueries) GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error) {
	e, err := scanWebhookEvent(q.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(fmt.Errorf("get webhook event %s: %w", id, err))
	}
	return e, nil
}

func (q *pgQueries) MarkWebhookEvent(ctx context.Context, id string, status model.WebhookEventStatus, lastErr string, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, last_error = $3, attempts = attempts + 1, updated_at = $4
		WHERE id = $1
	`, id, string(status), lastErr, at)
	if err != nil {
		return mapError(fmt.Errorf("mark webhook event: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %q: %w", id, model.ErrNotFound)
	}
	return nil
}

func (q *pgQueries) ListRetryableWebhookEvents(ctx context.Context, maxAttempts int, stuckBefore time.Time, limit int) ([]model.WebhookEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE attempts < $1
		  AND (status = 'failed' OR (status = 'received' AND received_at < $2))
		ORDER BY received_at
		LIMIT $3
	`, maxAttempts, stuckBefore, limit)
	if err != nil {
		return nil, mapError(fmt.Errorf("list retryable webhook events: %w", err))
	}
	defer rows.Close()

	var out []model.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
