// Package ledger persists projects, payout accounts, payment intents, transfers
// and the append-only transaction log. Uniqueness rules live in the store so that
// concurrent callers are arbitrated by the database, not by in-process locks.
package ledger

import (
	"context"
	"time"

	"milestonepay/internal/model"
)

// IntentStatusChange 描述一次受保护的状态迁移：只有当前状态在 From 中才会生效
type IntentStatusChange struct {
	ExternalRef   string
	From          []model.IntentStatus
	To            model.IntentStatus
	FailureCode   string
	FailureReason string
	At            time.Time
}

// Queries 是所有读写操作；在 WithinTx 中拿到的 Queries 共享同一事务
type Queries interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	CreateProposal(ctx context.Context, p *model.Proposal) error
	GetProposal(ctx context.Context, id string) (*model.Proposal, error)
	// AcceptProposal 接受方案并拒绝其余方案，项目进入 in_progress；项目不是 open 时返回 ErrConflict
	AcceptProposal(ctx context.Context, projectID, proposalID string, at time.Time) (*model.Project, error)
	CompleteProject(ctx context.Context, projectID string, at time.Time) (bool, error)

	UpsertPayoutAccount(ctx context.Context, a *model.PayoutAccount) (*model.PayoutAccount, error)
	GetPayoutAccountByOwner(ctx context.Context, ownerID string) (*model.PayoutAccount, error)
	GetPayoutAccountByRef(ctx context.Context, ref string) (*model.PayoutAccount, error)
	LockPayoutAccountByRef(ctx context.Context, ref string) (*model.PayoutAccount, error)
	UpdatePayoutAccountStatus(ctx context.Context, ref string, caps model.AccountCapabilities, at time.Time) (*model.PayoutAccount, error)

	InsertPaymentIntent(ctx context.Context, pi *model.PaymentIntent) error
	GetPaymentIntent(ctx context.Context, id string) (*model.PaymentIntent, error)
	GetPaymentIntentByRef(ctx context.Context, ref string) (*model.PaymentIntent, error)
	LockPaymentIntentByRef(ctx context.Context, ref string) (*model.PaymentIntent, error)
	ListPaymentIntents(ctx context.Context, projectID string) ([]model.PaymentIntent, error)
	ListStalePaymentIntents(ctx context.Context, status model.IntentStatus, before time.Time, limit int) ([]model.PaymentIntent, error)
	MarkPaymentIntentStatus(ctx context.Context, change IntentStatusChange) (*model.PaymentIntent, bool, error)

	InsertTransfer(ctx context.Context, t *model.Transfer) error
	GetTransferByIntent(ctx context.Context, intentID string) (*model.Transfer, error)
	ListTransfers(ctx context.Context, projectID string) ([]model.Transfer, error)
	MarkTransferPaid(ctx context.Context, id, ref string, at time.Time) (*model.Transfer, bool, error)
	SetTransferRef(ctx context.Context, id, ref string) (bool, error)
	ListPendingTransfers(ctx context.Context, before time.Time, limit int) ([]model.Transfer, error)

	AppendTransaction(ctx context.Context, tx *model.Transaction) error
	ListTransactions(ctx context.Context, projectID string) ([]model.Transaction, error)

	// RecordWebhookEvent 返回 first=false 和已存储的记录，当事件 id 已存在时
	RecordWebhookEvent(ctx context.Context, e *model.WebhookEvent) (*model.WebhookEvent, bool, error)
	GetWebhookEvent(ctx context.Context, id string) (*model.WebhookEvent, error)
	MarkWebhookEvent(ctx context.Context, id string, status model.WebhookEventStatus, lastErr string, at time.Time) error
	// ListRetryableWebhookEvents 返回 failed 且未用完重试次数的事件，
	// 以及 stuckBefore 之前收到但一直停在 received 的事件（进程在处理中途退出）
	ListRetryableWebhookEvents(ctx context.Context, maxAttempts int, stuckBefore time.Time, limit int) ([]model.WebhookEvent, error)
}

// Store 在 Queries 之上提供事务和健康检查
type Store interface {
	Queries
	WithinTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	Ping(ctx context.Context) error
}

func containsStatus(list []model.IntentStatus, s model.IntentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
