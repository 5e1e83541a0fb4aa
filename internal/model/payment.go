package model

import "time"

type MilestoneKind string

const (
	MilestoneUpfront MilestoneKind = "upfront"
	MilestoneFinal   MilestoneKind = "final"
)

func (k MilestoneKind) Valid() bool {
	return k == MilestoneUpfront || k == MilestoneFinal
}

func ParseMilestoneKind(s string) (MilestoneKind, bool) {
	k := MilestoneKind(s)
	return k, k.Valid()
}

type IntentStatus string

const (
	IntentCreated   IntentStatus = "created"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
)

// PaymentIntent 每个 (project, milestone_kind) 最多一条非 failed 记录，由存储层唯一索引保证
type PaymentIntent struct {
	ID            string
	ProjectID     string
	ClientID      string
	ExpertID      string
	MilestoneKind MilestoneKind
	Amount        int64
	PlatformFee   int64
	ExternalRef   string
	Status        IntentStatus
	FailureCode   string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferPaid    TransferStatus = "paid"
)

// Transfer 只为 succeeded 的 intent 创建，每个 intent 最多一条
type Transfer struct {
	ID              string
	PaymentIntentID string
	ProjectID       string
	ExpertID        string
	Amount          int64
	ExternalRef     string
	Status          TransferStatus
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

type TransactionType string

const (
	TransactionPayment TransactionType = "payment"
	TransactionPayout  TransactionType = "payout"
)

// Transaction 只追加的审计记录
type Transaction struct {
	ID              string
	ProjectID       string
	PaymentIntentID string
	TransferID      string
	Type            TransactionType
	Amount          int64
	Fee             int64
	CounterpartyID  string
	ExternalRef     string
	CreatedAt       time.Time
}
