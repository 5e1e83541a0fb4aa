// Package milestone owns the payment state machine of a project: requesting the
// upfront and final milestone payments, confirming them from processor events
// and paying the expert out.
package milestone

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"milestonepay/internal/gateway"
	"milestonepay/internal/ledger"
	"milestonepay/internal/model"
)

// Settlement 资金结算模式，每个部署统一使用一种
type Settlement string

const (
	// SettlementDestinationCharge 处理方在收款时自动扣除平台费并转给专家
	SettlementDestinationCharge Settlement = "destination_charge"
	// SettlementSeparateTransfer 平台先收款，确认后再单独发起转账
	SettlementSeparateTransfer Settlement = "separate_transfer"
)

func ParseSettlement(s string) (Settlement, error) {
	switch Settlement(s) {
	case SettlementDestinationCharge, SettlementSeparateTransfer:
		return Settlement(s), nil
	case "":
		return SettlementDestinationCharge, nil
	}
	return "", fmt.Errorf("%w: unknown settlement model %q", model.ErrInvalidArgument, s)
}

// Notifier 状态变化后的通知出口；实现方自行处理失败，不影响状态机
type Notifier interface {
	Notify(ctx context.Context, n model.Notification)
}

type Config struct {
	FeeRate    decimal.Decimal
	Settlement Settlement
	Currency   string
}

type Engine struct {
	store    ledger.Store
	gateway  gateway.Gateway
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

// WithClock 测试中固定时间
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(store ledger.Store, gw gateway.Gateway, notifier Notifier, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.Settlement == "" {
		cfg.Settlement = SettlementDestinationCharge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Settlement() Settlement {
	return e.cfg.Settlement
}

func (e *Engine) notify(ctx context.Context, kind model.NotificationKind, recipient, projectID string, amount int64, message string) {
	if e.notifier == nil || recipient == "" {
		return
	}
	e.notifier.Notify(ctx, model.Notification{
		ID:          uuid.NewString(),
		Kind:        kind,
		RecipientID: recipient,
		ProjectID:   projectID,
		Amount:      amount,
		Message:     message,
		CreatedAt:   e.now(),
	})
}

// AcceptProposal 客户接受方案：项目进入 in_progress，预算在此刻确定
func (e *Engine) AcceptProposal(ctx context.Context, caller model.Caller, projectID, proposalID string) (*model.Project, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("accept proposal: %w", err)
	}
	if project.ClientID != caller.UserID && !caller.IsAdmin() {
		return nil, fmt.Errorf("accept proposal: caller %s does not own project %s: %w", caller.UserID, projectID, model.ErrForbidden)
	}
	if project.Status.Closed() {
		return nil, fmt.Errorf("accept proposal: %w", model.ErrProjectClosed)
	}

	proposal, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("accept proposal: %w", err)
	}
	if proposal.Amount <= 0 {
		return nil, fmt.Errorf("accept proposal: %w: budget must be positive", model.ErrInvalidAmount)
	}

	accepted, err := e.store.AcceptProposal(ctx, projectID, proposalID, e.now())
	if err != nil {
		return nil, fmt.Errorf("accept proposal: %w", err)
	}

	e.logger.Info("Proposal accepted",
		zap.String("project_id", projectID),
		zap.String("proposal_id", proposalID),
		zap.String("expert_id", accepted.HiredExpertID),
		zap.Int64("total_budget", accepted.TotalBudget),
	)
	return accepted, nil
}
