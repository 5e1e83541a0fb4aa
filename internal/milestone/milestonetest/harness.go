// Package milestonetest wires an Engine over the in-memory ledger and the fake
// processor for tests in other packages.
package milestonetest

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"milestonepay/internal/gateway"
	"milestonepay/internal/gateway/gatewaytest"
	"milestonepay/internal/ledger"
	"milestonepay/internal/milestone"
	"milestonepay/internal/model"
)

// Recorder 记录所有通知
type Recorder struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (r *Recorder) Notify(_ context.Context, n model.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *Recorder) Sent() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.sent...)
}

// Kinds 按发送顺序返回通知类型
func (r *Recorder) Kinds() []model.NotificationKind {
	var out []model.NotificationKind
	for _, n := range r.Sent() {
		out = append(out, n.Kind)
	}
	return out
}

type Harness struct {
	Store    *ledger.MemoryStore
	Gateway  *gatewaytest.Fake
	Notifier *Recorder
	Engine   *milestone.Engine
	Config   milestone.Config
}

type Option func(*milestone.Config)

func WithSettlement(s milestone.Settlement) Option {
	return func(c *milestone.Config) { c.Settlement = s }
}

func WithFeeRate(rate string) Option {
	return func(c *milestone.Config) { c.FeeRate = decimal.RequireFromString(rate) }
}

// New 默认 15% 平台费、目的地收费
func New(t testing.TB, opts ...Option) *Harness {
	t.Helper()
	cfg := milestone.Config{
		FeeRate:    decimal.RequireFromString("0.15"),
		Settlement: milestone.SettlementDestinationCharge,
		Currency:   "usd",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Harness{
		Store:    ledger.NewMemoryStore(),
		Gateway:  gatewaytest.NewFake(),
		Notifier: &Recorder{},
		Config:   cfg,
	}
	h.Engine = milestone.NewEngine(h.Store, h.Gateway, h.Notifier, cfg, zap.NewNop())
	return h
}

type Project struct {
	ID         string
	ClientID   string
	ExpertID   string
	AccountRef string
	Budget     int64
}

func (p Project) Client() model.Caller {
	return model.Caller{UserID: p.ClientID, Role: model.RoleClient}
}

func (p Project) Expert() model.Caller {
	return model.Caller{UserID: p.ExpertID, Role: model.RoleExpert}
}

// SeedProject 创建项目并接受方案；ready 为 true 时专家的收款账户已可收款
func (h *Harness) SeedProject(t testing.TB, budget int64, ready bool) Project {
	t.Helper()
	ctx := context.Background()

	p := Project{
		ID:       uuid.NewString(),
		ClientID: "client-" + uuid.NewString()[:8],
		ExpertID: "expert-" + uuid.NewString()[:8],
		Budget:   budget,
	}
	require.NoError(t, h.Store.CreateProject(ctx, &model.Project{
		ID:       p.ID,
		ClientID: p.ClientID,
		Title:    "Milestone project",
		Status:   model.ProjectOpen,
	}))
	proposalID := uuid.NewString()
	require.NoError(t, h.Store.CreateProposal(ctx, &model.Proposal{
		ID:        proposalID,
		ProjectID: p.ID,
		ExpertID:  p.ExpertID,
		Amount:    budget,
		Status:    model.ProposalPending,
	}))
	_, err := h.Engine.AcceptProposal(ctx, p.Client(), p.ID, proposalID)
	require.NoError(t, err)

	p.AccountRef = h.SeedAccount(t, p.ExpertID, model.AccountCapabilities{
		DetailsSubmitted: ready,
		ChargesEnabled:   ready,
		PayoutsEnabled:   ready,
	})
	return p
}

// SeedAccount 在处理方和账本中同时创建专家收款账户
func (h *Harness) SeedAccount(t testing.TB, ownerID string, caps model.AccountCapabilities) string {
	t.Helper()
	ctx := context.Background()

	acct, err := h.Gateway.CreatePayoutAccount(ctx, gateway.CreateAccountRequest{OwnerID: ownerID})
	require.NoError(t, err)
	h.Gateway.SetAccount(acct.Ref, caps)

	_, err = h.Store.UpsertPayoutAccount(ctx, &model.PayoutAccount{
		ID:                  uuid.NewString(),
		OwnerID:             ownerID,
		ExternalRef:         acct.Ref,
		AccountCapabilities: caps,
	})
	require.NoError(t, err)
	return acct.Ref
}

// IntentRef 返回 payment intent 的处理方引用
func (h *Harness) IntentRef(t testing.TB, intentID string) string {
	t.Helper()
	pi, err := h.Store.GetPaymentIntent(context.Background(), intentID)
	require.NoError(t, err)
	return pi.ExternalRef
}

// PayUpfront 请求并确认首付款
func (h *Harness) PayUpfront(t testing.TB, p Project) *milestone.Confirmation {
	t.Helper()
	ctx := context.Background()
	handle, err := h.Engine.RequestUpfrontPayment(ctx, p.Client(), p.ID)
	require.NoError(t, err)
	conf, err := h.Engine.ConfirmPaymentSucceeded(ctx, milestone.PaymentSucceeded{
		ExternalRef: h.IntentRef(t, handle.PaymentIntentID),
		TransferRef: "tr_auto_" + handle.PaymentIntentID[:8],
	})
	require.NoError(t, err)
	require.True(t, conf.Applied)
	return conf
}
