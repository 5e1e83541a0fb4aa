package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"milestonepay/internal/gateway"
	"milestonepay/internal/milestone"
	"milestonepay/internal/milestone/milestonetest"
	"milestonepay/internal/model"
	"milestonepay/internal/onboarding"
	"milestonepay/internal/webhook"
)

type env struct {
	h        *milestonetest.Harness
	ingestor *webhook.Ingestor
	sweeper  *Sweeper
	project  milestonetest.Project
}

func newEnv(t *testing.T, opts ...milestonetest.Option) *env {
	t.Helper()
	h := milestonetest.New(t, opts...)
	accounts := onboarding.NewService(h.Store, h.Gateway, h.Notifier, onboarding.Config{AppBaseURL: "https://app.example"}, zap.NewNop())
	ing := webhook.NewIngestor(h.Gateway, h.Store, webhook.NewDispatcher(h.Engine, accounts), nil, zap.NewNop())
	sw := NewSweeper(h.Store, h.Gateway, h.Engine, ing, Config{StaleAfter: 10 * time.Minute, MaxAttempts: 3}, zap.NewNop())
	return &env{h: h, ingestor: ing, sweeper: sw, project: h.SeedProject(t, 1_000_000, true)}
}

// later 把对账时钟拨到一小时后，使刚创建的 intent 变为过期
func (e *env) later() {
	e.sweeper.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
}

func (e *env) requestUpfront(t *testing.T) string {
	t.Helper()
	handle, err := e.h.Engine.RequestUpfrontPayment(context.Background(), e.project.Client(), e.project.ID)
	require.NoError(t, err)
	return e.h.IntentRef(t, handle.PaymentIntentID)
}

func (e *env) intentStatus(t *testing.T, ref string) model.IntentStatus {
	t.Helper()
	pi, err := e.h.Store.GetPaymentIntentByRef(context.Background(), ref)
	require.NoError(t, err)
	return pi.Status
}

func TestRunOnce_ConfirmsMissedSuccess(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ref := e.requestUpfront(t)
	e.h.Gateway.SettleIntent(ref, gateway.PaymentSucceeded, "tr_missed", "")

	// 未过期时不检查
	r := e.sweeper.RunOnce(ctx)
	assert.Zero(t, r.IntentsChecked)

	e.later()
	r = e.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, r.IntentsChecked)
	assert.Equal(t, 1, r.IntentsConfirmed)
	assert.Zero(t, r.Errors)
	assert.Equal(t, model.IntentSucceeded, e.intentStatus(t, ref))

	pi, err := e.h.Store.GetPaymentIntentByRef(ctx, ref)
	require.NoError(t, err)
	transfer, err := e.h.Store.GetTransferByIntent(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, "tr_missed", transfer.ExternalRef)

	// 已确认的 intent 不再出现
	r = e.sweeper.RunOnce(ctx)
	assert.Zero(t, r.IntentsChecked)
}

func TestRunOnce_RecordsMissedFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ref := e.requestUpfront(t)
	e.h.Gateway.SettleIntent(ref, gateway.PaymentFailed, "", "expired_card")

	e.later()
	r := e.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, r.IntentsFailed)
	assert.Equal(t, model.IntentFailed, e.intentStatus(t, ref))
	assert.Equal(t, []model.NotificationKind{model.NotifyPaymentFailed}, e.h.Notifier.Kinds())
}

func TestRunOnce_LeavesPendingAndSurvivesProcessorErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ref := e.requestUpfront(t)
	e.later()

	r := e.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, r.IntentsPending)
	assert.Equal(t, model.IntentCreated, e.intentStatus(t, ref))

	e.h.Gateway.Fail("retrieve_payment_intent", &gateway.ProcessorError{Status: 503})
	r = e.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, r.Errors)
	assert.Equal(t, model.IntentCreated, e.intentStatus(t, ref))
}

func TestRunOnce_ReplaysFailedWebhooks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	created, err := e.h.Gateway.CreatePaymentIntent(ctx, gateway.PaymentIntentRequest{
		Amount:             500_000,
		DestinationAccount: e.project.AccountRef,
		IdempotencyKey:     e.project.ID + ":upfront:0",
		Metadata:           gateway.Metadata{ProjectID: e.project.ID, MilestoneKind: model.MilestoneUpfront},
	})
	require.NoError(t, err)
	payload := e.h.Gateway.PaymentSucceeded("evt_early", created.Ref, "")
	out := e.ingestor.Ingest(ctx, payload, e.h.Gateway.Sign(payload))
	require.ErrorIs(t, out.Err, model.ErrNotFound)

	// 仍然找不到 intent，重放失败并计数
	r := e.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, r.EventsFailed)

	ref := e.requestUpfront(t)
	r = e.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, r.EventsReplayed)
	assert.Equal(t, model.IntentSucceeded, e.intentStatus(t, ref))

	stored, err := e.h.Store.GetWebhookEvent(ctx, "evt_early")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookProcessed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
}

func TestRunOnce_StopsReplayingAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	payload := e.h.Gateway.PaymentSucceeded("evt_orphan", "pi_unknown", "")
	e.ingestor.Ingest(ctx, payload, e.h.Gateway.Sign(payload))

	total := 0
	for i := 0; i < 5; i++ {
		total += e.sweeper.RunOnce(ctx).EventsFailed
	}
	// 首次投递算一次，之后最多再重放两次
	assert.Equal(t, 2, total)
}

func TestRunOnce_RetriesPendingTransfers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, milestonetest.WithSettlement(milestone.SettlementSeparateTransfer))
	ref := e.requestUpfront(t)

	e.h.Gateway.Fail("create_transfer", &gateway.ProcessorError{Status: 500})
	conf, err := e.h.Engine.ConfirmPaymentSucceeded(ctx, milestone.PaymentSucceeded{ExternalRef: ref})
	require.NoError(t, err)
	require.Equal(t, model.TransferPending, conf.Transfer.Status)

	// 刚提交的转账不在本轮范围内
	r := e.sweeper.RunOnce(ctx)
	assert.Zero(t, r.TransfersPaid)
	assert.Zero(t, r.Errors)
	assert.Equal(t, 1, e.h.Gateway.CallCount("create_transfer"))

	e.later()
	r = e.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, r.TransfersPaid)

	transfer, err := e.h.Store.GetTransferByIntent(ctx, conf.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TransferPaid, transfer.Status)

	r = e.sweeper.RunOnce(ctx)
	assert.Zero(t, r.TransfersPaid)
}

func TestRunOnce_ReplaysEventsStuckInReceived(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ref := e.h.SeedAccount(t, "expert-onboarding", model.AccountCapabilities{DetailsSubmitted: true})

	// 事件已落库但进程在分发前退出
	payload := e.h.Gateway.AccountUpdated("evt_stuck", ref, model.AccountCapabilities{DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true})
	_, first, err := e.h.Store.RecordWebhookEvent(ctx, &model.WebhookEvent{
		ID:         "evt_stuck",
		Type:       gateway.EventAccountUpdated,
		Payload:    payload,
		Status:     model.WebhookReceived,
		ReceivedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, first)

	// 宽限期内可能仍在处理
	r := e.sweeper.RunOnce(ctx)
	assert.Zero(t, r.EventsReplayed)

	e.later()
	r = e.sweeper.RunOnce(ctx)
	assert.Equal(t, 1, r.EventsReplayed)

	account, err := e.h.Store.GetPayoutAccountByRef(ctx, ref)
	require.NoError(t, err)
	assert.True(t, account.ReadyForCharges())

	stored, err := e.h.Store.GetWebhookEvent(ctx, "evt_stuck")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookProcessed, stored.Status)

	r = e.sweeper.RunOnce(ctx)
	assert.Zero(t, r.EventsReplayed)
}
