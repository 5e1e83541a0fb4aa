package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milestonepay/internal/model"
)

// runStoreContract 对任意 Store 实现跑同一组约束测试
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AcceptProposal", func(t *testing.T) { testAcceptProposal(t, newStore(t)) })
	t.Run("LiveIntentUniqueness", func(t *testing.T) { testLiveIntentUniqueness(t, newStore(t)) })
	t.Run("MarkPaymentIntentStatus", func(t *testing.T) { testMarkPaymentIntentStatus(t, newStore(t)) })
	t.Run("ReviveFailedIntentConflict", func(t *testing.T) { testReviveConflict(t, newStore(t)) })
	t.Run("Transfers", func(t *testing.T) { testTransfers(t, newStore(t)) })
	t.Run("TransferRequiresSucceededIntent", func(t *testing.T) { testTransferRequiresSucceeded(t, newStore(t)) })
	t.Run("TransactionsAppendOnce", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("WithinTxRollback", func(t *testing.T) { testWithinTxRollback(t, newStore(t)) })
	t.Run("WebhookEvents", func(t *testing.T) { testWebhookEvents(t, newStore(t)) })
	t.Run("PayoutAccounts", func(t *testing.T) { testPayoutAccounts(t, newStore(t)) })
	t.Run("ConcurrentAccountSync", func(t *testing.T) { testConcurrentAccountSync(t, newStore(t)) })
	t.Run("ConcurrentIntentInsert", func(t *testing.T) { testConcurrentIntentInsert(t, newStore(t)) })
	t.Run("StaleQueries", func(t *testing.T) { testStaleQueries(t, newStore(t)) })
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	project  *model.Project
	proposal *model.Proposal
}

type fixtureOption func(*fixture)

func withBudget(amount int64) fixtureOption {
	return func(f *fixture) { f.proposal.Amount = amount }
}

// seedProject 创建 open 项目和一个 pending 方案，并接受该方案
func seedProject(t *testing.T, s Store, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		project: &model.Project{
			ID:       uuid.NewString(),
			ClientID: "client-" + uuid.NewString()[:8],
			Title:    "Landing page",
			Status:   model.ProjectOpen,
		},
	}
	f.proposal = &model.Proposal{
		ID:        uuid.NewString(),
		ProjectID: f.project.ID,
		ExpertID:  "expert-" + uuid.NewString()[:8],
		Amount:    100000,
		Status:    model.ProposalPending,
	}
	for _, opt := range opts {
		opt(f)
	}

	require.NoError(t, s.CreateProject(ctx, f.project))
	require.NoError(t, s.CreateProposal(ctx, f.proposal))
	project, err := s.AcceptProposal(ctx, f.project.ID, f.proposal.ID, baseTime)
	require.NoError(t, err)
	f.project = project
	return f
}

func newIntent(f *fixture, kind model.MilestoneKind, status model.IntentStatus) *model.PaymentIntent {
	return &model.PaymentIntent{
		ID:            uuid.NewString(),
		ProjectID:     f.project.ID,
		ClientID:      f.project.ClientID,
		ExpertID:      f.project.HiredExpertID,
		MilestoneKind: kind,
		Amount:        model.MilestoneAmount(f.project.TotalBudget, kind),
		PlatformFee:   7500,
		ExternalRef:   "pi_" + uuid.NewString(),
		Status:        status,
		CreatedAt:     baseTime,
	}
}

func testAcceptProposal(t *testing.T, s Store) {
	ctx := context.Background()
	project := &model.Project{ID: uuid.NewString(), ClientID: "c1", Status: model.ProjectOpen}
	require.NoError(t, s.CreateProject(ctx, project))

	a := &model.Proposal{ID: uuid.NewString(), ProjectID: project.ID, ExpertID: "e1", Amount: 120000, Status: model.ProposalPending}
	b := &model.Proposal{ID: uuid.NewString(), ProjectID: project.ID, ExpertID: "e2", Amount: 90000, Status: model.ProposalPending}
	require.NoError(t, s.CreateProposal(ctx, a))
	require.NoError(t, s.CreateProposal(ctx, b))

	got, err := s.AcceptProposal(ctx, project.ID, a.ID, baseTime)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectInProgress, got.Status)
	assert.Equal(t, "e1", got.HiredExpertID)
	assert.Equal(t, int64(120000), got.TotalBudget)

	accepted, err := s.GetProposal(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalAccepted, accepted.Status)
	rejected, err := s.GetProposal(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProposalRejected, rejected.Status)

	_, err = s.AcceptProposal(ctx, project.ID, b.ID, baseTime)
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = s.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	completed, err := s.CompleteProject(ctx, project.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, completed)
	completed, err = s.CompleteProject(ctx, project.ID, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, completed)
}

func testLiveIntentUniqueness(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedProject(t, s)

	first := newIntent(f, model.MilestoneUpfront, model.IntentCreated)
	require.NoError(t, s.InsertPaymentIntent(ctx, first))

	dup := newIntent(f, model.MilestoneUpfront, model.IntentCreated)
	assert.ErrorIs(t, s.InsertPaymentIntent(ctx, dup), model.ErrConflict)

	// 不同里程碑不冲突
	require.NoError(t, s.InsertPaymentIntent(ctx, newIntent(f, model.MilestoneFinal, model.IntentCreated)))

	// 同一 external ref 冲突
	sameRef := newIntent(f, model.MilestoneUpfront, model.IntentFailed)
	sameRef.ExternalRef = first.ExternalRef
	assert.ErrorIs(t, s.InsertPaymentIntent(ctx, sameRef), model.ErrConflict)

	// failed 之后槽位释放
	_, applied, err := s.MarkPaymentIntentStatus(ctx, IntentStatusChange{
		ExternalRef: first.ExternalRef,
		From:        []model.IntentStatus{model.IntentCreated},
		To:          model.IntentFailed,
		FailureCode: "card_declined",
		At:          baseTime,
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, s.InsertPaymentIntent(ctx, newIntent(f, model.MilestoneUpfront, model.IntentCreated)))

	intents, err := s.ListPaymentIntents(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Len(t, intents, 3)
}

func testMarkPaymentIntentStatus(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedProject(t, s)
	pi := newIntent(f, model.MilestoneUpfront, model.IntentCreated)
	require.NoError(t, s.InsertPaymentIntent(ctx, pi))

	change := IntentStatusChange{
		ExternalRef: pi.ExternalRef,
		From:        []model.IntentStatus{model.IntentCreated, model.IntentFailed},
		To:          model.IntentSucceeded,
		At:          baseTime.Add(time.Minute),
	}
	got, applied, err := s.MarkPaymentIntentStatus(ctx, change)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.IntentSucceeded, got.Status)

	got, applied, err = s.MarkPaymentIntentStatus(ctx, change)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.IntentSucceeded, got.Status)

	// succeeded 不会被 failed 覆盖
	got, applied, err = s.MarkPaymentIntentStatus(ctx, IntentStatusChange{
		ExternalRef: pi.ExternalRef,
		From:        []model.IntentStatus{model.IntentCreated},
		To:          model.IntentFailed,
		At:          baseTime,
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.IntentSucceeded, got.Status)

	_, _, err = s.MarkPaymentIntentStatus(ctx, IntentStatusChange{ExternalRef: "pi_missing", To: model.IntentFailed})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testReviveConflict(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedProject(t, s)

	failed := newIntent(f, model.MilestoneUpfront, model.IntentFailed)
	require.NoError(t, s.InsertPaymentIntent(ctx, failed))
	require.NoError(t, s.InsertPaymentIntent(ctx, newIntent(f, model.MilestoneUpfront, model.IntentCreated)))

	err := s.WithinTx(ctx, func(ctx context.Context, q Queries) error {
		_, _, err := q.MarkPaymentIntentStatus(ctx, IntentStatusChange{
			ExternalRef: failed.ExternalRef,
			From:        []model.IntentStatus{model.IntentFailed},
			To:          model.IntentSucceeded,
			At:          baseTime,
		})
		return err
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	got, err := s.GetPaymentIntent(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentFailed, got.Status)
}

func testTransfers(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedProject(t, s)
	pi := newIntent(f, model.MilestoneUpfront, model.IntentSucceeded)
	require.NoError(t, s.InsertPaymentIntent(ctx, pi))

	tr := &model.Transfer{
		ID:              uuid.NewString(),
		PaymentIntentID: pi.ID,
		ProjectID:       f.project.ID,
		ExpertID:        f.project.HiredExpertID,
		Amount:          pi.Amount - pi.PlatformFee,
		Status:          model.TransferPending,
		CreatedAt:       baseTime,
	}
	require.NoError(t, s.InsertTransfer(ctx, tr))

	again := *tr
	again.ID = uuid.NewString()
	assert.ErrorIs(t, s.InsertTransfer(ctx, &again), model.ErrConflict)

	pending, err := s.ListPendingTransfers(ctx, baseTime.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	applied, err := s.SetTransferRef(ctx, tr.ID, "tr_1")
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = s.SetTransferRef(ctx, tr.ID, "tr_2")
	require.NoError(t, err)
	assert.False(t, applied)

	paid, applied, err := s.MarkTransferPaid(ctx, tr.ID, "", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TransferPaid, paid.Status)
	assert.Equal(t, "tr_1", paid.ExternalRef)
	require.NotNil(t, paid.CompletedAt)

	_, applied, err = s.MarkTransferPaid(ctx, tr.ID, "tr_3", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetTransferByIntent(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, "tr_1", got.ExternalRef)

	list, err := s.ListTransfers(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testTransferRequiresSucceeded(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedProject(t, s)
	pi := newIntent(f, model.MilestoneUpfront, model.IntentCreated)
	require.NoError(t, s.InsertPaymentIntent(ctx, pi))

	tr := &model.Transfer{
		ID:              uuid.NewString(),
		PaymentIntentID: pi.ID,
		ProjectID:       f.project.ID,
		ExpertID:        f.project.HiredExpertID,
		Amount:          pi.Amount - pi.PlatformFee,
		Status:          model.TransferPending,
		CreatedAt:       baseTime,
	}
	assert.ErrorIs(t, s.InsertTransfer(ctx, tr), model.ErrConflict)

	_, err := s.GetTransferByIntent(ctx, pi.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	missing := *tr
	missing.ID = uuid.NewString()
	missing.PaymentIntentID = uuid.NewString()
	assert.ErrorIs(t, s.InsertTransfer(ctx, &missing), model.ErrNotFound)

	_, applied, err := s.MarkPaymentIntentStatus(ctx, IntentStatusChange{
		ExternalRef: pi.ExternalRef,
		From:        []model.IntentStatus{model.IntentCreated},
		To:          model.IntentSucceeded,
		At:          baseTime.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, s.InsertTransfer(ctx, tr))
}

func testTransactions(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedProject(t, s)
	pi := newIntent(f, model.MilestoneUpfront, model.IntentSucceeded)
	require.NoError(t, s.InsertPaymentIntent(ctx, pi))

	payment := &model.Transaction{
		ID:              uuid.NewString(),
		ProjectID:       f.project.ID,
		PaymentIntentID: pi.ID,
		Type:            model.TransactionPayment,
		Amount:          pi.Amount,
		Fee:             pi.PlatformFee,
		CounterpartyID:  f.project.ClientID,
		ExternalRef:     pi.ExternalRef,
		CreatedAt:       baseTime,
	}
	require.NoError(t, s.AppendTransaction(ctx, payment))

	dup := *payment
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.AppendTransaction(ctx, &dup), model.ErrConflict)

	payout := *payment
	payout.ID = uuid.NewString()
	payout.Type = model.TransactionPayout
	payout.CreatedAt = baseTime.Add(time.Second)
	require.NoError(t, s.AppendTransaction(ctx, &payout))

	txs, err := s.ListTransactions(ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TransactionPayment, txs[0].Type)
	assert.Equal(t, model.TransactionPayout, txs[1].Type)
}

func testWithinTxRollback(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedProject(t, s)
	pi := newIntent(f, model.MilestoneUpfront, model.IntentCreated)
	require.NoError(t, s.InsertPaymentIntent(ctx, pi))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, q Queries) error {
		if _, _, err := q.MarkPaymentIntentStatus(ctx, IntentStatusChange{
			ExternalRef: pi.ExternalRef,
			From:        []model.IntentStatus{model.IntentCreated},
			To:          model.IntentSucceeded,
			At:          baseTime,
		}); err != nil {
			return err
		}
		if err := q.AppendTransaction(ctx, &model.Transaction{
			ID:              uuid.NewString(),
			ProjectID:       f.project.ID,
			PaymentIntentID: pi.ID,
			Type:            model.TransactionPayment,
			Amount:          pi.Amount,
			CounterpartyID:  f.project.ClientID,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetPaymentIntent(ctx, pi.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentCreated, got.Status)

	txs, err := s.ListTransactions(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func testWebhookEvents(t *testing.T, s Store) {
	ctx := context.Background()
	id := "evt_" + uuid.NewString()

	e := &model.WebhookEvent{ID: id, Type: "payment_intent.succeeded", Payload: []byte(`{"id":"x"}`), ReceivedAt: baseTime}
	stored, first, err := s.RecordWebhookEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, model.WebhookReceived, stored.Status)

	require.NoError(t, s.MarkWebhookEvent(ctx, id, model.WebhookFailed, "intent not found", baseTime.Add(time.Second)))

	stored, first, err = s.RecordWebhookEvent(ctx, e)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, model.WebhookFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.JSONEq(t, `{"id":"x"}`, string(stored.Payload))

	retryable, err := s.ListRetryableWebhookEvents(ctx, 3, baseTime, 100)
	require.NoError(t, err)
	assert.True(t, containsEvent(retryable, id))

	retryable, err = s.ListRetryableWebhookEvents(ctx, 1, baseTime, 100)
	require.NoError(t, err)
	assert.False(t, containsEvent(retryable, id))

	// 停在 received 的事件过了宽限期才会被重放
	stuckID := "evt_" + uuid.NewString()
	_, first, err = s.RecordWebhookEvent(ctx, &model.WebhookEvent{ID: stuckID, Type: "account.updated", Payload: []byte(`{"id":"y"}`), ReceivedAt: baseTime})
	require.NoError(t, err)
	require.True(t, first)

	retryable, err = s.ListRetryableWebhookEvents(ctx, 3, baseTime, 100)
	require.NoError(t, err)
	assert.False(t, containsEvent(retryable, stuckID))

	retryable, err = s.ListRetryableWebhookEvents(ctx, 3, baseTime.Add(time.Minute), 100)
	require.NoError(t, err)
	assert.True(t, containsEvent(retryable, stuckID))

	require.NoError(t, s.MarkWebhookEvent(ctx, stuckID, model.WebhookProcessed, "", baseTime.Add(2*time.Minute)))
	retryable, err = s.ListRetryableWebhookEvents(ctx, 3, baseTime.Add(time.Hour), 100)
	require.NoError(t, err)
	assert.False(t, containsEvent(retryable, stuckID))

	assert.ErrorIs(t, s.MarkWebhookEvent(ctx, "evt_missing", model.WebhookProcessed, "", baseTime), model.ErrNotFound)
}

func containsEvent(events []model.WebhookEvent, id string) bool {
	for _, e := range events {
		if e.ID == id {
			return true
		}
	}
	return false
}

func testPayoutAccounts(t *testing.T, s Store) {
	ctx := context.Background()
	owner := "expert-" + uuid.NewString()

	first, err := s.UpsertPayoutAccount(ctx, &model.PayoutAccount{ID: uuid.NewString(), OwnerID: owner, ExternalRef: "acct_" + uuid.NewString()})
	require.NoError(t, err)

	second, err := s.UpsertPayoutAccount(ctx, &model.PayoutAccount{ID: uuid.NewString(), OwnerID: owner, ExternalRef: "acct_" + uuid.NewString()})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ExternalRef, second.ExternalRef)

	updated, err := s.UpdatePayoutAccountStatus(ctx, first.ExternalRef, model.AccountCapabilities{DetailsSubmitted: true, ChargesEnabled: true}, baseTime)
	require.NoError(t, err)
	assert.True(t, updated.ChargesEnabled)
	assert.False(t, updated.PayoutsEnabled)

	byOwner, err := s.GetPayoutAccountByOwner(ctx, owner)
	require.NoError(t, err)
	assert.True(t, byOwner.ReadyForCharges())

	_, err = s.GetPayoutAccountByRef(ctx, "acct_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.UpdatePayoutAccountStatus(ctx, "acct_missing", model.AccountCapabilities{}, baseTime)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// testConcurrentAccountSync 锁住账户后读-改-写，只有一个事务能看到 false → true
func testConcurrentAccountSync(t *testing.T, s Store) {
	ctx := context.Background()
	acct, err := s.UpsertPayoutAccount(ctx, &model.PayoutAccount{
		ID:          uuid.NewString(),
		OwnerID:     "owner-" + uuid.NewString(),
		ExternalRef: "acct_" + uuid.NewString(),
		CreatedAt:   baseTime,
	})
	require.NoError(t, err)

	const workers = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var flipped bool
			err := s.WithinTx(ctx, func(ctx context.Context, q Queries) error {
				before, err := q.LockPayoutAccountByRef(ctx, acct.ExternalRef)
				if err != nil {
					return err
				}
				after, err := q.UpdatePayoutAccountStatus(ctx, acct.ExternalRef, model.AccountCapabilities{ChargesEnabled: true}, baseTime)
				if err != nil {
					return err
				}
				flipped = !before.ChargesEnabled && after.ChargesEnabled
				return nil
			})
			if assert.NoError(t, err) && flipped {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, transitions)

	_, err = s.LockPayoutAccountByRef(ctx, "acct_missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testConcurrentIntentInsert(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedProject(t, s)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, conflicts := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertPaymentIntent(ctx, newIntent(f, model.MilestoneFinal, model.IntentCreated))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, model.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, conflicts)
}

func testStaleQueries(t *testing.T, s Store) {
	ctx := context.Background()
	f := seedProject(t, s)

	old := newIntent(f, model.MilestoneUpfront, model.IntentCreated)
	old.CreatedAt = baseTime.Add(-time.Hour)
	require.NoError(t, s.InsertPaymentIntent(ctx, old))

	fresh := newIntent(f, model.MilestoneFinal, model.IntentCreated)
	fresh.CreatedAt = baseTime
	require.NoError(t, s.InsertPaymentIntent(ctx, fresh))

	stale, err := s.ListStalePaymentIntents(ctx, model.IntentCreated, baseTime.Add(-30*time.Minute), 100)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, pi := range stale {
		ids[pi.ID] = true
	}
	assert.True(t, ids[old.ID])
	assert.False(t, ids[fresh.ID])
}
