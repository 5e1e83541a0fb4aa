package onboarding

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"milestonepay/internal/gateway"
	"milestonepay/internal/gateway/gatewaytest"
	"milestonepay/internal/ledger"
	"milestonepay/internal/milestone/milestonetest"
	"milestonepay/internal/model"
	"milestonepay/pkg/util"
)

type testEnv struct {
	svc      *Service
	store    *ledger.MemoryStore
	gw       *gatewaytest.Fake
	notifier *milestonetest.Recorder
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    ledger.NewMemoryStore(),
		gw:       gatewaytest.NewFake(),
		notifier: &milestonetest.Recorder{},
	}
	env.svc = NewService(env.store, env.gw, env.notifier, Config{
		AppBaseURL:    "https://app.example/",
		ReturnPath:    "/api/payouts/return",
		RefreshPath:   "/api/payouts/refresh",
		DashboardPath: "/dashboard/payouts",
		StateSecret:   testStateSecret,
	}, zap.NewNop())
	return env
}

const testStateSecret = "state-secret"

var expert = model.Caller{UserID: "expert-1", Role: model.RoleExpert}

// callback 取出最近一次开户链接中的回调参数
func (env *testEnv) callback(t *testing.T, refresh bool) url.Values {
	t.Helper()
	req, ok := env.gw.LastLinkRequest()
	require.True(t, ok)
	raw := req.ReturnURL
	if refresh {
		raw = req.RefreshURL
	}
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

func TestStartOnboarding_CreatesAccountOnce(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	first, err := env.svc.StartOnboarding(ctx, expert, "e@example.com", "fr")
	require.NoError(t, err)
	assert.Contains(t, first.URL, first.AccountRef)

	second, err := env.svc.StartOnboarding(ctx, expert, "e@example.com", "fr")
	require.NoError(t, err)
	assert.Equal(t, first.AccountRef, second.AccountRef)
	assert.NotEqual(t, first.URL, second.URL)

	assert.Equal(t, 1, env.gw.CallCount("create_account"))
	assert.Equal(t, 2, env.gw.CallCount("create_account_link"))

	account, err := env.store.GetPayoutAccountByOwner(ctx, expert.UserID)
	require.NoError(t, err)
	assert.Equal(t, first.AccountRef, account.ExternalRef)
	assert.False(t, account.ChargesEnabled)
}

func TestStartOnboarding_ConcurrentCallsKeepOneAccount(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	var wg sync.WaitGroup
	refs := make([]string, 4)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			link, err := env.svc.StartOnboarding(ctx, expert, "", "")
			if assert.NoError(t, err) {
				refs[i] = link.AccountRef
			}
		}(i)
	}
	wg.Wait()

	account, err := env.store.GetPayoutAccountByOwner(ctx, expert.UserID)
	require.NoError(t, err)
	for _, ref := range refs {
		assert.Equal(t, account.ExternalRef, ref)
	}
}

func TestStartOnboarding_ProcessorDown(t *testing.T) {
	env := newEnv(t)
	env.gw.Fail("create_account", &gateway.ProcessorError{Status: 500})

	_, err := env.svc.StartOnboarding(context.Background(), expert, "", "")
	assert.ErrorIs(t, err, model.ErrProcessorUnavailable)

	_, err = env.store.GetPayoutAccountByOwner(context.Background(), expert.UserID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStartOnboarding_RequiresCaller(t *testing.T) {
	env := newEnv(t)
	_, err := env.svc.StartOnboarding(context.Background(), model.Caller{}, "", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestHandleReturn_SyncsBeforeRedirect(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	link, err := env.svc.StartOnboarding(ctx, expert, "", "de")
	require.NoError(t, err)

	// 专家在处理方完成资料，但 webhook 尚未到达
	env.gw.SetAccount(link.AccountRef, model.AccountCapabilities{DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true})

	cb := env.callback(t, false)
	assert.Equal(t, link.AccountRef, cb.Get("account_ref"))
	assert.Equal(t, "de", cb.Get("locale"))

	redirect, err := env.svc.HandleReturn(ctx, link.AccountRef, cb.Get("state"), "de")
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "app.example", u.Host)
	assert.Equal(t, "/dashboard/payouts", u.Path)
	assert.Equal(t, "ready", u.Query().Get("payouts"))
	assert.Equal(t, "de", u.Query().Get("locale"))

	account, err := env.store.GetPayoutAccountByRef(ctx, link.AccountRef)
	require.NoError(t, err)
	assert.True(t, account.ReadyForCharges())

	assert.Equal(t, []model.NotificationKind{model.NotifyPayoutAccountReady}, env.notifier.Kinds())
}

func TestHandleReturn_Incomplete(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	link, err := env.svc.StartOnboarding(ctx, expert, "", "")
	require.NoError(t, err)

	redirect, err := env.svc.HandleReturn(ctx, link.AccountRef, env.callback(t, false).Get("state"), "")
	require.NoError(t, err)
	assert.Contains(t, redirect, "payouts=incomplete")
	assert.Empty(t, env.notifier.Sent())
}

func TestHandleReturn_RejectsBadState(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	link, err := env.svc.StartOnboarding(ctx, expert, "", "")
	require.NoError(t, err)
	state := env.callback(t, false).Get("state")

	other, err := env.svc.StartOnboarding(ctx, model.Caller{UserID: "expert-2", Role: model.RoleExpert}, "", "")
	require.NoError(t, err)

	// 另一个账户的 state
	_, err = env.svc.HandleReturn(ctx, other.AccountRef, state, "")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = env.svc.HandleRefresh(ctx, other.AccountRef, state, "")
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = env.svc.HandleReturn(ctx, link.AccountRef, state+"x", "")
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = env.svc.HandleReturn(ctx, link.AccountRef, "", "")
	assert.ErrorIs(t, err, model.ErrForbidden)

	forged, err := util.GenerateStateJWT(expert.UserID, link.AccountRef, stateAudience, "wrong-secret", time.Hour)
	require.NoError(t, err)
	_, err = env.svc.HandleReturn(ctx, link.AccountRef, forged, "")
	assert.ErrorIs(t, err, model.ErrForbidden)

	expired, err := util.GenerateStateJWT(expert.UserID, link.AccountRef, stateAudience, testStateSecret, -time.Minute)
	require.NoError(t, err)
	_, err = env.svc.HandleReturn(ctx, link.AccountRef, expired, "")
	assert.ErrorIs(t, err, model.ErrForbidden)

	// owner 与账本不符
	mismatched, err := util.GenerateStateJWT("expert-2", link.AccountRef, stateAudience, testStateSecret, time.Hour)
	require.NoError(t, err)
	_, err = env.svc.HandleReturn(ctx, link.AccountRef, mismatched, "")
	assert.ErrorIs(t, err, model.ErrForbidden)

	unknown, err := util.GenerateStateJWT(expert.UserID, "acct_unknown", stateAudience, testStateSecret, time.Hour)
	require.NoError(t, err)
	_, err = env.svc.HandleReturn(ctx, "acct_unknown", unknown, "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.Zero(t, env.gw.CallCount("retrieve_account"))
}

func TestHandleRefresh_IssuesNewLink(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	link, err := env.svc.StartOnboarding(ctx, expert, "", "en")
	require.NoError(t, err)

	fresh, err := env.svc.HandleRefresh(ctx, link.AccountRef, env.callback(t, true).Get("state"), "en")
	require.NoError(t, err)
	assert.NotEqual(t, link.URL, fresh)

	// 新链接带着新的回调 state，仍然可用
	_, err = env.svc.HandleReturn(ctx, link.AccountRef, env.callback(t, false).Get("state"), "en")
	require.NoError(t, err)
	assert.Equal(t, 1, env.gw.CallCount("create_account"))
}

func TestSyncAccount_NotifiesOnlyOnTransition(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	link, err := env.svc.StartOnboarding(ctx, expert, "", "")
	require.NoError(t, err)

	ready := model.AccountCapabilities{DetailsSubmitted: true, ChargesEnabled: true}
	_, err = env.svc.SyncAccount(ctx, link.AccountRef, ready)
	require.NoError(t, err)
	_, err = env.svc.SyncAccount(ctx, link.AccountRef, ready)
	require.NoError(t, err)

	assert.Len(t, env.notifier.Sent(), 1)

	_, err = env.svc.SyncAccount(ctx, "acct_missing", ready)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSyncAccount_ConcurrentSyncsNotifyOnce(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	link, err := env.svc.StartOnboarding(ctx, expert, "", "")
	require.NoError(t, err)

	ready := model.AccountCapabilities{DetailsSubmitted: true, ChargesEnabled: true, PayoutsEnabled: true}
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.SyncAccount(ctx, link.AccountRef, ready)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []model.NotificationKind{model.NotifyPayoutAccountReady}, env.notifier.Kinds())
}
