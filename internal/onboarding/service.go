// Package onboarding walks an expert through payout account setup at the
// processor and keeps the ledger's copy of the account capabilities current.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"milestonepay/internal/gateway"
	"milestonepay/internal/ledger"
	"milestonepay/internal/milestone"
	"milestonepay/internal/model"
	"milestonepay/pkg/util"
)

// stateAudience 回调 state token 的 aud，和平台登录 token 区分开
const stateAudience = "payout_onboarding"

type Config struct {
	AppBaseURL    string
	ReturnPath    string
	RefreshPath   string
	DashboardPath string
	// 签发回调 state 的密钥和有效期；浏览器从处理方跳回时没有 Authorization 头
	StateSecret string
	StateTTL    time.Duration
}

type Service struct {
	store    ledger.Store
	gateway  gateway.Gateway
	notifier milestone.Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store ledger.Store, gw gateway.Gateway, notifier milestone.Notifier, cfg Config, logger *zap.Logger) *Service {
	cfg.AppBaseURL = strings.TrimRight(cfg.AppBaseURL, "/")
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 24 * time.Hour
	}
	return &Service{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Link 开户链接
type Link struct {
	URL        string
	AccountRef string
}

// StartOnboarding 已有账户时复用，否则先在处理方创建再落库；每个 owner 最多一个账户
func (s *Service) StartOnboarding(ctx context.Context, caller model.Caller, email, locale string) (*Link, error) {
	if caller.UserID == "" {
		return nil, fmt.Errorf("start onboarding: %w: missing caller", model.ErrInvalidArgument)
	}

	account, err := s.ensureAccount(ctx, caller.UserID, email)
	if err != nil {
		return nil, fmt.Errorf("start onboarding: %w", err)
	}

	link, err := s.newLink(ctx, account, locale)
	if err != nil {
		return nil, fmt.Errorf("start onboarding: %w", err)
	}
	return &Link{URL: link, AccountRef: account.ExternalRef}, nil
}

func (s *Service) ensureAccount(ctx context.Context, ownerID, email string) (*model.PayoutAccount, error) {
	existing, err := s.store.GetPayoutAccountByOwner(ctx, ownerID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	created, err := s.gateway.CreatePayoutAccount(ctx, gateway.CreateAccountRequest{OwnerID: ownerID, Email: email})
	if err != nil {
		return nil, err
	}

	// 并发时 upsert 返回先写入的那一条
	account, err := s.store.UpsertPayoutAccount(ctx, &model.PayoutAccount{
		ID:                  uuid.NewString(),
		OwnerID:             ownerID,
		ExternalRef:         created.Ref,
		AccountCapabilities: created.Capabilities,
		CreatedAt:           s.now(),
	})
	if err != nil {
		return nil, err
	}
	if account.ExternalRef != created.Ref {
		s.logger.Warn("Payout account created concurrently, using existing",
			zap.String("owner_id", ownerID),
			zap.String("kept_ref", account.ExternalRef),
			zap.String("orphan_ref", created.Ref),
		)
	} else {
		s.logger.Info("Payout account created",
			zap.String("owner_id", ownerID),
			zap.String("account_ref", account.ExternalRef),
		)
	}
	return account, nil
}

func (s *Service) newLink(ctx context.Context, account *model.PayoutAccount, locale string) (string, error) {
	state, err := util.GenerateStateJWT(account.OwnerID, account.ExternalRef, stateAudience, s.cfg.StateSecret, s.cfg.StateTTL)
	if err != nil {
		return "", fmt.Errorf("sign callback state: %w", err)
	}
	return s.gateway.CreateOnboardingLink(ctx, gateway.OnboardingLinkRequest{
		AccountRef: account.ExternalRef,
		ReturnURL:  s.callbackURL(s.cfg.ReturnPath, account.ExternalRef, state, locale),
		RefreshURL: s.callbackURL(s.cfg.RefreshPath, account.ExternalRef, state, locale),
	})
}

func (s *Service) callbackURL(path, accountRef, state, locale string) string {
	q := url.Values{}
	q.Set("account_ref", accountRef)
	q.Set("state", state)
	if locale != "" {
		q.Set("locale", locale)
	}
	return s.cfg.AppBaseURL + path + "?" + q.Encode()
}

// verifiedAccount 校验回调 state：签名有效未过期，绑定的账户和 owner 与账本一致
func (s *Service) verifiedAccount(ctx context.Context, accountRef, state string) (*model.PayoutAccount, error) {
	claims, err := util.ParseStateJWT(state, stateAudience, s.cfg.StateSecret)
	if err != nil {
		return nil, fmt.Errorf("callback state: %v: %w", err, model.ErrForbidden)
	}
	if claims.AccountRef != accountRef {
		return nil, fmt.Errorf("callback state issued for another account: %w", model.ErrForbidden)
	}
	account, err := s.store.GetPayoutAccountByRef(ctx, accountRef)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != claims.OwnerID {
		return nil, fmt.Errorf("account %s: %w", accountRef, model.ErrForbidden)
	}
	return account, nil
}

// HandleReturn 同步查询处理方的账户状态并更新账本，然后返回前端跳转地址，
// 这样即使 account.updated 延迟到达，页面上也已经是最新状态
func (s *Service) HandleReturn(ctx context.Context, accountRef, state, locale string) (string, error) {
	if _, err := s.verifiedAccount(ctx, accountRef, state); err != nil {
		return "", fmt.Errorf("onboarding return: %w", err)
	}

	caps, err := s.gateway.RetrieveAccountStatus(ctx, accountRef)
	if err != nil {
		return "", fmt.Errorf("onboarding return: %w", err)
	}
	account, err := s.SyncAccount(ctx, accountRef, caps)
	if err != nil {
		return "", fmt.Errorf("onboarding return: %w", err)
	}

	q := url.Values{}
	if locale != "" {
		q.Set("locale", locale)
	}
	if account.ReadyForCharges() {
		q.Set("payouts", "ready")
	} else {
		q.Set("payouts", "incomplete")
	}
	return s.cfg.AppBaseURL + s.cfg.DashboardPath + "?" + q.Encode(), nil
}

// HandleRefresh 链接过期时生成新链接
func (s *Service) HandleRefresh(ctx context.Context, accountRef, state, locale string) (string, error) {
	account, err := s.verifiedAccount(ctx, accountRef, state)
	if err != nil {
		return "", fmt.Errorf("onboarding refresh: %w", err)
	}
	link, err := s.newLink(ctx, account, locale)
	if err != nil {
		return "", fmt.Errorf("onboarding refresh: %w", err)
	}
	return link, nil
}

// SyncAccount 写入处理方报告的能力；首次可以收款时通知专家
func (s *Service) SyncAccount(ctx context.Context, accountRef string, caps model.AccountCapabilities) (*model.PayoutAccount, error) {
	var before, after *model.PayoutAccount
	err := s.store.WithinTx(ctx, func(ctx context.Context, q ledger.Queries) error {
		var err error
		// 行锁：webhook 和回跳同时同步时只有一方看到 charges_enabled 从 false 变 true
		before, err = q.LockPayoutAccountByRef(ctx, accountRef)
		if err != nil {
			return err
		}
		after, err = q.UpdatePayoutAccountStatus(ctx, accountRef, caps, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sync payout account %s: %w", accountRef, err)
	}

	if !before.ChargesEnabled && after.ChargesEnabled {
		s.logger.Info("Payout account ready",
			zap.String("owner_id", after.OwnerID),
			zap.String("account_ref", accountRef),
		)
		if s.notifier != nil {
			s.notifier.Notify(ctx, model.Notification{
				ID:          uuid.NewString(),
				Kind:        model.NotifyPayoutAccountReady,
				RecipientID: after.OwnerID,
				Message:     "Your payout account is ready to receive payments.",
				CreatedAt:   s.now(),
			})
		}
	}
	return after, nil
}
