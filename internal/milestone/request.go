package milestone

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"milestonepay/internal/gateway"
	"milestonepay/internal/model"
	"milestonepay/pkg/metrics"
)

// PaymentHandle 返回给客户端用于完成支付
type PaymentHandle struct {
	PaymentIntentID string
	ClientSecret    string
	Kind            model.MilestoneKind
	Amount          int64
	Fee             int64
}

func (e *Engine) RequestUpfrontPayment(ctx context.Context, caller model.Caller, projectID string) (*PaymentHandle, error) {
	return e.RequestPayment(ctx, caller, projectID, model.MilestoneUpfront)
}

func (e *Engine) RequestFinalPayment(ctx context.Context, caller model.Caller, projectID string) (*PaymentHandle, error) {
	return e.RequestPayment(ctx, caller, projectID, model.MilestoneFinal)
}

// RequestPayment 先在处理方创建 intent，成功后才写入账本，避免出现没有处理方对象的记录。
// 并发请求使用同一个幂等键，处理方返回同一对象，存储层唯一约束只放行一个。
func (e *Engine) RequestPayment(ctx context.Context, caller model.Caller, projectID string, kind model.MilestoneKind) (*PaymentHandle, error) {
	handle, err := e.requestPayment(ctx, caller, projectID, kind)
	metrics.IncrementPaymentRequest(string(kind), requestResult(err))
	if err != nil {
		e.logger.Warn("Payment request rejected",
			zap.String("project_id", projectID),
			zap.String("milestone", string(kind)),
			zap.String("caller_id", caller.UserID),
			zap.Error(err),
		)
		return nil, err
	}
	return handle, nil
}

func (e *Engine) requestPayment(ctx context.Context, caller model.Caller, projectID string, kind model.MilestoneKind) (*PaymentHandle, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown milestone kind %q", model.ErrInvalidArgument, kind)
	}

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if project.ClientID != caller.UserID && !caller.IsAdmin() {
		return nil, fmt.Errorf("caller %s does not own project %s: %w", caller.UserID, projectID, model.ErrForbidden)
	}
	if project.Status.Closed() {
		return nil, fmt.Errorf("project %s is %s: %w", projectID, project.Status, model.ErrProjectClosed)
	}
	if project.Status != model.ProjectInProgress || project.HiredExpertID == "" {
		return nil, fmt.Errorf("project %s: %w", projectID, model.ErrProposalNotAccepted)
	}

	intents, err := e.store.ListPaymentIntents(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list payment intents: %w", err)
	}
	live, attempt := liveIntent(intents, kind)
	if live != nil {
		return nil, fmt.Errorf("%w: %s payment for project %s is %s", model.ErrDuplicateMilestone, kind, projectID, live.Status)
	}
	if kind == model.MilestoneFinal {
		upfront, _ := liveIntent(intents, model.MilestoneUpfront)
		if upfront == nil || upfront.Status != model.IntentSucceeded {
			return nil, fmt.Errorf("%w: upfront payment for project %s has not succeeded", model.ErrMilestoneOrder, projectID)
		}
	}

	account, err := e.store.GetPayoutAccountByOwner(ctx, project.HiredExpertID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("load payout account: %w", err)
	}
	if !account.ReadyForCharges() {
		return nil, fmt.Errorf("expert %s: %w", project.HiredExpertID, model.ErrAccountNotReady)
	}

	amount := model.MilestoneAmount(project.TotalBudget, kind)
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %s amount for budget %d", model.ErrInvalidAmount, kind, project.TotalBudget)
	}
	fee := model.PlatformFee(amount, e.cfg.FeeRate)

	req := gateway.PaymentIntentRequest{
		Amount:         amount,
		Currency:       e.cfg.Currency,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", projectID, kind, attempt),
		Metadata:       gateway.Metadata{ProjectID: projectID, MilestoneKind: kind},
	}
	if e.cfg.Settlement == SettlementDestinationCharge {
		req.DestinationAccount = account.ExternalRef
		req.ApplicationFee = fee
	}

	created, err := e.gateway.CreatePaymentIntent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	pi := &model.PaymentIntent{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		ClientID:      project.ClientID,
		ExpertID:      project.HiredExpertID,
		MilestoneKind: kind,
		Amount:        amount,
		PlatformFee:   fee,
		ExternalRef:   created.Ref,
		Status:        model.IntentCreated,
		CreatedAt:     e.now(),
	}
	if err := e.store.InsertPaymentIntent(ctx, pi); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("%w: %s payment for project %s already requested", model.ErrDuplicateMilestone, kind, projectID)
		}
		return nil, fmt.Errorf("insert payment intent: %w", err)
	}

	e.logger.Info("Payment intent created",
		zap.String("project_id", projectID),
		zap.String("milestone", string(kind)),
		zap.String("payment_intent_id", pi.ID),
		zap.String("external_ref", pi.ExternalRef),
		zap.Int64("amount", amount),
		zap.Int64("fee", fee),
	)

	return &PaymentHandle{
		PaymentIntentID: pi.ID,
		ClientSecret:    created.ClientSecret,
		Kind:            kind,
		Amount:          amount,
		Fee:             fee,
	}, nil
}

func requestResult(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, model.ErrDuplicateMilestone):
		return "duplicate"
	case errors.Is(err, model.ErrMilestoneOrder):
		return "out_of_order"
	case errors.Is(err, model.ErrAccountNotReady):
		return "account_not_ready"
	case errors.Is(err, model.ErrProcessorUnavailable):
		return "processor_unavailable"
	}
	return "rejected"
}
