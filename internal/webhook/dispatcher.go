package webhook

import (
	"context"
	"fmt"

	"milestonepay/internal/milestone"
	"milestonepay/internal/model"
)

// PaymentConfirmer 里程碑引擎中处理方回调相关的操作
type PaymentConfirmer interface {
	ConfirmPaymentSucceeded(ctx context.Context, evt milestone.PaymentSucceeded) (*milestone.Confirmation, error)
	ConfirmPaymentFailed(ctx context.Context, evt milestone.PaymentFailed) (*milestone.Confirmation, error)
	RecordTransferCreated(ctx context.Context, evt milestone.TransferCreated) (bool, error)
}

// AccountSyncer 收款账户状态同步
type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountRef string, caps model.AccountCapabilities) (*model.PayoutAccount, error)
}

// Result Handled=false 表示事件类型被忽略；Applied=false 表示重复投递
type Result struct {
	Handled bool
	Applied bool
	Err     error
}

type Dispatcher struct {
	payments PaymentConfirmer
	accounts AccountSyncer
}

func NewDispatcher(payments PaymentConfirmer, accounts AccountSyncer) *Dispatcher {
	return &Dispatcher{payments: payments, accounts: accounts}
}

// Dispatch 唯一的路由入口
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) Result {
	switch e := evt.(type) {
	case *PaymentSucceededEvent:
		return d.paymentSucceeded(ctx, e)
	case *PaymentFailedEvent:
		return d.paymentFailed(ctx, e)
	case *TransferCreatedEvent:
		return d.transferCreated(ctx, e)
	case *AccountUpdatedEvent:
		return d.accountUpdated(ctx, e)
	case *IgnoredEvent:
		return Result{}
	}
	return Result{Err: fmt.Errorf("%w: unroutable event %T", model.ErrInvalidArgument, evt)}
}

func (d *Dispatcher) paymentSucceeded(ctx context.Context, e *PaymentSucceededEvent) Result {
	conf, err := d.payments.ConfirmPaymentSucceeded(ctx, milestone.PaymentSucceeded{
		ExternalRef: e.ExternalRef,
		TransferRef: e.TransferRef,
	})
	if err != nil {
		return Result{Handled: true, Err: err}
	}
	return Result{Handled: true, Applied: conf.Applied}
}

func (d *Dispatcher) paymentFailed(ctx context.Context, e *PaymentFailedEvent) Result {
	conf, err := d.payments.ConfirmPaymentFailed(ctx, milestone.PaymentFailed{
		ExternalRef: e.ExternalRef,
		Code:        e.Code,
		Message:     e.Message,
	})
	if err != nil {
		return Result{Handled: true, Err: err}
	}
	return Result{Handled: true, Applied: conf.Applied}
}

func (d *Dispatcher) transferCreated(ctx context.Context, e *TransferCreatedEvent) Result {
	// 不是里程碑产生的转账（没有元数据），确认即可
	if e.Metadata.ProjectID == "" {
		return Result{}
	}
	applied, err := d.payments.RecordTransferCreated(ctx, milestone.TransferCreated{
		TransferRef: e.TransferRef,
		ProjectID:   e.Metadata.ProjectID,
		Kind:        e.Metadata.MilestoneKind,
	})
	return Result{Handled: true, Applied: applied, Err: err}
}

func (d *Dispatcher) accountUpdated(ctx context.Context, e *AccountUpdatedEvent) Result {
	if _, err := d.accounts.SyncAccount(ctx, e.AccountRef, e.Capabilities); err != nil {
		return Result{Handled: true, Err: err}
	}
	return Result{Handled: true, Applied: true}
}
