package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"milestonepay/internal/gateway"
	"milestonepay/internal/ledger"
	"milestonepay/internal/model"
	"milestonepay/pkg/metrics"
)

// PaymentSucceeded 处理方确认收款
type PaymentSucceeded struct {
	ExternalRef string
	// 目的地收费时处理方自动创建的转账，可能为空，稍后由 transfer.created 补齐
	TransferRef string
}

// PaymentFailed 处理方报告付款失败
type PaymentFailed struct {
	ExternalRef string
	Code        string
	Message     string
}

// TransferCreated 处理方报告转账已创建
type TransferCreated struct {
	TransferRef string
	ProjectID   string
	Kind        model.MilestoneKind
}

// Confirmation Applied=false 表示重复投递，没有任何副作用
type Confirmation struct {
	Applied          bool
	Intent           *model.PaymentIntent
	Transfer         *model.Transfer
	ProjectCompleted bool
}

// ConfirmPaymentSucceeded 在一个事务内：intent 置为 succeeded、记账、建转账、最终款时完成项目。
// 重复调用不会产生第二条交易或转账，通知只在首次生效时发送。
func (e *Engine) ConfirmPaymentSucceeded(ctx context.Context, evt PaymentSucceeded) (*Confirmation, error) {
	now := e.now()
	var out Confirmation

	err := e.store.WithinTx(ctx, func(ctx context.Context, q ledger.Queries) error {
		pi, err := q.LockPaymentIntentByRef(ctx, evt.ExternalRef)
		if err != nil {
			return err
		}
		out.Intent = pi
		if pi.Status == model.IntentSucceeded {
			return nil
		}

		// failed 之后又收到成功：钱已经收到，只要槽位空闲就恢复
		updated, applied, err := q.MarkPaymentIntentStatus(ctx, ledger.IntentStatusChange{
			ExternalRef: evt.ExternalRef,
			From:        []model.IntentStatus{model.IntentCreated, model.IntentFailed},
			To:          model.IntentSucceeded,
			At:          now,
		})
		if err != nil {
			return fmt.Errorf("mark intent succeeded: %w", err)
		}
		out.Intent = updated
		if !applied {
			return nil
		}
		out.Applied = true

		if err := q.AppendTransaction(ctx, &model.Transaction{
			ID:              uuid.NewString(),
			ProjectID:       pi.ProjectID,
			PaymentIntentID: pi.ID,
			Type:            model.TransactionPayment,
			Amount:          pi.Amount,
			Fee:             pi.PlatformFee,
			CounterpartyID:  pi.ClientID,
			ExternalRef:     pi.ExternalRef,
			CreatedAt:       now,
		}); err != nil {
			return fmt.Errorf("append payment transaction: %w", err)
		}

		transfer := &model.Transfer{
			ID:              uuid.NewString(),
			PaymentIntentID: pi.ID,
			ProjectID:       pi.ProjectID,
			ExpertID:        pi.ExpertID,
			Amount:          pi.Amount - pi.PlatformFee,
			Status:          model.TransferPending,
			CreatedAt:       now,
		}
		if e.cfg.Settlement == SettlementDestinationCharge {
			// 处理方已在同一笔结算中完成转账
			transfer.Status = model.TransferPaid
			transfer.ExternalRef = evt.TransferRef
			transfer.CompletedAt = &now
		}
		if err := q.InsertTransfer(ctx, transfer); err != nil {
			return fmt.Errorf("insert transfer: %w", err)
		}
		if transfer.Status == model.TransferPaid {
			if err := appendPayout(ctx, q, pi, transfer, now); err != nil {
				return err
			}
		}
		out.Transfer = transfer

		if pi.MilestoneKind == model.MilestoneFinal {
			completed, err := q.CompleteProject(ctx, pi.ProjectID, now)
			if err != nil {
				return fmt.Errorf("complete project: %w", err)
			}
			out.ProjectCompleted = completed
		}
		return nil
	})
	if err != nil {
		metrics.IncrementPaymentConfirmation("error")
		return nil, fmt.Errorf("confirm payment %s succeeded: %w", evt.ExternalRef, err)
	}

	if !out.Applied {
		metrics.IncrementPaymentConfirmation("duplicate")
		e.logger.Info("Payment already confirmed, skipping",
			zap.String("external_ref", evt.ExternalRef),
		)
		return &out, nil
	}
	metrics.IncrementPaymentConfirmation("succeeded")

	pi := out.Intent
	e.logger.Info("Payment confirmed",
		zap.String("project_id", pi.ProjectID),
		zap.String("milestone", string(pi.MilestoneKind)),
		zap.String("external_ref", pi.ExternalRef),
		zap.String("transfer_id", out.Transfer.ID),
		zap.Int64("transfer_amount", out.Transfer.Amount),
		zap.Bool("project_completed", out.ProjectCompleted),
	)

	if out.Transfer.Status == model.TransferPending {
		paid, err := e.payOut(ctx, pi, out.Transfer)
		if err != nil {
			// 留给对账任务重试
			e.logger.Warn("Transfer pending after payment confirmation",
				zap.String("transfer_id", out.Transfer.ID),
				zap.Error(err),
			)
		} else {
			out.Transfer = paid
		}
	}

	e.notifySucceeded(ctx, &out)
	return &out, nil
}

func (e *Engine) notifySucceeded(ctx context.Context, out *Confirmation) {
	pi := out.Intent
	amount := out.Transfer.Amount
	switch pi.MilestoneKind {
	case model.MilestoneUpfront:
		e.notify(ctx, model.NotifyUpfrontPaymentSecured, pi.ExpertID, pi.ProjectID, amount,
			fmt.Sprintf("Upfront payment of %s secured. You can start working.", model.FormatAmount(amount)))
	case model.MilestoneFinal:
		e.notify(ctx, model.NotifyFinalPaymentReleased, pi.ExpertID, pi.ProjectID, amount,
			fmt.Sprintf("Final payment of %s released.", model.FormatAmount(amount)))
		if out.ProjectCompleted {
			e.notify(ctx, model.NotifyProjectCompleted, pi.ClientID, pi.ProjectID, 0, "Project completed.")
		}
	}
}

// ConfirmPaymentFailed 只会把 created 的 intent 置为 failed，槽位因此重新开放；项目状态不变
func (e *Engine) ConfirmPaymentFailed(ctx context.Context, evt PaymentFailed) (*Confirmation, error) {
	pi, applied, err := e.store.MarkPaymentIntentStatus(ctx, ledger.IntentStatusChange{
		ExternalRef:   evt.ExternalRef,
		From:          []model.IntentStatus{model.IntentCreated},
		To:            model.IntentFailed,
		FailureCode:   evt.Code,
		FailureReason: evt.Message,
		At:            e.now(),
	})
	if err != nil {
		metrics.IncrementPaymentConfirmation("error")
		return nil, fmt.Errorf("confirm payment %s failed: %w", evt.ExternalRef, err)
	}
	out := &Confirmation{Applied: applied, Intent: pi}
	if !applied {
		metrics.IncrementPaymentConfirmation("duplicate")
		e.logger.Info("Payment failure ignored",
			zap.String("external_ref", evt.ExternalRef),
			zap.String("status", string(pi.Status)),
		)
		return out, nil
	}
	metrics.IncrementPaymentConfirmation("failed")

	e.logger.Info("Payment failed",
		zap.String("project_id", pi.ProjectID),
		zap.String("milestone", string(pi.MilestoneKind)),
		zap.String("external_ref", pi.ExternalRef),
		zap.String("failure_code", evt.Code),
	)
	e.notify(ctx, model.NotifyPaymentFailed, pi.ClientID, pi.ProjectID, pi.Amount,
		fmt.Sprintf("The %s payment of %s did not go through. Please try again.", pi.MilestoneKind, model.FormatAmount(pi.Amount)))
	return out, nil
}

// RecordTransferCreated 为已记录的转账补上处理方引用；转账尚未记录时返回 ErrNotFound 以便稍后重放
func (e *Engine) RecordTransferCreated(ctx context.Context, evt TransferCreated) (bool, error) {
	if evt.ProjectID == "" || !evt.Kind.Valid() {
		return false, fmt.Errorf("%w: transfer %s carries no milestone metadata", model.ErrInvalidArgument, evt.TransferRef)
	}

	intents, err := e.store.ListPaymentIntents(ctx, evt.ProjectID)
	if err != nil {
		return false, fmt.Errorf("list payment intents: %w", err)
	}
	live, _ := liveIntent(intents, evt.Kind)
	if live == nil || live.Status != model.IntentSucceeded {
		return false, fmt.Errorf("transfer %s: no succeeded %s payment for project %s: %w", evt.TransferRef, evt.Kind, evt.ProjectID, model.ErrNotFound)
	}

	transfer, err := e.store.GetTransferByIntent(ctx, live.ID)
	if err != nil {
		return false, fmt.Errorf("transfer %s: %w", evt.TransferRef, err)
	}
	applied, err := e.store.SetTransferRef(ctx, transfer.ID, evt.TransferRef)
	if err != nil {
		return false, fmt.Errorf("set transfer ref: %w", err)
	}
	if applied {
		e.logger.Info("Transfer reference recorded",
			zap.String("transfer_id", transfer.ID),
			zap.String("transfer_ref", evt.TransferRef),
		)
	}
	return applied, nil
}

// RetryPendingTransfer 单独转账模式下重试未完成的转账
func (e *Engine) RetryPendingTransfer(ctx context.Context, transfer model.Transfer) (*model.Transfer, error) {
	if transfer.Status == model.TransferPaid {
		return &transfer, nil
	}
	pi, err := e.store.GetPaymentIntent(ctx, transfer.PaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("load payment intent: %w", err)
	}
	return e.payOut(ctx, pi, &transfer)
}

// payOut 调用处理方转账，然后在一个事务内标记已付并记账
func (e *Engine) payOut(ctx context.Context, pi *model.PaymentIntent, transfer *model.Transfer) (*model.Transfer, error) {
	if pi.Status != model.IntentSucceeded {
		return nil, fmt.Errorf("%w: payment %s is %s", model.ErrConflict, pi.ExternalRef, pi.Status)
	}
	account, err := e.store.GetPayoutAccountByOwner(ctx, transfer.ExpertID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("load payout account: %w", err)
	}
	if account == nil || account.ExternalRef == "" {
		return nil, fmt.Errorf("expert %s: %w", transfer.ExpertID, model.ErrAccountNotReady)
	}

	created, err := e.gateway.CreateTransfer(ctx, gateway.TransferRequest{
		Amount:             transfer.Amount,
		Currency:           e.cfg.Currency,
		DestinationAccount: account.ExternalRef,
		SourceRef:          pi.ExternalRef,
		IdempotencyKey:     "transfer:" + transfer.ID,
		Metadata:           gateway.Metadata{ProjectID: pi.ProjectID, MilestoneKind: pi.MilestoneKind},
	})
	if err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	now := e.now()
	var paid *model.Transfer
	err = e.store.WithinTx(ctx, func(ctx context.Context, q ledger.Queries) error {
		t, applied, err := q.MarkTransferPaid(ctx, transfer.ID, created.Ref, now)
		if err != nil {
			return fmt.Errorf("mark transfer paid: %w", err)
		}
		paid = t
		if !applied {
			return nil
		}
		return appendPayout(ctx, q, pi, t, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Transfer paid",
		zap.String("transfer_id", paid.ID),
		zap.String("transfer_ref", paid.ExternalRef),
		zap.Int64("amount", paid.Amount),
	)
	return paid, nil
}

func appendPayout(ctx context.Context, q ledger.Queries, pi *model.PaymentIntent, t *model.Transfer, at time.Time) error {
	err := q.AppendTransaction(ctx, &model.Transaction{
		ID:              uuid.NewString(),
		ProjectID:       t.ProjectID,
		PaymentIntentID: pi.ID,
		TransferID:      t.ID,
		Type:            model.TransactionPayout,
		Amount:          t.Amount,
		CounterpartyID:  t.ExpertID,
		ExternalRef:     t.ExternalRef,
		CreatedAt:       at,
	})
	if err != nil {
		return fmt.Errorf("append payout transaction: %w", err)
	}
	return nil
}
