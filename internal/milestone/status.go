package milestone

import (
	"context"
	"fmt"

	"milestonepay/internal/model"
)

// ProjectPayments 项目付款进度视图
type ProjectPayments struct {
	Project        *model.Project
	State          State
	UpfrontAmount  int64
	FinalAmount    int64
	PaymentIntents []model.PaymentIntent
	Transfers      []model.Transfer
	Transactions   []model.Transaction
}

// Status 只有项目客户、被雇专家和管理员可以查看
func (e *Engine) Status(ctx context.Context, caller model.Caller, projectID string) (*ProjectPayments, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if !caller.IsAdmin() && caller.UserID != project.ClientID && caller.UserID != project.HiredExpertID {
		return nil, fmt.Errorf("caller %s cannot view project %s: %w", caller.UserID, projectID, model.ErrForbidden)
	}

	intents, err := e.store.ListPaymentIntents(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list payment intents: %w", err)
	}
	transfers, err := e.store.ListTransfers(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	transactions, err := e.store.ListTransactions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	upfront, final := model.SplitBudget(project.TotalBudget)
	return &ProjectPayments{
		Project:        project,
		State:          DeriveState(intents),
		UpfrontAmount:  upfront,
		FinalAmount:    final,
		PaymentIntents: intents,
		Transfers:      transfers,
		Transactions:   transactions,
	}, nil
}
