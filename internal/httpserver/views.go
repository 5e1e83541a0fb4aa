package httpserver

import (
	"time"

	"milestonepay/internal/milestone"
	"milestonepay/internal/model"
)

type projectView struct {
	ID            string     `json:"id"`
	ClientID      string     `json:"client_id"`
	Title         string     `json:"title"`
	TotalBudget   int64      `json:"total_budget"`
	Status        string     `json:"status"`
	HiredExpertID string     `json:"hired_expert_id,omitempty"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

type intentView struct {
	ID            string    `json:"id"`
	MilestoneKind string    `json:"milestone_kind"`
	Amount        int64     `json:"amount"`
	PlatformFee   int64     `json:"platform_fee"`
	Status        string    `json:"status"`
	FailureCode   string    `json:"failure_code,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type transferView struct {
	ID              string     `json:"id"`
	PaymentIntentID string     `json:"payment_intent_id"`
	ExpertID        string     `json:"expert_id"`
	Amount          int64      `json:"amount"`
	Status          string     `json:"status"`
	ExternalRef     string     `json:"external_ref,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type transactionView struct {
	ID              string    `json:"id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	Type            string    `json:"type"`
	Amount          int64     `json:"amount"`
	Fee             int64     `json:"fee"`
	CounterpartyID  string    `json:"counterparty_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type paymentsView struct {
	Project        projectView       `json:"project"`
	State          string            `json:"state"`
	UpfrontAmount  int64             `json:"upfront_amount"`
	FinalAmount    int64             `json:"final_amount"`
	PaymentIntents []intentView      `json:"payment_intents"`
	Transfers      []transferView    `json:"transfers"`
	Transactions   []transactionView `json:"transactions"`
}

func newProjectView(p *model.Project) projectView {
	return projectView{
		ID:            p.ID,
		ClientID:      p.ClientID,
		Title:         p.Title,
		TotalBudget:   p.TotalBudget,
		Status:        string(p.Status),
		HiredExpertID: p.HiredExpertID,
		AcceptedAt:    p.AcceptedAt,
		ClosedAt:      p.ClosedAt,
	}
}

// 外部引用和 client secret 不出现在查询接口里
func newPaymentsView(p *milestone.ProjectPayments) paymentsView {
	out := paymentsView{
		Project:        newProjectView(p.Project),
		State:          string(p.State),
		UpfrontAmount:  p.UpfrontAmount,
		FinalAmount:    p.FinalAmount,
		PaymentIntents: make([]intentView, 0, len(p.PaymentIntents)),
		Transfers:      make([]transferView, 0, len(p.Transfers)),
		Transactions:   make([]transactionView, 0, len(p.Transactions)),
	}
	for _, pi := range p.PaymentIntents {
		out.PaymentIntents = append(out.PaymentIntents, intentView{
			ID:            pi.ID,
			MilestoneKind: string(pi.MilestoneKind),
			Amount:        pi.Amount,
			PlatformFee:   pi.PlatformFee,
			Status:        string(pi.Status),
			FailureCode:   pi.FailureCode,
			FailureReason: pi.FailureReason,
			CreatedAt:     pi.CreatedAt,
		})
	}
	for _, t := range p.Transfers {
		out.Transfers = append(out.Transfers, transferView{
			ID:              t.ID,
			PaymentIntentID: t.PaymentIntentID,
			ExpertID:        t.ExpertID,
			Amount:          t.Amount,
			Status:          string(t.Status),
			ExternalRef:     t.ExternalRef,
			CompletedAt:     t.CompletedAt,
		})
	}
	for _, tx := range p.Transactions {
		out.Transactions = append(out.Transactions, transactionView{
			ID:              tx.ID,
			PaymentIntentID: tx.PaymentIntentID,
			Type:            string(tx.Type),
			Amount:          tx.Amount,
			Fee:             tx.Fee,
			CounterpartyID:  tx.CounterpartyID,
			CreatedAt:       tx.CreatedAt,
		})
	}
	return out
}
