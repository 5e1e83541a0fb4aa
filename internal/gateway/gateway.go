// Package gateway is the boundary to the external payment processor. Everything
// above it sees typed requests, typed results and the model sentinel errors.
package gateway

import (
	"context"

	"milestonepay/internal/model"
)

// Metadata 传给处理方的元数据，字段集合固定
type Metadata struct {
	ProjectID     string
	MilestoneKind model.MilestoneKind
}

type CreateAccountRequest struct {
	OwnerID string
	Email   string
	Country string
}

type Account struct {
	Ref          string
	Capabilities model.AccountCapabilities
}

type OnboardingLinkRequest struct {
	AccountRef string
	RefreshURL string
	ReturnURL  string
}

// PaymentIntentRequest 目的地收费：平台费留在平台，其余自动转给专家
type PaymentIntentRequest struct {
	Amount             int64
	Currency           string
	ApplicationFee     int64
	DestinationAccount string // 为空表示由平台收款，稍后单独转账
	IdempotencyKey     string
	Metadata           Metadata
}

type PaymentIntent struct {
	Ref          string
	ClientSecret string
	Status       PaymentIntentStatus
}

type PaymentIntentStatus string

const (
	PaymentPending   PaymentIntentStatus = "pending"
	PaymentSucceeded PaymentIntentStatus = "succeeded"
	PaymentFailed    PaymentIntentStatus = "failed"
)

// PaymentIntentState 对账时查询到的处理方状态
type PaymentIntentState struct {
	Ref            string
	Status         PaymentIntentStatus
	TransferRef    string
	FailureCode    string
	FailureMessage string
}

type TransferRequest struct {
	Amount             int64
	Currency           string
	DestinationAccount string
	SourceRef          string // 资金来源的 payment intent
	IdempotencyKey     string
	Metadata           Metadata
}

type Transfer struct {
	Ref string
}

// Gateway 支付处理方的全部能力
type Gateway interface {
	CreatePayoutAccount(ctx context.Context, req CreateAccountRequest) (*Account, error)
	CreateOnboardingLink(ctx context.Context, req OnboardingLinkRequest) (string, error)
	RetrieveAccountStatus(ctx context.Context, accountRef string) (model.AccountCapabilities, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, ref string) (*PaymentIntentState, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	VerifyWebhookSignature(payload []byte, header string) (*Event, error)
}
