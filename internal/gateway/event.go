package gateway

import (
	"encoding/json"
	"fmt"
)

// 处理方事件类型
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventTransferCreated  = "transfer.created"
	EventAccountUpdated   = "account.updated"
)

// Event 已验签的处理方事件，Data.Object 保持原样交给上层解码
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

type EventData struct {
	Object json.RawMessage `json:"object"`
}

// ParseEvent 解析事件信封
func ParseEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, fmt.Errorf("decode event: missing id or type")
	}
	return &e, nil
}

// 以下为事件对象中我们关心的字段

type PaymentIntentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	LatestCharge     *ChargeObject     `json:"latest_charge,omitempty"`
	LastPaymentError *PaymentError     `json:"last_payment_error,omitempty"`
}

type ChargeObject struct {
	ID       string `json:"id"`
	Transfer string `json:"transfer"`
}

type PaymentError struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

type TransferObject struct {
	ID                string            `json:"id"`
	Amount            int64             `json:"amount"`
	Destination       string            `json:"destination"`
	SourceTransaction string            `json:"source_transaction"`
	Metadata          map[string]string `json:"metadata"`
}

type AccountObject struct {
	ID               string `json:"id"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

// 元数据键
const (
	MetaProjectID     = "project_id"
	MetaMilestoneKind = "milestone_kind"
)

func (m Metadata) toMap() map[string]string {
	out := map[string]string{}
	if m.ProjectID != "" {
		out[MetaProjectID] = m.ProjectID
	}
	if m.MilestoneKind != "" {
		out[MetaMilestoneKind] = string(m.MilestoneKind)
	}
	return out
}
