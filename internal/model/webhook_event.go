package model

import (
	"encoding/json"
	"time"
)

type WebhookEventStatus string

const (
	WebhookReceived  WebhookEventStatus = "received"
	WebhookProcessed WebhookEventStatus = "processed"
	WebhookIgnored   WebhookEventStatus = "ignored"
	WebhookFailed    WebhookEventStatus = "failed"
)

// WebhookEvent 已验签事件的持久日志，用于去重和重放
type WebhookEvent struct {
	ID         string
	Type       string
	Payload    json.RawMessage
	Status     WebhookEventStatus
	Attempts   int
	LastError  string
	ReceivedAt time.Time
	UpdatedAt  time.Time
}
