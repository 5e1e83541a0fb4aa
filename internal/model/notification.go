package model

import "time"

type NotificationKind string

const (
	NotifyUpfrontPaymentSecured NotificationKind = "upfront_payment_secured"
	NotifyFinalPaymentReleased  NotificationKind = "final_payment_released"
	NotifyProjectCompleted      NotificationKind = "project_completed"
	NotifyPaymentFailed         NotificationKind = "payment_failed"
	NotifyPayoutAccountReady    NotificationKind = "payout_account_ready"
)

// Notification 状态变化触发的通知，投递渠道不在本服务范围内
type Notification struct {
	ID          string
	Kind        NotificationKind
	RecipientID string
	ProjectID   string
	Amount      int64
	Message     string
	CreatedAt   time.Time
}
