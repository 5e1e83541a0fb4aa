package mq

import "time"

// 通知事件 routing key 前缀，完整 key 为 notification.<kind>
const NotificationRoutingPrefix = "notification."

// MilestoneNotificationPayload 里程碑状态变化产生的通知
type MilestoneNotificationPayload struct {
	NotificationID string    `json:"notification_id"`
	Kind           string    `json:"kind"`
	RecipientID    string    `json:"recipient_id"`
	ProjectID      string    `json:"project_id,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
	Message        string    `json:"message"`
	TraceID        string    `json:"trace_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
