package model

import "time"

type AccountCapabilities struct {
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
}

// PayoutAccount 每个 owner 最多一条，懒创建
type PayoutAccount struct {
	ID          string
	OwnerID     string
	ExternalRef string
	AccountCapabilities
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReadyForCharges 专家能收款的前提
func (a *PayoutAccount) ReadyForCharges() bool {
	return a != nil && a.ExternalRef != "" && a.ChargesEnabled
}
