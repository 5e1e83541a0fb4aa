package model

import "time"

type ProjectStatus string

const (
	ProjectDraft      ProjectStatus = "draft"
	ProjectOpen       ProjectStatus = "open"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
	ProjectCancelled  ProjectStatus = "cancelled"
)

// Closed 已完成或已取消的项目不再接受付款
func (s ProjectStatus) Closed() bool {
	return s == ProjectCompleted || s == ProjectCancelled
}

// Project 预算以最小货币单位存储，在接受方案时确定
type Project struct {
	ID            string
	ClientID      string
	Title         string
	TotalBudget   int64
	Status        ProjectStatus
	HiredExpertID string
	AcceptedAt    *time.Time
	CreatedAt     time.Time
	ClosedAt      *time.Time
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

type Proposal struct {
	ID        string
	ProjectID string
	ExpertID  string
	Amount    int64
	Status    ProposalStatus
	CreatedAt time.Time
}
