package model

import "errors"

// 领域错误，调用方使用 errors.Is 判断
var (
	ErrAccountNotReady      = errors.New("payout account not ready")
	ErrDuplicateMilestone   = errors.New("milestone payment already exists")
	ErrMilestoneOrder       = errors.New("milestone requested out of order")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrConflict             = errors.New("conflict")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrProposalNotAccepted  = errors.New("no accepted proposal")
	ErrProjectClosed        = errors.New("project is closed")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidArgument      = errors.New("invalid argument")
)
