package model

type Role string

const (
	RoleClient Role = "client"
	RoleExpert Role = "expert"
	RoleAdmin  Role = "admin"
)

// Caller 显式传入每个引擎操作的调用方身份
type Caller struct {
	UserID string
	Role   Role
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}
