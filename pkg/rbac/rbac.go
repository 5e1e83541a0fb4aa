package rbac

import "fmt"

// 权限常量
const (
	PermissionRequestPayment = "payment:request"
	PermissionViewPayments   = "payment:read"
	PermissionAcceptProposal = "proposal:accept"
	PermissionOnboardPayout  = "payout:onboard"
	PermissionReconcile      = "admin:reconcile"
	PermissionOutbox         = "admin:outbox"
)

// 角色常量
const (
	RoleClient = "client"
	RoleExpert = "expert"
	RoleAdmin  = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleClient: {
		PermissionRequestPayment,
		PermissionViewPayments,
		PermissionAcceptProposal,
	},
	RoleExpert: {
		PermissionViewPayments,
		PermissionOnboardPayout,
	},
	RoleAdmin: {
		PermissionRequestPayment,
		PermissionAcceptProposal,
		PermissionViewPayments,
		PermissionReconcile,
		PermissionOutbox,
	},
}

// ValidRole 判断角色是否已知
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role string, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查权限，返回错误便于 handler 处理
func CheckPermission(userID, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			UserID:     userID,
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	UserID     string
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("insufficient permissions: role %q lacks %s", e.Role, e.Permission)
}
