package rbac

import "slices"

// 权限常量
const (
	PermissionSendMail        = "mail:send"
	PermissionReadMail        = "mail:read"
	PermissionReadConnections = "connections:read"
	PermissionReadOutbox      = "outbox:read"
	PermissionReplayOutbox    = "outbox:replay"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionSendMail,
		PermissionReadMail,
	},
	RoleAdmin: {
		PermissionSendMail,
		PermissionReadMail,
		PermissionReadConnections,
		PermissionReadOutbox,
		PermissionReplayOutbox,
	},
}

// HasPermission 检查角色是否有指定权限，未知角色没有任何权限
func HasPermission(role, permission string) bool {
	return slices.Contains(rolePermissions[role], permission)
}

// CheckPermission 返回错误而不是布尔值，便于 handler 统一处理
func CheckPermission(userID int, role, permission string) error {
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
	UserID     int
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
