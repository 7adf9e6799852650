package rbac

// 权限常量
const (
	// 资金相关（敏感）操作
	PermissionMilestoneFund     = "milestone:fund"
	PermissionMilestoneWithdraw = "milestone:withdraw"
	PermissionMilestoneResolve  = "milestone:resolve"

	// 普通流程操作
	PermissionMilestoneCancel  = "milestone:cancel"
	PermissionMilestoneDeliver = "milestone:deliver"
	PermissionMilestoneApprove = "milestone:approve"
	PermissionMilestoneDispute = "milestone:dispute"
	PermissionMilestoneJoin    = "milestone:join_dispute"
	PermissionJobRead          = "job:read"
)

// 角色常量
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
	RoleArbiter    = "arbiter"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleClient: {
		PermissionJobRead,
		PermissionMilestoneFund,
		PermissionMilestoneCancel,
		PermissionMilestoneApprove,
		PermissionMilestoneDispute,
		PermissionMilestoneJoin,
	},
	RoleFreelancer: {
		PermissionJobRead,
		PermissionMilestoneDeliver,
		PermissionMilestoneWithdraw,
		PermissionMilestoneDispute,
		PermissionMilestoneJoin,
	},
	RoleArbiter: {
		PermissionJobRead,
		PermissionMilestoneResolve,
	},
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role string, permission string) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(userID string, role string, permission string) error {
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
	if e.Role == "" {
		return "insufficient permissions: " + e.Permission
	}
	return "insufficient permissions: role " + e.Role + " cannot " + e.Permission
}

// ValidateWallet 验证请求中的钱包地址是否与记录中的一致
// 地址比较由调用方传入的 equal 决定（通常做 checksum 归一化）
func ValidateWallet(connected, onRecord string, equal func(a, b string) bool) error {
	if connected == "" || onRecord == "" || !equal(connected, onRecord) {
		return &WalletMismatchError{
			Connected: connected,
			OnRecord:  onRecord,
		}
	}
	return nil
}

// WalletMismatchError 表示连接的钱包与记录不匹配
type WalletMismatchError struct {
	Connected string
	OnRecord  string
}

func (e *WalletMismatchError) Error() string {
	return "connected wallet does not match the address on record"
}
