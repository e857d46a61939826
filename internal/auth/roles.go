package auth

// Role represents a user role.
type Role string

const (
	RoleUser    Role = "user"
	RoleSupport Role = "support"
	RoleService Role = "service"
	RoleAdmin   Role = "admin"
)

// NormalizeRole validates and normalizes a role string.
func NormalizeRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleUser, RoleSupport, RoleService, RoleAdmin:
		return Role(value), true
	default:
		return "", false
	}
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRank(role) >= roleRank(required)
}

func roleRank(role Role) int {
	switch role {
	case RoleUser:
		return 1
	case RoleSupport:
		return 2
	case RoleService:
		return 3
	case RoleAdmin:
		return 4
	default:
		return 0
	}
}
