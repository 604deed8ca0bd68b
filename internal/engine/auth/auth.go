package auth

import "fmt"

// AccessDeniedError indicates the actor may not act on the tenant's data.
type AccessDeniedError struct {
	Action string
}

func (e AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for %s", e.Action)
}

// Principal is the authenticated caller, resolved from a JWT or API key.
type Principal struct {
	ActorID  string
	TenantID string
	Role     string
}

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleAgent   = "agent"
)

// EnsureTenantScope rejects callers bound to a different tenant. An empty
// principal tenant means an unscoped (operator) credential.
func EnsureTenantScope(p Principal, tenantID, action string) error {
	if p.TenantID != "" && p.TenantID != tenantID {
		return AccessDeniedError{Action: action}
	}
	return nil
}

// EnsureRole rejects callers below the required role. Roles order as
// agent < manager < admin.
func EnsureRole(p Principal, required, action string) error {
	if roleRank(p.Role) < roleRank(required) {
		return AccessDeniedError{Action: action}
	}
	return nil
}

func roleRank(role string) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleManager:
		return 2
	case RoleAgent:
		return 1
	}
	return 0
}
