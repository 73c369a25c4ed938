package entity

import "github.com/samber/lo"

type Role string

const (
	RoleCustomer    Role = "customer"
	RoleStaff       Role = "staff"
	RoleBranchAdmin Role = "branch_admin"
	RoleAdmin       Role = "admin"
	// RoleSystem is used by webhooks and background jobs.
	RoleSystem Role = "system"
)

// AuthContext is resolved once per request and passed explicitly to the components.
type AuthContext struct {
	UserID    string
	Roles     []Role
	BranchIDs []string
	Language  string
}

func SystemAuthContext() AuthContext {
	return AuthContext{UserID: "system", Roles: []Role{RoleSystem}}
}

func (a AuthContext) HasRole(role Role) bool {
	return lo.Contains(a.Roles, role)
}

func (a AuthContext) IsStaff() bool {
	return a.HasRole(RoleStaff) || a.HasRole(RoleBranchAdmin) || a.HasRole(RoleAdmin) || a.HasRole(RoleSystem)
}

// CanActFor reports whether the caller may operate on resources owned by ownerID.
func (a AuthContext) CanActFor(ownerID string) bool {
	return a.UserID == ownerID || a.IsStaff()
}

// CanScanAt reports whether the caller may scan tickets of the given branch.
// Admins and system callers are not scoped to branches.
func (a AuthContext) CanScanAt(branchID string) bool {
	if a.HasRole(RoleAdmin) || a.HasRole(RoleSystem) {
		return true
	}
	if !a.HasRole(RoleStaff) && !a.HasRole(RoleBranchAdmin) {
		return false
	}
	return len(a.BranchIDs) == 0 || lo.Contains(a.BranchIDs, branchID)
}

func (a AuthContext) CanManageLoyalty() bool {
	return a.HasRole(RoleAdmin)
}

func (a AuthContext) CanManageSettings() bool {
	return a.HasRole(RoleAdmin)
}

func (a AuthContext) CanRefund() bool {
	return a.HasRole(RoleBranchAdmin) || a.HasRole(RoleAdmin) || a.HasRole(RoleSystem)
}
