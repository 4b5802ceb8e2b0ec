// Package auth exposes the authorization surface consumed by the engine.
// Token parsing, signing and revocation checks happen upstream of this
// package; by the time a Principal reaches the engine it is already
// validated.
package auth

import "github.com/google/uuid"

// Permission string constants recognized by the engine's processors.
const (
	PermOrdersCreate     = "orders:create"
	PermOrdersRead       = "orders:read"
	PermOrdersCancel     = "orders:cancel"
	PermPositionsRead    = "positions:read"
	PermPositionsReadAll = "positions:read_all"
	PermAccountsReadAll  = "accounts:read_all"
	PermAdminFull        = "admin:full"
)

// Principal is the authenticated identity processors consult before any
// state change or cross-account read.
type Principal struct {
	AccountID   uuid.UUID
	Username    string
	Role        string
	Permissions map[string]struct{}
	TokenID     string
}

// New builds a Principal from a permission slice, deduplicating as it goes.
func New(accountID uuid.UUID, username, role string, permissions []string, tokenID string) *Principal {
	set := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		set[p] = struct{}{}
	}
	return &Principal{
		AccountID:   accountID,
		Username:    username,
		Role:        role,
		Permissions: set,
		TokenID:     tokenID,
	}
}

// HasPermission reports whether p grants the given permission, either
// directly or via the admin:full superset.
func (p *Principal) HasPermission(permission string) bool {
	if p == nil {
		return false
	}
	if _, ok := p.Permissions[permission]; ok {
		return true
	}
	_, admin := p.Permissions[PermAdminFull]
	return admin
}

// CanAccessAccount reports whether p may read or mutate state belonging to
// target: either p owns target, or p holds admin:full / accounts:read_all.
func (p *Principal) CanAccessAccount(target uuid.UUID) bool {
	if p == nil {
		return false
	}
	if p.AccountID == target {
		return true
	}
	return p.HasPermission(PermAdminFull) || p.HasPermission(PermAccountsReadAll)
}
