package entitlement

import (
	"context"
	"strings"
)

// Role is an entitlement held on the chat platform
type Role struct {
	ID   string
	Name string
}

// Provider is the chat platform's role surface. Implementations must treat
// adding a held role or removing an absent one as a no-op.
type Provider interface {
	// MemberRoles returns the roles held by identity. An identity unknown to
	// the platform yields domain.ErrIdentityNotFound.
	MemberRoles(ctx context.Context, identity string) ([]Role, error)
	// RolesByName returns the roles whose name matches, case-insensitively
	RolesByName(ctx context.Context, name string) ([]Role, error)
	AddRole(ctx context.Context, identity, roleID string) error
	RemoveRole(ctx context.Context, identity, roleID string) error
}

func hasRoleNamed(roles []Role, name string) bool {
	for _, r := range roles {
		if strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}
