// Package directory abstracts the organisational lookup used to turn approver
// declarations into concrete identities (users, role members, managers).
package directory

import "context"

// Identity describes a directory principal that can receive approval
// requests.
type Identity struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Email     string   `json:"email,omitempty" yaml:"email,omitempty"`
	Active    bool     `json:"active" yaml:"active"`
	ManagerID string   `json:"managerId,omitempty" yaml:"managerId,omitempty"`
	Roles     []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// HasRole reports whether the identity carries the supplied role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Service resolves identities and role memberships.
type Service interface {
	// ResolveIdentity returns the identity with the supplied ID.
	ResolveIdentity(ctx context.Context, id string) (*Identity, error)

	// ResolveRole returns all active identities holding the supplied role.
	ResolveRole(ctx context.Context, role string) ([]*Identity, error)

	// ManagerOf returns the manager of the identity with the supplied ID.
	ManagerOf(ctx context.Context, id string) (*Identity, error)
}
