// Package tenant models the company an identity belongs to and the
// membership row that links the two.
package tenant

import (
	"errors"
	"fmt"
)

var (
	// ErrMembershipNotFound is returned by directories when the identity has
	// no membership row.
	ErrMembershipNotFound = errors.New("membership not found")

	ErrTenantMissing  = errors.New("no company linked to profile")
	ErrTenantInactive = errors.New("company is inactive")
)

type Tenant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type Membership struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Tenant Tenant `json:"tenant"`
}

// Check returns the membership's tenant when it may be used to scope
// requests.
func Check(m Membership) (Tenant, error) {
	if m.Tenant.ID == "" {
		return Tenant{}, ErrTenantMissing
	}
	if !m.Tenant.Active {
		return Tenant{}, fmt.Errorf("%w: %s", ErrTenantInactive, m.Tenant.Name)
	}
	return m.Tenant, nil
}
