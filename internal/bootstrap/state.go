// Package bootstrap decides what a browser session is allowed to see: the
// login view, the loading view or the dashboard. It resolves the caller's
// identity, then the company that identity belongs to, and falls back to
// the login view when neither settles within the timeout budget.
package bootstrap

import (
	"errors"

	"github.com/phillip-england/minedesk/internal/auth"
	"github.com/phillip-england/minedesk/internal/tenant"
)

var (
	ErrIdentityLookupFailed = errors.New("identity lookup failed")
	ErrBootstrapTimeout     = errors.New("bootstrap timed out")
)

const (
	NoticeFetchFailed    = "Failed to fetch your data"
	NoticeTenantInactive = "Company is inactive"
)

type Phase int

const (
	PhaseInit Phase = iota
	PhaseAwaitingIdentity
	PhaseAwaitingTenant
	PhaseReady
	PhaseLoginRequired
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseAwaitingIdentity:
		return "awaiting_identity"
	case PhaseAwaitingTenant:
		return "awaiting_tenant"
	case PhaseReady:
		return "ready"
	case PhaseLoginRequired:
		return "login_required"
	case PhaseTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Awaiting reports whether the timeout budget applies to p.
func (p Phase) Awaiting() bool {
	return p == PhaseAwaitingIdentity || p == PhaseAwaitingTenant
}

// State is a snapshot of the bootstrap. Identity and Tenant are never
// mutated after they are published, so snapshots may share them.
type State struct {
	Phase        Phase
	Identity     *auth.Identity
	Tenant       *tenant.Tenant
	Resolving    bool
	TimedOut     bool
	Notice       string
	RequestToken uint64
}

// Settled reports whether the bootstrap has reached a view other than the
// loading view.
func (s State) Settled() bool {
	switch s.Phase {
	case PhaseReady, PhaseLoginRequired, PhaseTimedOut:
		return true
	}
	return false
}
