package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phillip-england/minedesk/internal/auth"
	"github.com/phillip-england/minedesk/internal/tenant"
)

type TenantDirectory interface {
	Membership(ctx context.Context, identityID string) (tenant.Membership, error)
}

type tenantResult struct {
	tenant tenant.Tenant
	err    error
}

// TenantResolver maps an identity to its company. Definitive answers
// (found, missing, inactive) are cached per identity until Reset.
type TenantResolver struct {
	dir TenantDirectory
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]tenantResult
}

func NewTenantResolver(dir TenantDirectory, log *slog.Logger) *TenantResolver {
	if log == nil {
		log = slog.Default()
	}
	return &TenantResolver{dir: dir, log: log, cache: map[string]tenantResult{}}
}

// Resolve returns nil without error for an absent identity.
func (r *TenantResolver) Resolve(ctx context.Context, identity *auth.Identity) (*tenant.Tenant, error) {
	if identity == nil {
		return nil, nil
	}

	r.mu.Lock()
	cached, ok := r.cache[identity.ID]
	r.mu.Unlock()
	if ok {
		return cached.unpack()
	}

	m, err := r.dir.Membership(ctx, identity.ID)
	var res tenantResult
	switch {
	case errors.Is(err, tenant.ErrMembershipNotFound):
		res.err = tenant.ErrTenantMissing
	case err != nil:
		r.log.Warn("tenant lookup failed", "identity", identity.ID, "err", err)
		return nil, fmt.Errorf("tenant lookup: %w", err)
	default:
		res.tenant, res.err = tenant.Check(m)
	}

	r.mu.Lock()
	r.cache[identity.ID] = res
	r.mu.Unlock()
	return res.unpack()
}

func (r *TenantResolver) Reset() {
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
}

func (res tenantResult) unpack() (*tenant.Tenant, error) {
	if res.err != nil {
		return nil, res.err
	}
	t := res.tenant
	return &t, nil
}
