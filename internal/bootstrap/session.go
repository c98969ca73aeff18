package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phillip-england/minedesk/internal/auth"
)

type AuthService interface {
	CurrentIdentity(ctx context.Context) (*auth.Identity, error)
	Subscribe(ctx context.Context, fn func(auth.Event)) (func(), error)
	SignOut(ctx context.Context) error
}

// SessionResolver reads the current identity once and then follows its
// change notifications.
type SessionResolver struct {
	svc AuthService
	log *slog.Logger
}

func NewSessionResolver(svc AuthService, log *slog.Logger) *SessionResolver {
	if log == nil {
		log = slog.Default()
	}
	return &SessionResolver{svc: svc, log: log}
}

// Resolve never fails hard: a lookup error is logged and reported as an
// absent identity wrapped in ErrIdentityLookupFailed.
func (r *SessionResolver) Resolve(ctx context.Context) (*auth.Identity, error) {
	identity, err := r.svc.CurrentIdentity(ctx)
	if err != nil {
		r.log.Warn("identity lookup failed", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrIdentityLookupFailed, err)
	}
	return identity, nil
}

func (r *SessionResolver) Subscribe(ctx context.Context, fn func(auth.Event)) (func(), error) {
	unsubscribe, err := r.svc.Subscribe(ctx, fn)
	if err != nil {
		return nil, fmt.Errorf("subscribe to identity changes: %w", err)
	}
	return unsubscribe, nil
}

func (r *SessionResolver) SignOut(ctx context.Context) error {
	return r.svc.SignOut(ctx)
}
