package clientapp

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/phillip-england/minedesk/internal/auth"
	"github.com/phillip-england/minedesk/internal/bootstrap"
	"github.com/phillip-england/minedesk/internal/tenant"
)

type gateEntry struct {
	orchestrator *bootstrap.Orchestrator
	lastUsed     time.Time
}

// gates keeps one bootstrap orchestrator per API session so that repeated
// page loads observe the same bootstrap instead of starting over.
type gates struct {
	ctx        context.Context
	apiBaseURL string
	apiClient  *http.Client
	timeout    time.Duration
	idle       time.Duration
	log        *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*gateEntry
}

func newGates(ctx context.Context, cfg Config, apiClient *http.Client, log *slog.Logger) *gates {
	return &gates{
		ctx:        ctx,
		apiBaseURL: cfg.APIBaseURL,
		apiClient:  apiClient,
		timeout:    cfg.BootstrapTimeout,
		idle:       cfg.GateIdle,
		log:        log,
		now:        time.Now,
		entries:    map[string]*gateEntry{},
	}
}

// get returns the session's orchestrator, starting one on first use.
func (g *gates) get(sessionID string) *bootstrap.Orchestrator {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[sessionID]; ok {
		e.lastUsed = g.now()
		return e.orchestrator
	}

	log := g.log.With("session", shortID(sessionID))
	o := bootstrap.New(
		g.authClient(sessionID),
		tenant.NewClient(g.apiBaseURL, auth.SessionCookieName, sessionID, g.apiClient),
		bootstrap.WithTimeout(g.timeout),
		bootstrap.WithLogger(log),
	)
	o.Start(g.ctx)
	g.entries[sessionID] = &gateEntry{orchestrator: o, lastUsed: g.now()}
	return o
}

func (g *gates) authClient(sessionID string) *auth.Client {
	return auth.NewClient(g.apiBaseURL, sessionID, g.apiClient, g.log.With("session", shortID(sessionID)))
}

// peek returns the orchestrator without creating one.
func (g *gates) peek(sessionID string) (*bootstrap.Orchestrator, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[sessionID]
	if !ok {
		return nil, false
	}
	e.lastUsed = g.now()
	return e.orchestrator, true
}

func (g *gates) release(sessionID string) {
	g.mu.Lock()
	e, ok := g.entries[sessionID]
	delete(g.entries, sessionID)
	g.mu.Unlock()
	if ok {
		e.orchestrator.Close()
	}
}

func (g *gates) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// sweep closes orchestrators that have not been used within the idle window.
func (g *gates) sweep() int {
	cutoff := g.now().Add(-g.idle)
	var stale []*bootstrap.Orchestrator

	g.mu.Lock()
	for id, e := range g.entries {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, e.orchestrator)
			delete(g.entries, id)
		}
	}
	g.mu.Unlock()

	for _, o := range stale {
		o.Close()
	}
	return len(stale)
}

func (g *gates) sweepEvery(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.sweep(); n > 0 {
				g.log.Info("idle bootstraps closed", "count", n)
			}
		}
	}
}

func (g *gates) closeAll() {
	g.mu.Lock()
	entries := g.entries
	g.entries = map[string]*gateEntry{}
	g.mu.Unlock()
	for _, e := range entries {
		e.orchestrator.Close()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
