// Package apiapp serves the JSON API behind the dashboard: sign-in and
// sessions, the session-change event stream, membership lookup and the
// tenant-scoped record collections.
package apiapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/phillip-england/minedesk/internal/auth"
	"github.com/phillip-england/minedesk/internal/envutil"
	"github.com/phillip-england/minedesk/internal/middleware"
	"github.com/phillip-england/minedesk/internal/security"
	"github.com/phillip-england/minedesk/internal/store"
)

const (
	sessionCookieName = auth.SessionCookieName
	csrfHeaderName    = auth.CSRFHeaderName
	maxImportBytes    = 10 << 20
)

type Config struct {
	Addr               string        `env:"API_ADDR" envDefault:":8080"`
	DBPath             string        `env:"DB_PATH" envDefault:"data/minedesk.db"`
	SessionTTL         time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	StreamTicketSecret string        `env:"STREAM_TICKET_SECRET"`
	LoginRate          float64       `env:"LOGIN_RATE" envDefault:"0.2"`
	LoginBurst         int           `env:"LOGIN_BURST" envDefault:"5"`
	SeedCompanyName    string        `env:"SEED_COMPANY_NAME"`
	SeedAdminEmail     string        `env:"SEED_ADMIN_EMAIL"`
	SeedAdminPassword  string        `env:"SEED_ADMIN_PASSWORD"`
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envutil.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type server struct {
	store      *store.Store
	broker     *auth.Broker
	tickets    *auth.TicketIssuer
	sessionTTL time.Duration
	log        *slog.Logger
}

func newServer(st *store.Store, cfg Config, log *slog.Logger) (*server, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	tickets, err := auth.NewTicketIssuer(cfg.StreamTicketSecret, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("STREAM_TICKET_SECRET: %w", err)
	}
	return &server{
		store:      st,
		broker:     auth.NewBroker(),
		tickets:    tickets,
		sessionTTL: cfg.SessionTTL,
		log:        log,
	}, nil
}

// NewHandler builds the API over an already open store.
func NewHandler(st *store.Store, cfg Config, log *slog.Logger) (http.Handler, error) {
	s, err := newServer(st, cfg, log)
	if err != nil {
		return nil, err
	}
	return s.routes(cfg), nil
}

func (s *server) routes(cfg Config) http.Handler {
	loginLimit := cfg.LoginRate
	if loginLimit <= 0 {
		loginLimit = 0.2
	}
	burst := cfg.LoginBurst
	if burst <= 0 {
		burst = 5
	}
	limiter := middleware.NewRateLimiter(rate.Limit(loginLimit), burst)

	mux := http.NewServeMux()
	mux.Handle("/api/health", http.HandlerFunc(s.health))
	mux.Handle("/api/auth/login", middleware.Chain(http.HandlerFunc(s.login), limiter.Middleware))
	mux.Handle("/api/auth/session", middleware.Chain(http.HandlerFunc(s.session), s.requireSession))
	mux.Handle("/api/auth/csrf", middleware.Chain(http.HandlerFunc(s.csrfToken), s.requireSession))
	mux.Handle("/api/auth/refresh", middleware.Chain(http.HandlerFunc(s.refresh), s.requireSession, s.csrfProtect))
	mux.Handle("/api/auth/logout", middleware.Chain(http.HandlerFunc(s.logout), s.requireSession, s.csrfProtect))
	mux.Handle("/api/auth/stream-ticket", middleware.Chain(http.HandlerFunc(s.streamTicket), s.requireSession))
	mux.Handle("/api/auth/events", http.HandlerFunc(s.events))
	mux.Handle("/api/auth/membership", middleware.Chain(http.HandlerFunc(s.membership), s.requireSession))
	mux.Handle("/api/records/", middleware.Chain(http.HandlerFunc(s.recordsHandler), s.requireSession, s.csrfProtect, s.requireTenant))

	return middleware.Chain(
		mux,
		middleware.RequestLogger(s.log),
		middleware.SecurityHeaders(middleware.SecurityHeadersConfig{ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'"}),
	)
}

func Run(ctx context.Context, cfg Config, log *slog.Logger) error {
	st, err := store.Open(ctx, cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := seed(ctx, st, cfg, log); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	s, err := newServer(st, cfg, log)
	if err != nil {
		return err
	}
	go s.sweepSessions(ctx, time.Hour)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", cfg.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// seed creates the configured company and its owner when both are set. It
// is safe to run on every start.
func seed(ctx context.Context, st *store.Store, cfg Config, log *slog.Logger) error {
	email := strings.TrimSpace(cfg.SeedAdminEmail)
	company := strings.TrimSpace(cfg.SeedCompanyName)
	if email == "" || company == "" || cfg.SeedAdminPassword == "" {
		return nil
	}

	t, err := st.FindCompany(ctx, company)
	if errors.Is(err, store.ErrNotFound) {
		t, err = st.CreateCompany(ctx, company)
		if err == nil {
			log.Info("seeded company", "company", t.Name, "id", t.ID)
		}
	}
	if err != nil {
		return err
	}

	u, _, err := st.LookupUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		hash, hashErr := security.HashPassword(cfg.SeedAdminPassword)
		if hashErr != nil {
			return fmt.Errorf("SEED_ADMIN_PASSWORD: %w", hashErr)
		}
		u, err = st.CreateUser(ctx, email, hash)
		if err == nil {
			log.Info("seeded admin", "email", u.Email)
		}
	}
	if err != nil {
		return err
	}

	if _, err := st.LookupMembership(ctx, u.ID); err == nil {
		return nil
	}
	return st.UpsertProfile(ctx, u.ID, t.ID, "owner")
}

func (s *server) sweepSessions(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredSessions(ctx)
		}
	}
}

// sweepExpiredSessions deletes expired sessions and signs each one out of
// its open event streams.
func (s *server) sweepExpiredSessions(ctx context.Context) int {
	ids, err := s.store.DeleteExpiredSessions(ctx)
	for _, id := range ids {
		s.broker.Publish(id, auth.Event{Type: auth.EventSignedOut})
	}
	if err != nil {
		s.log.Warn("session sweep failed", "err", err)
	}
	if len(ids) > 0 {
		s.log.Info("expired sessions removed", "count", len(ids))
	}
	return len(ids)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
