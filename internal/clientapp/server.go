// Package clientapp serves the HTML dashboard. Each browser session is
// gated by a bootstrap orchestrator: pages render only once the session's
// identity and active company are known.
package clientapp

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phillip-england/minedesk/internal/auth"
	"github.com/phillip-england/minedesk/internal/bootstrap"
	"github.com/phillip-england/minedesk/internal/envutil"
	"github.com/phillip-england/minedesk/internal/middleware"
	"github.com/phillip-england/minedesk/internal/records"
	"github.com/phillip-england/minedesk/internal/tenant"
)

const (
	csrfHeaderName    = auth.CSRFHeaderName
	sessionCookieName = auth.SessionCookieName
	loadingRefresh    = 2
	loadingMessage    = "Please wait, while we're trying to fetch your details !!"

	sessionExpiredMessage = "Session expired"
)

type Config struct {
	Addr             string        `env:"CLIENT_ADDR" envDefault:":3000"`
	APIBaseURL       string        `env:"API_BASE_URL" envDefault:"http://localhost:8080"`
	BootstrapTimeout time.Duration `env:"BOOTSTRAP_TIMEOUT" envDefault:"180s"`
	GateWait         time.Duration `env:"GATE_WAIT" envDefault:"1500ms"`
	GateIdle         time.Duration `env:"GATE_IDLE" envDefault:"30m"`
	ReadTimeout      time.Duration `env:"CLIENT_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout     time.Duration `env:"CLIENT_WRITE_TIMEOUT" envDefault:"30s"`
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envutil.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type pageData struct {
	Title   string
	Error   string
	Message string
	Notice  string
	Loading string
	CSRF    string
	Refresh int

	Identity    *auth.Identity
	Tenant      *tenant.Tenant
	Collections []records.Collection
	Collection  *records.Collection
	Headers     []string
	Rows        []rowView
	Fields      []fieldView
	RecordID    string
}

//go:embed templates/base.html templates/login.html templates/loading.html templates/home.html templates/collection.html templates/record.html assets/app.css
var templatesFS embed.FS

type server struct {
	apiBaseURL string
	apiClient  *http.Client
	gates      *gates
	gateWait   time.Duration
	log        *slog.Logger

	loginTmpl      *template.Template
	loadingTmpl    *template.Template
	homeTmpl       *template.Template
	collectionTmpl *template.Template
	recordTmpl     *template.Template
}

func parsePage(name string) *template.Template {
	return template.Must(template.ParseFS(templatesFS, "templates/base.html", "templates/"+name))
}

func newServer(ctx context.Context, cfg Config, apiClient *http.Client, log *slog.Logger) *server {
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = bootstrap.DefaultTimeout
	}
	if cfg.GateWait <= 0 {
		cfg.GateWait = 1500 * time.Millisecond
	}
	if cfg.GateIdle <= 0 {
		cfg.GateIdle = 30 * time.Minute
	}
	if apiClient == nil {
		apiClient = &http.Client{Timeout: 8 * time.Second}
	}
	return &server{
		apiBaseURL:     cfg.APIBaseURL,
		apiClient:      apiClient,
		gates:          newGates(ctx, cfg, apiClient, log),
		gateWait:       cfg.GateWait,
		log:            log,
		loginTmpl:      parsePage("login.html"),
		loadingTmpl:    parsePage("loading.html"),
		homeTmpl:       parsePage("home.html"),
		collectionTmpl: parsePage("collection.html"),
		recordTmpl:     parsePage("record.html"),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", http.HandlerFunc(s.home))
	mux.Handle("/login", http.HandlerFunc(s.loginRoute))
	mux.Handle("/logout", http.HandlerFunc(s.logout))
	mux.Handle("/app/", middleware.Chain(http.HandlerFunc(s.appRoutes), s.requireReady))
	mux.Handle("/assets/app.css", http.HandlerFunc(s.appCSSFile))
	mux.Handle("/healthz", http.HandlerFunc(s.healthz))

	csp := strings.Join([]string{
		"default-src 'self'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data:",
		"form-action 'self'",
		"frame-ancestors 'none'",
	}, "; ")

	return middleware.Chain(
		mux,
		middleware.RequestLogger(s.log),
		middleware.SecurityHeaders(middleware.SecurityHeadersConfig{ContentSecurityPolicy: csp}),
	)
}

func Run(ctx context.Context, cfg Config, log *slog.Logger) error {
	s := newServer(ctx, cfg, nil, log)
	defer s.gates.closeAll()
	go s.gates.sweepEvery(ctx, time.Minute)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("client listening", "addr", cfg.Addr, "api", cfg.APIBaseURL)
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

// home is the bootstrap gate: it waits briefly for the session's bootstrap
// to settle, then shows the dashboard, the login page or the loading view.
func (s *server) home(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sid := sessionIDFromRequest(r)
	if sid == "" {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	o := s.gates.get(sid)
	ctx, cancel := context.WithTimeout(r.Context(), s.gateWait)
	st, _ := o.Await(ctx, bootstrap.State.Settled)
	cancel()

	switch st.Phase {
	case bootstrap.PhaseReady:
		identity, err := s.gates.authClient(sid).CurrentIdentity(r.Context())
		if err != nil {
			s.log.Warn("session recheck failed", "err", err)
		} else if identity == nil {
			s.gates.release(sid)
			expireSessionCookie(w)
			http.Redirect(w, r, "/login?error="+url.QueryEscape(sessionExpiredMessage), http.StatusFound)
			return
		}
		data := pageData{
			Title:       st.Tenant.Name,
			Identity:    st.Identity,
			Tenant:      st.Tenant,
			Collections: records.All(),
			Message:     r.URL.Query().Get("message"),
		}
		s.render(w, s.homeTmpl, data)
	case bootstrap.PhaseLoginRequired:
		s.gates.release(sid)
		expireSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
	case bootstrap.PhaseTimedOut:
		s.gates.release(sid)
		expireSessionCookie(w)
		http.Redirect(w, r, "/login?error="+url.QueryEscape(bootstrap.NoticeFetchFailed), http.StatusFound)
	default:
		w.Header().Set("Cache-Control", "no-store")
		s.render(w, s.loadingTmpl, pageData{
			Title:   "Loading",
			Loading: loadingMessage,
			Notice:  st.Notice,
			Refresh: loadingRefresh,
		})
	}
}

func (s *server) loginRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.loginPage(w, r)
	case http.MethodPost:
		s.login(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) loginPage(w http.ResponseWriter, r *http.Request) {
	if sid := sessionIDFromRequest(r); sid != "" {
		if o, ok := s.gates.peek(sid); ok && o.State().Phase == bootstrap.PhaseReady {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
	}
	s.render(w, s.loginTmpl, pageData{Title: "Sign in", Error: r.URL.Query().Get("error")})
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Redirect(w, r, "/login?error=Invalid+form+submission", http.StatusFound)
		return
	}
	email := strings.TrimSpace(r.FormValue("email"))
	password := r.FormValue("password")
	if email == "" || password == "" {
		http.Redirect(w, r, "/login?error=Email+and+password+are+required", http.StatusFound)
		return
	}

	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	apiResp, err := s.apiRequest(r, http.MethodPost, "/api/auth/login", bytes.NewReader(body), "application/json", "")
	if err != nil {
		s.log.Warn("login request failed", "err", err)
		http.Redirect(w, r, "/login?error=Authentication+service+unavailable", http.StatusFound)
		return
	}
	defer apiResp.Body.Close()

	switch apiResp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		http.Redirect(w, r, "/login?error=Too+many+attempts%2C+try+again+shortly", http.StatusFound)
		return
	default:
		http.Redirect(w, r, "/login?error=Invalid+credentials", http.StatusFound)
		return
	}

	var payload loginResponse
	if err := json.NewDecoder(apiResp.Body).Decode(&payload); err != nil || payload.SessionID == "" {
		http.Redirect(w, r, "/login?error=Unable+to+authenticate", http.StatusFound)
		return
	}

	if old := sessionIDFromRequest(r); old != "" {
		s.gates.release(old)
	}
	setSessionCookie(w, payload.SessionID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sid := sessionIDFromRequest(r)
	if sid != "" {
		var err error
		if o, ok := s.gates.peek(sid); ok {
			err = o.SignOut(r.Context())
		} else {
			err = s.gates.authClient(sid).SignOut(r.Context())
		}
		if err != nil {
			s.log.Warn("sign out failed", "err", err)
		}
		s.gates.release(sid)
	}
	expireSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *server) appCSSFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := templatesFS.ReadFile("assets/app.css")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(data)
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "sessions": s.gates.len()})
}

func (s *server) render(w http.ResponseWriter, tmpl *template.Template, data pageData) {
	if err := renderHTMLTemplate(w, tmpl, data); err != nil {
		http.Error(w, "template render failed", http.StatusInternalServerError)
		s.log.Error("template render failed", "template", tmpl.Name(), "err", err)
	}
}

func renderHTMLTemplate(w http.ResponseWriter, tmpl *template.Template, data pageData) error {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := w.Write(buf.Bytes())
	return err
}

func sessionIDFromRequest(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func copySessionCookieHeader(from *http.Request, to *http.Request) {
	if sid := sessionIDFromRequest(from); sid != "" {
		to.Header.Set("Cookie", sessionCookieName+"="+sid)
	}
}

func setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func expireSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}
