package apiapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phillip-england/minedesk/internal/auth"
	"github.com/phillip-england/minedesk/internal/security"
	"github.com/phillip-england/minedesk/internal/store"
	"github.com/phillip-england/minedesk/internal/tenant"
)

type contextKey string

const (
	userContextKey    contextKey = "user"
	sessionContextKey contextKey = "session"
	tenantContextKey  contextKey = "tenant"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ticket authorizes the stream; non-browser clients send no Origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, hash, err := s.store.LookupUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.log.Error("login lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	if !security.VerifyPassword(req.Password, hash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	sessionID, err := security.RandomToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	csrfToken, err := security.RandomToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	expires := time.Now().UTC().Add(s.sessionTTL)
	sess := store.Session{ID: sessionID, UserID: user.ID, CSRFToken: csrfToken, ExpiresAt: expires}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		s.log.Error("create session failed", "err", err)
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	setSessionCookie(w, sessionID, expires, s.sessionTTL)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "authenticated",
		"sessionId": sessionID,
		"identity":  auth.Identity{ID: user.ID, Email: user.Email},
	})
}

func (s *server) session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": auth.Identity{ID: user.ID, Email: user.Email},
	})
}

func (s *server) csrfToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": sess.CSRFToken})
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := sessionFromContext(r.Context())
	user := userFromContext(r.Context())

	expires := time.Now().UTC().Add(s.sessionTTL)
	if err := s.store.ExtendSession(r.Context(), sess.ID, expires); err != nil {
		writeError(w, http.StatusInternalServerError, "unable to refresh session")
		return
	}
	identity := auth.Identity{ID: user.ID, Email: user.Email}
	s.broker.Publish(sess.ID, auth.Event{Type: auth.EventTokenRefreshed, Identity: &identity})

	setSessionCookie(w, sess.ID, expires, s.sessionTTL)
	writeJSON(w, http.StatusOK, map[string]any{"expiresAt": expires})
}

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := sessionFromContext(r.Context())
	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		s.log.Warn("delete session failed", "err", err)
	}
	s.broker.Publish(sess.ID, auth.Event{Type: auth.EventSignedOut})
	expireSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "signed out"})
}

func (s *server) streamTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := sessionFromContext(r.Context())
	ticket, err := s.tickets.Issue(sess.ID, sess.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unable to issue ticket")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ticket": ticket})
}

// events streams the session's change events over a websocket until either
// side closes it or the session is signed out.
func (s *server) events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := s.tickets.Parse(r.URL.Query().Get("ticket"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid ticket")
		return
	}
	if _, _, err := s.store.LookupSession(r.Context(), claims.SessionID); err != nil {
		if errors.Is(err, store.ErrSessionExpired) {
			s.broker.Publish(claims.SessionID, auth.Event{Type: auth.EventSignedOut})
		}
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("event stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	out := make(chan auth.Event, 8)
	done := make(chan struct{})
	unsubscribe := s.broker.Subscribe(claims.SessionID, func(ev auth.Event) {
		select {
		case out <- ev:
		case <-done:
		default:
			s.log.Warn("event stream backlog full, dropping event", "type", ev.Type)
		}
	})
	defer unsubscribe()

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case ev := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == auth.EventSignedOut {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "signed out")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *server) membership(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := userFromContext(r.Context())
	m, err := s.store.LookupMembership(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, tenant.ErrMembershipNotFound) {
			writeError(w, http.StatusNotFound, tenant.ErrTenantMissing.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "unable to load membership")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || strings.TrimSpace(cookie.Value) == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		sess, user, err := s.store.LookupSession(r.Context(), cookie.Value)
		if err != nil {
			if errors.Is(err, store.ErrSessionExpired) {
				s.broker.Publish(cookie.Value, auth.Event{Type: auth.EventSignedOut})
			}
			if errors.Is(err, store.ErrNotFound) {
				expireSessionCookie(w)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			writeError(w, http.StatusInternalServerError, "session check failed")
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, &sess)
		ctx = context.WithValue(ctx, userContextKey, &user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}
		sess := sessionFromContext(r.Context())
		if sess == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		token := strings.TrimSpace(r.Header.Get(csrfHeaderName))
		if token == "" || token != sess.CSRFToken {
			writeError(w, http.StatusForbidden, "csrf validation failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireTenant scopes the request to the caller's active company.
func (s *server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := userFromContext(r.Context())
		m, err := s.store.LookupMembership(r.Context(), user.ID)
		if err != nil && !errors.Is(err, tenant.ErrMembershipNotFound) {
			writeError(w, http.StatusInternalServerError, "unable to load membership")
			return
		}
		t, err := tenant.Check(m)
		if err != nil {
			msg := tenant.ErrTenantMissing.Error()
			if errors.Is(err, tenant.ErrTenantInactive) {
				msg = tenant.ErrTenantInactive.Error()
			}
			writeError(w, http.StatusForbidden, msg)
			return
		}
		ctx := context.WithValue(r.Context(), tenantContextKey, &t)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) *store.User {
	record, _ := ctx.Value(userContextKey).(*store.User)
	return record
}

func sessionFromContext(ctx context.Context) *store.Session {
	record, _ := ctx.Value(sessionContextKey).(*store.Session)
	return record
}

func tenantFromContext(ctx context.Context) *tenant.Tenant {
	record, _ := ctx.Value(tenantContextKey).(*tenant.Tenant)
	return record
}

func setSessionCookie(w http.ResponseWriter, id string, expires time.Time, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
		Expires:  expires,
	})
}

func expireSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}
