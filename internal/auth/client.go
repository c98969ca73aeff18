package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	SessionCookieName = "minedesk_session"
	CSRFHeaderName    = "X-CSRF-Token"
)

// Client reads the identity behind one API session and follows its
// session-change events.
type Client struct {
	baseURL   string
	sessionID string
	http      *http.Client
	dialer    *websocket.Dialer
	log       *slog.Logger
}

func NewClient(baseURL, sessionID string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		http:      httpClient,
		dialer:    &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		log:       log,
	}
}

type sessionResponse struct {
	Identity *Identity `json:"identity"`
}

// CurrentIdentity returns nil without error when the session is missing,
// expired or unknown to the API.
func (c *Client) CurrentIdentity(ctx context.Context) (*Identity, error) {
	if c.sessionID == "" {
		return nil, nil
	}
	resp, err := c.do(ctx, http.MethodGet, "/api/auth/session", "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, nil
	default:
		return nil, fmt.Errorf("session lookup: unexpected status %d", resp.StatusCode)
	}

	var payload sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if payload.Identity == nil || payload.Identity.ID == "" {
		return nil, errors.New("session lookup: response has no identity")
	}
	return payload.Identity, nil
}

// Subscribe opens the event stream for the session and calls fn for every
// event until the returned func is called. fn runs on the stream's reader
// goroutine. If the stream ends on its own, fn gets one final
// EventStreamClosed.
func (c *Client) Subscribe(ctx context.Context, fn func(Event)) (func(), error) {
	ticket, err := c.streamTicket(ctx)
	if err != nil {
		return nil, err
	}

	streamURL, err := websocketURL(c.baseURL, "/api/auth/events")
	if err != nil {
		return nil, err
	}
	streamURL += "?ticket=" + url.QueryEscape(ticket)

	conn, _, err := c.dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	var closing atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				if closing.Load() {
					return
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Debug("event stream closed by api")
				} else {
					c.log.Warn("event stream lost", "err", err)
				}
				fn(Event{Type: EventStreamClosed})
				return
			}
			fn(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			closing.Store(true)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
			<-done
		})
	}, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	csrf, err := c.csrfToken(ctx)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/auth/logout", csrf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("sign out: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) streamTicket(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/auth/stream-ticket", "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stream ticket: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode stream ticket: %w", err)
	}
	if payload.Ticket == "" {
		return "", errors.New("stream ticket: empty ticket")
	}
	return payload.Ticket, nil
}

func (c *Client) csrfToken(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/auth/csrf", "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("csrf token: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.CSRFToken == "" {
		return "", errors.New("missing csrf token")
	}
	return payload.CSRFToken, nil
}

func (c *Client) do(ctx context.Context, method, path, csrf string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: c.sessionID})
	if csrf != "" {
		req.Header.Set(CSRFHeaderName, csrf)
	}
	return c.http.Do(req)
}

func websocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}
	return u.String(), nil
}
