package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client looks up the caller's membership through the API using the
// caller's session cookie.
type Client struct {
	baseURL    string
	cookieName string
	sessionID  string
	http       *http.Client
}

func NewClient(baseURL, cookieName, sessionID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cookieName: cookieName,
		sessionID:  sessionID,
		http:       httpClient,
	}
}

func (c *Client) Membership(ctx context.Context, identityID string) (Membership, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/auth/membership", nil)
	if err != nil {
		return Membership{}, err
	}
	req.AddCookie(&http.Cookie{Name: c.cookieName, Value: c.sessionID})

	resp, err := c.http.Do(req)
	if err != nil {
		return Membership{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Membership{}, ErrMembershipNotFound
	default:
		return Membership{}, fmt.Errorf("membership lookup: unexpected status %d", resp.StatusCode)
	}

	var m Membership
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Membership{}, fmt.Errorf("decode membership: %w", err)
	}
	if m.UserID != identityID {
		return Membership{}, fmt.Errorf("membership lookup: session belongs to %q, not %q", m.UserID, identityID)
	}
	return m, nil
}
