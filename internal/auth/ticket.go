package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const ticketIssuer = "minedesk"

var ErrTicketSecretWeak = errors.New("stream ticket secret must be at least 32 bytes")

// TicketClaims bind a short-lived event-stream ticket to one session.
type TicketClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TicketIssuer signs and verifies the tickets that authorize the websocket
// event stream. Browsers cannot attach headers to a websocket handshake, so
// the ticket travels in the query string instead of the session cookie.
type TicketIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTicketIssuer(secret string, ttl time.Duration) (*TicketIssuer, error) {
	if len(secret) < 32 {
		return nil, ErrTicketSecretWeak
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TicketIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (t *TicketIssuer) Issue(sessionID, userID string) (string, error) {
	now := t.now()
	claims := TicketClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ticketIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign stream ticket: %w", err)
	}
	return signed, nil
}

func (t *TicketIssuer) Parse(ticket string) (*TicketClaims, error) {
	parsed, err := jwt.ParseWithClaims(ticket, &TicketClaims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(ticketIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*TicketClaims)
	if !ok || !parsed.Valid || claims.SessionID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
