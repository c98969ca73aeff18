// Package auth holds the identity model shared by the API and the dashboard:
// the authenticated principal, the session-change events published for it,
// and a client that reads both from the API.
package auth

// Identity is an authenticated principal.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type EventType string

const (
	EventSignedIn       EventType = "signed_in"
	EventSignedOut      EventType = "signed_out"
	EventTokenRefreshed EventType = "token_refreshed"

	// EventStreamClosed is raised locally by Client.Subscribe when the
	// stream ends without being unsubscribed. It is never sent by the API.
	EventStreamClosed EventType = "stream_closed"
)

// Event is a session-change notification. Identity is nil for EventSignedOut
// and EventStreamClosed.
type Event struct {
	Type     EventType `json:"type"`
	Identity *Identity `json:"identity,omitempty"`
}
