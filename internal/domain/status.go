package domain

import "time"

type SessionStatus string

const (
	StatusIdle          SessionStatus = "idle"
	StatusConnecting    SessionStatus = "connecting"
	StatusConnected     SessionStatus = "connected"
	StatusReconnecting  SessionStatus = "reconnecting"
	StatusDisconnecting SessionStatus = "disconnecting"
	StatusClosed        SessionStatus = "closed"
)

type AuthStatus string

const (
	AuthUnauthenticated AuthStatus = "unauthenticated"
	AuthAuthenticating  AuthStatus = "authenticating"
	AuthAuthorized      AuthStatus = "authorized"
	AuthUnauthorized    AuthStatus = "unauthorized"
)

type SessionEventKind string

const (
	SessionConnecting      SessionEventKind = "connecting"
	SessionConnected       SessionEventKind = "connected"
	SessionReconnecting    SessionEventKind = "reconnecting"
	SessionDisconnected    SessionEventKind = "disconnected"
	SessionAuthError       SessionEventKind = "auth_error"
	SessionExpiring        SessionEventKind = "expiring"
	SessionReauthenticated SessionEventKind = "reauthenticated"
)

// SessionEvent is what the session publishes on the lifecycle channel.
type SessionEvent struct {
	Kind       SessionEventKind
	Status     SessionStatus
	AuthStatus AuthStatus
	Protocol   string
	Reconnect  bool
	Err        error
	// ExpiresIn is set on SessionExpiring.
	ExpiresIn time.Duration
	At        time.Time
}
