package session

import "errors"

var (
	// ErrNotAuthenticated is returned when an operation requires a session
	// and none exists.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNoToken rejects token responses without an access token.
	ErrNoToken = errors.New("token response contains no access token")

	// ErrNoRefreshToken is returned by Refresh when the current session
	// carries no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// AuthenticationError reports rejected credentials or a login call that
// failed before a usable response was received.
type AuthenticationError struct {
	Cause error
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Cause.Error()
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// SessionInvalidError is terminal: the refresh token was rejected (or the
// session hard-expired with no way back) and the manager has already
// transitioned to logged out.
type SessionInvalidError struct {
	Cause error
}

func (e *SessionInvalidError) Error() string {
	return "session invalidated: " + e.Cause.Error()
}

func (e *SessionInvalidError) Unwrap() error { return e.Cause }
