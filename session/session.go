// Package session owns the authenticated identity: acquiring it, keeping its
// token fresh, persisting it across restarts and broadcasting state changes.
package session

import (
	"time"

	"github.com/formcraft/synckit/remote"
)

// Session is the locally held authenticated identity. A Session always
// carries an access token; "logged out" is represented by the absence of a
// Session, never by one with an empty token. Sessions are replaced wholesale
// on refresh, never mutated in place.
type Session struct {
	UserID       int64
	Username     string
	Email        string
	DisplayName  string
	AvatarURL    string
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
	Subscription *remote.Subscription
}

// NewFromTokenResponse builds a Session from a login or refresh response.
func NewFromTokenResponse(tr *remote.TokenResponse, now time.Time) (*Session, error) {
	if tr == nil || tr.Token == "" {
		return nil, ErrNoToken
	}
	return &Session{
		UserID:       tr.UserID,
		Username:     tr.UserNicename,
		Email:        tr.UserEmail,
		DisplayName:  tr.UserDisplayName,
		AvatarURL:    tr.AvatarURL,
		Token:        tr.Token,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    tr.SessionExpiry(now),
	}, nil
}

// withToken returns a copy of s carrying the new token and expiry. The
// refresh token rotates only when the response includes a replacement.
func (s *Session) withToken(tr *remote.TokenResponse, now time.Time) (*Session, error) {
	if tr == nil || tr.Token == "" {
		return nil, ErrNoToken
	}
	next := *s
	next.Token = tr.Token
	next.ExpiresAt = tr.SessionExpiry(now)
	if tr.RefreshToken != "" {
		next.RefreshToken = tr.RefreshToken
	}
	return &next, nil
}

// Valid reports whether the access token is still inside its lifetime.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}
