package remote

import (
	"context"
	"net/http"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// defaultTokenTTL is assumed when the service sends neither expires_in nor a
// token with a readable exp claim.
const defaultTokenTTL = time.Hour

// TokenResponse is the body returned by POST /token and POST /token/refresh.
type TokenResponse struct {
	Token           string `json:"token"`
	UserID          int64  `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserNicename    string `json:"user_nicename"`
	UserDisplayName string `json:"user_display_name"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	ExpiresIn       int64  `json:"expires_in,omitempty"`
}

// SessionExpiry resolves the token's absolute expiry: expires_in when the
// service sent one, otherwise the token's own exp claim (read without
// signature verification; the client never trusts the claim for
// authorization, only for refresh timing), otherwise a one hour default.
func (tr *TokenResponse) SessionExpiry(now time.Time) time.Time {
	if tr.ExpiresIn > 0 {
		return now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if claims := tokenClaims(tr.Token); claims != nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Time.After(now) {
			return exp.Time
		}
	}
	return now.Add(defaultTokenTTL)
}

func tokenClaims(rawToken string) jwtlib.MapClaims {
	claims := jwtlib.MapClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return nil
	}
	return claims
}

// Subscription is the service-side plan descriptor for the authenticated
// user. It is advisory metadata: the token's validity never depends on it.
type Subscription struct {
	Tier          string          `json:"tier"`
	Status        string          `json:"status"`
	Features      map[string]bool `json:"features"`
	SnapshotCount int             `json:"snapshot_count"`
	SnapshotLimit int             `json:"snapshot_limit"`
}

// FreeTier returns the most restrictive subscription, used as the safe
// default when the real descriptor cannot be fetched.
func FreeTier() *Subscription {
	return &Subscription{
		Tier:          "free",
		Status:        "active",
		Features:      map[string]bool{},
		SnapshotCount: 0,
		SnapshotLimit: 0,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges credentials for a token response.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	var tr TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/token", "", loginRequest{Username: username, Password: password}, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Refresh exchanges a refresh token for a fresh token response.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var tr TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/token/refresh", "", refreshRequest{RefreshToken: refreshToken}, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Invalidate asks the service to revoke the bearer's token.
func (c *Client) Invalidate(ctx context.Context, bearer string) error {
	return c.doJSON(ctx, http.MethodPost, "/token/invalidate", bearer, nil, nil)
}

// Subscription fetches the bearer's plan descriptor.
func (c *Client) Subscription(ctx context.Context, bearer string) (*Subscription, error) {
	var sub Subscription
	if err := c.doJSON(ctx, http.MethodGet, "/subscription", bearer, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
