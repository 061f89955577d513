// Package token manages the bearer credential used for registry calls.
package token

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is an access token with its expiry and optional refresh token.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// Valid reports whether the credential carries an access token.
func (c Credential) Valid() bool { return c.AccessToken != "" }

// ExpiresBefore reports whether the credential expires within margin of now.
// A credential without a known expiry never expires proactively.
func (c Credential) ExpiresBefore(margin time.Duration, now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(c.ExpiresAt)
}

// Source obtains a fresh credential from the identity provider.
// refreshToken is empty when no refresh token is known.
type Source interface {
	Fetch(ctx context.Context, refreshToken string) (Credential, error)
}

// Store persists the credential between process runs.
type Store interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, c Credential) error
}

// ExpiryFromJWT reads the exp claim of a JWT without verifying it.
func ExpiryFromJWT(raw string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// StaticSource always returns the same access token. Its expiry is taken from the
// token itself when it is a JWT.
type StaticSource struct {
	Token string
}

// Fetch implements Source.
func (s StaticSource) Fetch(context.Context, string) (Credential, error) {
	c := Credential{AccessToken: s.Token}
	if exp, ok := ExpiryFromJWT(s.Token); ok {
		c.ExpiresAt = exp
	}
	return c, nil
}
