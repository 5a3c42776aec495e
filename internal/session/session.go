// Package session reads the claims of the access token the transport and
// REST client authenticate with. Signatures are not verified here; the chat
// server does that. The engine only needs the subject (to stamp tombstones
// and receipts) and the expiry (to skip connect attempts that would be
// rejected anyway).
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired is returned when the token's exp claim has passed.
	ErrTokenExpired = errors.New("session: token expired")

	// ErrMalformed is returned for a token that is not a parseable JWT.
	ErrMalformed = errors.New("session: malformed token")
)

// Info is what the engine knows about a token.
type Info struct {
	Subject   string
	ExpiresAt time.Time // zero when the token has no exp claim
	IssuedAt  time.Time
}

// Inspect parses token without verifying its signature.
func Inspect(token string) (Info, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	info := Info{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time
	}
	return info, nil
}

// Subject returns the sub claim.
func Subject(token string) (string, error) {
	info, err := Inspect(token)
	if err != nil {
		return "", err
	}
	return info.Subject, nil
}

// Expired reports whether token's exp claim is at or before now. Tokens
// without exp never expire.
func Expired(token string, now time.Time) (bool, error) {
	info, err := Inspect(token)
	if err != nil {
		return false, err
	}
	return !info.ExpiresAt.IsZero() && !now.Before(info.ExpiresAt), nil
}

// Check returns ErrTokenExpired when token is expired at now. Opaque
// (non-JWT) tokens pass, since only the server can judge them.
func Check(token string, now time.Time) error {
	expired, err := Expired(token, now)
	if err != nil {
		return nil
	}
	if expired {
		return ErrTokenExpired
	}
	return nil
}
