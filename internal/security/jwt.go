// Package security signs and verifies the short-lived JWTs that admit
// a client to the internal/websocket live-event channel — a separate
// concern from the apikey scheme that guards the REST surface (the
// apikey travels in the URL path; the websocket channel is an
// admin-facing surface that scheme was never meant to protect).
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any malformed, expired, or
// wrong-signature token.
var ErrInvalidToken = errors.New("security: invalid token")

// SessionClaims identifies the admin principal a websocket token was
// issued to.
type SessionClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies SessionClaims with a single HMAC key.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. secret must be non-empty; ttl
// is the lifetime given to every issued token.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a new token for subject (typically the apikey's owning
// user), valid from now for the issuer's configured ttl.
func (i *TokenIssuer) Issue(subject string, now time.Time) (string, error) {
	claims := SessionClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("security: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (i *TokenIssuer) Verify(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
