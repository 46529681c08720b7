package auth

import (
	"errors"
	"strings"
)

var (
	ErrNoVerifier   = errors.New("authentication not configured")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Identity is the authenticated caller
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// TokenVerifier defines the interface for JWT token verification
type TokenVerifier interface {
	Validate(tokenString string) (*Identity, error)
}

// Chain tries each verifier in order and returns the first identity.
// Zitadel JWKS comes first, the legacy HMAC secret is the fallback.
type Chain []TokenVerifier

func (c Chain) Validate(tokenString string) (*Identity, error) {
	if len(c) == 0 {
		return nil, ErrNoVerifier
	}
	for _, v := range c {
		if id, err := v.Validate(tokenString); err == nil {
			return id, nil
		}
	}
	return nil, ErrInvalidToken
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
