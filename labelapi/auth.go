package labelapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing or invalid credentials.
var ErrUnauthorized = errors.New("labelapi: unauthorized")

// Authenticator validates HS256 bearer tokens signed with a shared secret.
type Authenticator struct {
	secret   []byte
	audience string
}

// NewAuthenticator returns an authenticator for secret. A non-empty audience
// is required to appear in the token's aud claim.
func NewAuthenticator(secret []byte, audience string) *Authenticator {
	return &Authenticator{secret: secret, audience: audience}
}

// Authenticate extracts the bearer token from an Authorization header value
// and returns the subject it was issued to, together with the raw token.
func (a *Authenticator) Authenticate(header string) (subject, token string, err error) {
	if header == "" {
		return "", "", fmt.Errorf("%w: missing Authorization header", ErrUnauthorized)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", "", fmt.Errorf("%w: expected 'Bearer <token>'", ErrUnauthorized)
	}
	if a == nil || len(a.secret) == 0 {
		return "", "", fmt.Errorf("%w: authentication not configured", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return "", "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: token subject is required", ErrUnauthorized)
	}
	return claims.Subject, strings.TrimSpace(token), nil
}
