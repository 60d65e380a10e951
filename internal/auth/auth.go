// Package auth issues and checks the bearer tokens that guard the websocket
// endpoint when a secret is configured.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const issuer = "outlineserver"

var ErrNoToken = errors.New("missing token")

type Claims struct {
	gojwt.RegisteredClaims
}

// Authority signs and verifies HS256 tokens with a shared secret.
type Authority struct {
	secret []byte
}

func New(secret string) *Authority {
	return &Authority{secret: []byte(secret)}
}

// Issue signs a token for subject. A token with ttl <= 0 never expires.
func (a *Authority) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if 0 < ttl {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks a signed token and returns its subject.
func (a *Authority) Verify(tokenString string) (string, error) {
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(issuer),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(token *gojwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("verifying token: %w", err)
	}
	return claims.Subject, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for clients that cannot set headers on a
// websocket upgrade.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return "", fmt.Errorf("%w: malformed authorization header", ErrNoToken)
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}

// Authenticate verifies the token carried by r.
func (a *Authority) Authenticate(r *http.Request) (string, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	return a.Verify(token)
}
