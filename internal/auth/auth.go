// Package auth identifies the owner behind an HTTP request. The owner id
// it produces is the only identity the rest of the service trusts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/tally/internal/config"
)

// ErrUnauthenticated is returned when a request carries no valid
// credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves a request to an owner id.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// TokenAuthenticator accepts bearer tokens whose bcrypt hash is listed
// in config.
type TokenAuthenticator struct {
	tokens []config.TokenConfig
}

// NewTokenAuthenticator creates an authenticator for the given tokens.
func NewTokenAuthenticator(tokens []config.TokenConfig) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

// Authenticate checks the Authorization: Bearer header.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	token = strings.TrimSpace(token)
	for _, t := range a.tokens {
		if bcrypt.CompareHashAndPassword([]byte(t.TokenHash), []byte(token)) == nil {
			return t.Owner, nil
		}
	}
	return "", fmt.Errorf("%w: unknown token", ErrUnauthenticated)
}

// HeaderAuthenticator trusts an owner id set by an upstream proxy that
// has already authenticated the caller.
type HeaderAuthenticator struct {
	Header string
}

// Authenticate reads the trusted header.
func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(a.Header))
	if owner == "" {
		return "", fmt.Errorf("%w: missing %s header", ErrUnauthenticated, a.Header)
	}
	return owner, nil
}

// Chain tries each authenticator in order and returns the first owner.
type Chain []Authenticator

// Authenticate implements Authenticator.
func (c Chain) Authenticate(r *http.Request) (string, error) {
	err := fmt.Errorf("%w: no authentication configured", ErrUnauthenticated)
	for _, a := range c {
		var owner string
		if owner, err = a.Authenticate(r); err == nil {
			return owner, nil
		}
	}
	return "", err
}

// FromConfig builds the authenticator described by the auth section.
// The trusted header, when configured, is consulted before tokens.
func FromConfig(cfg config.AuthConfig) Authenticator {
	var chain Chain
	if cfg.TrustedHeader != "" {
		chain = append(chain, HeaderAuthenticator{Header: cfg.TrustedHeader})
	}
	if len(cfg.Tokens) > 0 {
		chain = append(chain, NewTokenAuthenticator(cfg.Tokens))
	}
	return chain
}

// HashToken returns the bcrypt hash to store in config for token.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(h), nil
}

type ownerKey struct{}

// WithOwner returns a context carrying owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner stored by WithOwner.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// Middleware authenticates every request and stores the owner in its
// context. Failures are handed to deny, which writes the response.
func Middleware(a Authenticator, deny func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := a.Authenticate(r)
			if err != nil {
				deny(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}
