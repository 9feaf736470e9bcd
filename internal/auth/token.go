// Package auth carries the server-issued bearer credential onto websocket
// dials and REST calls. Token issuance happens elsewhere; this package only
// stores, applies and inspects the token.
package auth

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the current bearer token. An empty string means
// "connect unauthenticated" (public listener endpoints allow it).
type TokenSource interface {
	Token() string
}

// Static wraps a fixed token string.
type Static string

func (s Static) Token() string { return string(s) }

// Store is a replaceable token holder: the UI layer swaps the token in on
// login/refresh and the connection layer reads it on every dial.
type Store struct {
	mu    sync.RWMutex
	token string
}

func NewStore(initial string) *Store {
	return &Store{token: initial}
}

func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Store) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Header returns the headers to attach to a dial or request for src.
// Nil when no token is set.
func Header(src TokenSource) http.Header {
	if src == nil {
		return nil
	}
	tok := src.Token()
	if tok == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	return h
}

// Expiry decodes the token's exp claim without verifying the signature
// (verification is the server's job; the client only wants to know whether
// the credential is worth dialing with). Zero time when absent or opaque.
func Expiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Expired reports whether the token carries an exp claim in the past.
// Opaque tokens are never considered expired client-side.
func Expired(token string, now time.Time) bool {
	exp := Expiry(token)
	return !exp.IsZero() && exp.Before(now)
}
