package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"messenger/relay/internal/auth"
)

type upgradeAuthenticator interface {
	Authenticate(r *http.Request) (*auth.Claims, error)
}

type jwtUpgradeAuthenticator struct {
	verifier *auth.Verifier
}

func newJWTUpgradeAuthenticator(secret string, leeway time.Duration) (upgradeAuthenticator, error) {
	verifier, err := auth.NewVerifier(secret, leeway)
	if err != nil {
		return nil, err
	}
	return &jwtUpgradeAuthenticator{verifier: verifier}, nil
}

// Authenticate extracts the bearer token from the upgrade request and binds
// the caller's identity before any frame is exchanged.
func (a *jwtUpgradeAuthenticator) Authenticate(r *http.Request) (*auth.Claims, error) {
	if a == nil || a.verifier == nil {
		return nil, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return nil, errors.New("missing auth token")
	}
	return a.verifier.Validate(token)
}
