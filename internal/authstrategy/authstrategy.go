// Package authstrategy decorates outgoing downstream requests with
// credentials. Each strategy owns one credential style; strategies that
// rotate tokens report the updated material through a persist callback so
// the encrypted launch config stays current across restarts.
package authstrategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"switchboard/internal/launch"
	"switchboard/internal/store"
)

// refreshMargin is how long before expiry a token is refreshed. Refreshing
// early keeps in-flight requests from racing the expiry instant.
const refreshMargin = 5 * time.Minute

// Strategy adds credentials to an outgoing HTTP request.
type Strategy interface {
	Authenticate(ctx context.Context, req *http.Request) error
}

// Refresher is implemented by strategies whose credentials expire. The
// supervisor uses it to inject tokens into stdio environments and to
// schedule proactive refreshes ahead of expiry.
type Refresher interface {
	Strategy
	// AccessToken returns a currently valid token, refreshing if needed.
	AccessToken(ctx context.Context) (string, error)
	// Expiry returns when the cached token expires; zero means unknown.
	Expiry() time.Time
	// Refresh forces a token exchange regardless of the cached state.
	Refresh(ctx context.Context) error
}

// PersistFunc stores rotated credential material. Strategies call it after
// a successful refresh; failures are reported but do not fail the request
// that triggered the rotation.
type PersistFunc func(ctx context.Context, auth *launch.AuthConfig) error

// ForServer builds the strategy matching a server's auth type from its
// decrypted launch config.
func ForServer(authType store.AuthType, cfg *launch.Config, persist PersistFunc) (Strategy, error) {
	var auth *launch.AuthConfig
	if cfg != nil {
		auth = cfg.Auth
	}

	switch authType {
	case store.AuthNone, "":
		return noneStrategy{}, nil
	case store.AuthAPIKey:
		if auth == nil || auth.APIKey == "" {
			return nil, fmt.Errorf("auth type %s requires an apiKey", authType)
		}
		return &apiKeyStrategy{key: auth.APIKey, header: auth.Header}, nil
	case store.AuthGoogle:
		return newGoogleStrategy(auth, persist)
	case store.AuthNotion:
		return newRefreshingStrategy(auth, persist, refreshNotion)
	case store.AuthGitHub:
		return newRefreshingStrategy(auth, persist, refreshGitHub)
	default:
		return nil, fmt.Errorf("unknown auth type %q", authType)
	}
}

// RoundTripper wraps base so every outgoing request passes through the
// strategy. The request is cloned before mutation.
func RoundTripper(base http.RoundTripper, s Strategy) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authRoundTripper{base: base, strategy: s}
}

type authRoundTripper struct {
	base     http.RoundTripper
	strategy Strategy
}

func (a *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if err := a.strategy.Authenticate(clone.Context(), clone); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return a.base.RoundTrip(clone)
}

// ErrUnauthorized marks downstream failures caused by rejected credentials.
var ErrUnauthorized = errors.New("downstream rejected credentials")

// IsAuthError reports whether an error looks like a credential rejection.
// The MCP client libraries surface HTTP failures as formatted strings, so
// beyond the sentinel this falls back to pattern matching.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	msg := strings.ToLower(err.Error())
	markers := []string{
		"unauthorized",
		"bad request",
		"status 400", "status code 400",
		"status 401", "status code 401",
		"invalid_token", "invalid_grant",
		"token expired",
	}
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// noneStrategy leaves requests untouched.
type noneStrategy struct{}

func (noneStrategy) Authenticate(context.Context, *http.Request) error { return nil }

// apiKeyStrategy sends a static credential. The default placement is a
// bearer Authorization header; a custom header name sends the bare key.
type apiKeyStrategy struct {
	key    string
	header string
}

func (s *apiKeyStrategy) Authenticate(_ context.Context, req *http.Request) error {
	if s.header != "" {
		req.Header.Set(s.header, s.key)
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+s.key)
	return nil
}
