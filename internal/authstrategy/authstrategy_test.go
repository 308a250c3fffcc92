package authstrategy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/launch"
	"switchboard/internal/store"
)

func TestForServer(t *testing.T) {
	tests := []struct {
		name     string
		authType store.AuthType
		cfg      *launch.Config
		wantErr  bool
	}{
		{name: "none", authType: store.AuthNone, cfg: &launch.Config{}},
		{name: "empty defaults to none", authType: "", cfg: nil},
		{
			name:     "api key",
			authType: store.AuthAPIKey,
			cfg:      &launch.Config{Auth: &launch.AuthConfig{APIKey: "k"}},
		},
		{name: "api key without key", authType: store.AuthAPIKey, cfg: &launch.Config{}, wantErr: true},
		{
			name:     "google requires refresh token",
			authType: store.AuthGoogle,
			cfg:      &launch.Config{Auth: &launch.AuthConfig{ClientID: "c"}},
			wantErr:  true,
		},
		{
			name:     "notion",
			authType: store.AuthNotion,
			cfg:      &launch.Config{Auth: &launch.AuthConfig{RefreshToken: "r"}},
		},
		{name: "unknown", authType: "saml", cfg: &launch.Config{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ForServer(tt.authType, tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s)
		})
	}
}

func TestAPIKeyStrategy(t *testing.T) {
	t.Run("default bearer header", func(t *testing.T) {
		s := &apiKeyStrategy{key: "secret"}
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		require.NoError(t, s.Authenticate(context.Background(), req))
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
	})

	t.Run("custom header carries the bare key", func(t *testing.T) {
		s := &apiKeyStrategy{key: "secret", header: "X-Api-Key"}
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		require.NoError(t, s.Authenticate(context.Background(), req))
		assert.Equal(t, "secret", req.Header.Get("X-Api-Key"))
		assert.Empty(t, req.Header.Get("Authorization"))
	})
}

func TestRoundTripperClonesRequest(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := &http.Client{Transport: RoundTripper(nil, &apiKeyStrategy{key: "k"})}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer k", seen)
	assert.Empty(t, req.Header.Get("Authorization"), "original request must stay unmodified")
}

func TestRefreshingStrategyCachesUntilMargin(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls, tokenResponse{AccessToken: "fresh", ExpiresIn: 3600})
	defer srv.Close()

	s, err := newRefreshingStrategy(&launch.AuthConfig{
		RefreshToken: "r",
		TokenURL:     srv.URL,
	}, nil, refreshGitHub)
	require.NoError(t, err)

	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		require.NoError(t, s.Authenticate(context.Background(), req))
		assert.Equal(t, "Bearer fresh", req.Header.Get("Authorization"))
	}
	assert.Equal(t, int32(1), calls.Load(), "a valid token must be served from cache")
}

func TestRefreshingStrategyRefreshesInsideMargin(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls, tokenResponse{AccessToken: "new", RefreshToken: "r2", ExpiresIn: 3600})
	defer srv.Close()

	persisted := make(chan launch.AuthConfig, 1)
	s, err := newRefreshingStrategy(&launch.AuthConfig{
		AccessToken:  "stale",
		RefreshToken: "r1",
		TokenURL:     srv.URL,
		ExpiresAt:    time.Now().Add(time.Minute), // inside the 5m margin
	}, func(_ context.Context, auth *launch.AuthConfig) error {
		persisted <- *auth
		return nil
	}, refreshGitHub)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	require.NoError(t, s.Authenticate(context.Background(), req))
	assert.Equal(t, "Bearer new", req.Header.Get("Authorization"))

	select {
	case got := <-persisted:
		assert.Equal(t, "new", got.AccessToken)
		assert.Equal(t, "r2", got.RefreshToken)
		assert.False(t, got.ExpiresAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("rotation was not persisted")
	}
}

func TestRefreshingStrategyPreservesRefreshToken(t *testing.T) {
	var calls atomic.Int32
	// Provider omits the refresh token on rotation.
	srv := newTokenServer(t, &calls, tokenResponse{AccessToken: "new", ExpiresIn: 60})
	defer srv.Close()

	persisted := make(chan launch.AuthConfig, 1)
	s, err := newRefreshingStrategy(&launch.AuthConfig{
		RefreshToken: "keep-me",
		TokenURL:     srv.URL,
	}, func(_ context.Context, auth *launch.AuthConfig) error {
		persisted <- *auth
		return nil
	}, refreshNotion)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	require.NoError(t, s.Authenticate(context.Background(), req))

	got := <-persisted
	assert.Equal(t, "keep-me", got.RefreshToken)
}

func TestRefreshingStrategyRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, err := newRefreshingStrategy(&launch.AuthConfig{
		RefreshToken: "revoked",
		TokenURL:     srv.URL,
	}, nil, refreshGitHub)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	err = s.Authenticate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestNotionRefreshRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "cid", user)
		assert.Equal(t, "csecret", pass)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grant_type"])
		assert.Equal(t, "r", body["refresh_token"])

		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "a", ExpiresIn: 60})
	}))
	defer srv.Close()

	auth := &launch.AuthConfig{ClientID: "cid", ClientSecret: "csecret", RefreshToken: "r", TokenURL: srv.URL}
	resp, err := refreshNotion(context.Background(), srv.Client(), auth)
	require.NoError(t, err)
	assert.Equal(t, "a", resp.AccessToken)
}

func TestGitHubRefreshRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "cid", r.Form.Get("client_id"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "a", RefreshToken: "r2", ExpiresIn: 28800})
	}))
	defer srv.Close()

	auth := &launch.AuthConfig{ClientID: "cid", ClientSecret: "cs", RefreshToken: "r", TokenURL: srv.URL}
	resp, err := refreshGitHub(context.Background(), srv.Client(), auth)
	require.NoError(t, err)
	assert.Equal(t, "a", resp.AccessToken)
	assert.Equal(t, "r2", resp.RefreshToken)
}

func TestRefresherForcesExchange(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls, tokenResponse{AccessToken: "forced", ExpiresIn: 3600})
	defer srv.Close()

	s, err := newRefreshingStrategy(&launch.AuthConfig{
		AccessToken:  "valid",
		RefreshToken: "r",
		TokenURL:     srv.URL,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil, refreshGitHub)
	require.NoError(t, err)

	var _ Refresher = s

	// The cached token is valid, so only a forced refresh hits the endpoint.
	token, err := s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "valid", token)
	assert.Equal(t, int32(0), calls.Load())

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	token, err = s.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "forced", token)
	assert.False(t, s.Expiry().IsZero())
}

func TestIsAuthError(t *testing.T) {
	assert.False(t, IsAuthError(nil))
	assert.False(t, IsAuthError(errors.New("connection refused")))
	assert.True(t, IsAuthError(errors.New("request failed with status 401 Unauthorized")))
	assert.True(t, IsAuthError(errors.New("oauth: invalid_token")))
	assert.True(t, IsAuthError(ErrUnauthorized))

	// Credential rejections that carry no 401 wording still count.
	assert.True(t, IsAuthError(errors.New("unauthorized")))
	assert.True(t, IsAuthError(errors.New("oauth2: cannot fetch token: 400 Bad Request")))
	assert.True(t, IsAuthError(errors.New("token refresh failed with status 400")))
}

// newTokenServer counts exchanges and answers with a fixed token response.
func newTokenServer(t *testing.T, calls *atomic.Int32, resp tokenResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(resp)
	}))
}
