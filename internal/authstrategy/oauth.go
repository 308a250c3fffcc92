package authstrategy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"switchboard/internal/launch"
	"switchboard/pkg/logging"
)

const (
	notionTokenURL = "https://api.notion.com/v1/oauth/token"
	githubTokenURL = "https://github.com/login/oauth/access_token"
)

// googleStrategy delegates token lifecycle to x/oauth2. The token source
// refreshes ahead of expiry; rotations are persisted when the access token
// changes.
type googleStrategy struct {
	source  oauth2.TokenSource
	persist PersistFunc
	auth    launch.AuthConfig

	mu       sync.Mutex
	lastSeen string
}

func newGoogleStrategy(auth *launch.AuthConfig, persist PersistFunc) (*googleStrategy, error) {
	if auth == nil || auth.RefreshToken == "" {
		return nil, fmt.Errorf("auth type google requires a refreshToken")
	}

	conf := &oauth2.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       auth.Scopes,
	}
	seed := &oauth2.Token{
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
		Expiry:       auth.ExpiresAt,
	}
	source := oauth2.ReuseTokenSourceWithExpiry(seed, conf.TokenSource(context.Background(), seed), refreshMargin)

	return &googleStrategy{
		source:   source,
		persist:  persist,
		auth:     *auth,
		lastSeen: auth.AccessToken,
	}, nil
}

func (s *googleStrategy) Authenticate(ctx context.Context, req *http.Request) error {
	token, err := s.source.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	token.SetAuthHeader(req)
	s.persistIfRotated(ctx, token)
	return nil
}

func (s *googleStrategy) AccessToken(ctx context.Context) (string, error) {
	token, err := s.source.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	s.persistIfRotated(ctx, token)
	return token.AccessToken, nil
}

func (s *googleStrategy) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.ExpiresAt
}

func (s *googleStrategy) Refresh(ctx context.Context) error {
	_, err := s.AccessToken(ctx)
	return err
}

func (s *googleStrategy) persistIfRotated(ctx context.Context, token *oauth2.Token) {
	s.mu.Lock()
	rotated := token.AccessToken != s.lastSeen
	if rotated {
		s.lastSeen = token.AccessToken
		s.auth.AccessToken = token.AccessToken
		if token.RefreshToken != "" {
			s.auth.RefreshToken = token.RefreshToken
		}
		s.auth.ExpiresAt = token.Expiry
	}
	updated := s.auth
	s.mu.Unlock()

	if !rotated || s.persist == nil {
		return
	}
	if err := s.persist(ctx, &updated); err != nil {
		logging.Warn("Auth", "Failed to persist rotated google token: %v", err)
	}
}

// refreshFunc exchanges a refresh token for new material, provider style.
type refreshFunc func(ctx context.Context, client *http.Client, auth *launch.AuthConfig) (*tokenResponse, error)

// tokenResponse is the common shape of OAuth token endpoint replies.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// refreshingStrategy serves a cached access token and refreshes it inside
// the margin. Concurrent refreshes collapse into one exchange.
type refreshingStrategy struct {
	refresh refreshFunc
	persist PersistFunc
	client  *http.Client
	group   singleflight.Group

	mu   sync.Mutex
	auth launch.AuthConfig
}

func newRefreshingStrategy(auth *launch.AuthConfig, persist PersistFunc, refresh refreshFunc) (*refreshingStrategy, error) {
	if auth == nil || auth.RefreshToken == "" {
		return nil, fmt.Errorf("oauth strategy requires a refreshToken")
	}
	return &refreshingStrategy{
		refresh: refresh,
		persist: persist,
		client:  &http.Client{Timeout: 15 * time.Second},
		auth:    *auth,
	}, nil
}

func (s *refreshingStrategy) Authenticate(ctx context.Context, req *http.Request) error {
	token, err := s.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// AccessToken returns a valid token, refreshing when the cached one is
// inside the margin.
func (s *refreshingStrategy) AccessToken(ctx context.Context) (string, error) {
	return s.token(ctx)
}

func (s *refreshingStrategy) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.ExpiresAt
}

// Refresh forces a token exchange, bypassing the cache check.
func (s *refreshingStrategy) Refresh(ctx context.Context) error {
	_, err := s.exchange(ctx, true)
	return err
}

func (s *refreshingStrategy) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	current := s.auth
	s.mu.Unlock()

	if current.AccessToken != "" && (current.ExpiresAt.IsZero() || time.Until(current.ExpiresAt) > refreshMargin) {
		return current.AccessToken, nil
	}
	return s.exchange(ctx, false)
}

func (s *refreshingStrategy) exchange(ctx context.Context, force bool) (string, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// while this one queued.
		s.mu.Lock()
		cached := s.auth
		s.mu.Unlock()
		if !force && cached.AccessToken != "" && !cached.ExpiresAt.IsZero() && time.Until(cached.ExpiresAt) > refreshMargin {
			return cached.AccessToken, nil
		}

		resp, err := s.refresh(ctx, s.client, &cached)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}

		s.mu.Lock()
		s.auth.AccessToken = resp.AccessToken
		// Providers may omit the refresh token on rotation; keep the
		// old one in that case.
		if resp.RefreshToken != "" {
			s.auth.RefreshToken = resp.RefreshToken
		}
		if resp.ExpiresIn > 0 {
			s.auth.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		} else {
			s.auth.ExpiresAt = time.Time{}
		}
		updated := s.auth
		s.mu.Unlock()

		if s.persist != nil {
			if err := s.persist(ctx, &updated); err != nil {
				logging.Warn("Auth", "Failed to persist rotated token: %v", err)
			}
		}
		return updated.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refreshNotion exchanges a refresh token at the Notion token endpoint,
// which authenticates the integration with HTTP basic auth and takes a
// JSON body.
func refreshNotion(ctx context.Context, client *http.Client, auth *launch.AuthConfig) (*tokenResponse, error) {
	endpoint := auth.TokenURL
	if endpoint == "" {
		endpoint = notionTokenURL
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": auth.RefreshToken,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(auth.ClientID, auth.ClientSecret)
	req.Header.Set("Content-Type", "application/json")

	return doTokenRequest(client, req)
}

// refreshGitHub exchanges a refresh token at the GitHub token endpoint,
// which takes form-encoded credentials and needs an explicit Accept header
// to answer in JSON.
func refreshGitHub(ctx context.Context, client *http.Client, auth *launch.AuthConfig) (*tokenResponse, error) {
	endpoint := auth.TokenURL
	if endpoint == "" {
		endpoint = githubTokenURL
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", auth.RefreshToken)
	data.Set("client_id", auth.ClientID)
	data.Set("client_secret", auth.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	return doTokenRequest(client, req)
}

func doTokenRequest(client *http.Client, req *http.Request) (*tokenResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		// The body may carry hints about the credential; log at debug
		// only and keep it out of the error.
		logging.Debug("Auth", "Token refresh failed: status=%d body=%s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("token refresh failed with status %d", resp.StatusCode)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if token.Error != "" {
		return nil, fmt.Errorf("token refresh rejected: %s", token.Error)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token refresh returned no access token")
	}
	return &token, nil
}
