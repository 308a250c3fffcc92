package supervisor

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"switchboard/internal/authstrategy"
	"switchboard/internal/capabilities"
	"switchboard/internal/launch"
	"switchboard/internal/store"
	"switchboard/pkg/logging"
)

// Status is a server context's lifecycle state.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusSleeping   Status = "sleeping"
	StatusError      Status = "error"
)

const (
	// pingTimeout bounds the liveness check right after connect.
	pingTimeout = 5 * time.Second
	// initTimeout bounds the MCP initialize handshake.
	initTimeout = 10 * time.Second
	// refreshMargin is subtracted from token expiry when scheduling.
	refreshMargin = 5 * time.Minute
	// refreshFloor is the minimum delay before the next refresh attempt.
	refreshFloor = 10 * time.Second
	// transientRetryDelay is used after a refresh failure that is not a
	// credential rejection.
	transientRetryDelay = 3 * time.Minute
	// maxTimerDelay is the largest delay a timer can be armed with; the
	// scheduler clamps to it rather than overflow.
	maxTimerDelay = time.Duration(math.MaxInt32) * time.Millisecond
)

// envAccessToken is the variable an OAuth access token is injected under
// for stdio servers.
const envAccessToken = "ACCESS_TOKEN"

// ServerContext owns one live downstream connection: its transport, auth
// strategy, token refresh timer, and cached capability state. All mutation
// happens under its mutex; the connect path holds only the Connecting
// status while dialing so concurrent adds cannot double-connect.
type ServerContext struct {
	entity     *store.ServerEntity
	instanceID string
	// userID is set for temporary instances of allowUserInput templates.
	userID string

	sup *Supervisor

	mu            sync.Mutex
	status        Status
	client        *client.Client
	transportKind launch.TransportType
	strategy      authstrategy.Strategy
	refreshTimer  *time.Timer
	serverCaps    mcp.ServerCapabilities
	// resourceTemplates is the last fetched template list. Templates carry
	// no per-item config, so they live here instead of the merged
	// capability config.
	resourceTemplates []mcp.ResourceTemplate
	lastErr           error
	closed            bool
	// launchBlob is the encrypted config this context was built from,
	// used to decide whether addServer can reuse the entry.
	launchBlob []byte
}

// Entity returns the server definition this context was created from.
func (sc *ServerContext) Entity() *store.ServerEntity { return sc.entity }

// InstanceID is the suffix clients see in prefixed capability names.
func (sc *ServerContext) InstanceID() string { return sc.instanceID }

// UserID is the owner of a temporary instance, empty for shared servers.
func (sc *ServerContext) UserID() string { return sc.userID }

// Status returns the current lifecycle state.
func (sc *ServerContext) Status() Status {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.status
}

// LastError returns the failure that put the context in Error state.
func (sc *ServerContext) LastError() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastErr
}

// ServerCapabilities returns the capability flags the downstream advertised
// at initialize.
func (sc *ServerContext) ServerCapabilities() mcp.ServerCapabilities {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.serverCaps
}

// ResourceTemplates returns the last fetched resource template list.
func (sc *ServerContext) ResourceTemplates() []mcp.ResourceTemplate {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.resourceTemplates
}

// Capabilities returns the current merged capability config.
func (sc *ServerContext) Capabilities() store.CapabilityConfig {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.entity.Capabilities
}

// Client returns the connected MCP client, or an error when the context is
// not Online.
func (sc *ServerContext) Client() (*client.Client, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.status != StatusOnline || sc.client == nil {
		return nil, fmt.Errorf("server %s is %s", sc.entity.ServerID, sc.status)
	}
	return sc.client, nil
}

// connect dials the downstream and brings the context Online. The caller
// must have moved the context to Connecting first.
func (sc *ServerContext) connect(ctx context.Context, blob []byte) error {
	cfg, strategy, err := sc.prepare(ctx, blob)
	if err != nil {
		sc.fail(err)
		return err
	}

	candidates, err := sc.sup.factory.Candidates(cfg)
	if err != nil {
		sc.fail(err)
		return err
	}

	var (
		mcpClient *client.Client
		kind      launch.TransportType
		connErr   error
	)
	for _, candidate := range candidates {
		mcpClient, connErr = sc.dial(ctx, cfg, candidate, strategy)
		if connErr == nil {
			kind = candidate
			break
		}
		logging.Debug("Supervisor", "Transport %s failed for %s: %v", candidate, sc.entity.ServerID, connErr)
	}
	if connErr != nil {
		sc.fail(connErr)
		return connErr
	}

	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		_ = mcpClient.Close()
		return fmt.Errorf("server %s was removed during connect", sc.entity.ServerID)
	}
	sc.client = mcpClient
	sc.transportKind = kind
	sc.strategy = strategy
	sc.status = StatusOnline
	sc.lastErr = nil
	sc.launchBlob = blob
	sc.mu.Unlock()

	sc.scheduleRefresh()
	logging.Info("Supervisor", "Server %s online via %s", sc.entity.ServerID, kind)
	return nil
}

// prepare decrypts the launch config and builds the auth strategy. OAuth
// material never reaches a stdio child directly: the access token goes in
// as an environment variable and the credential block is stripped.
func (sc *ServerContext) prepare(ctx context.Context, blob []byte) (*launch.Config, authstrategy.Strategy, error) {
	plain, err := sc.sup.cipher.Decrypt(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt launch config for %s: %w", sc.entity.ServerID, err)
	}
	cfg, err := launch.Decode(plain)
	if err != nil {
		return nil, nil, fmt.Errorf("bad launch config for %s: %w", sc.entity.ServerID, err)
	}

	strategy, err := authstrategy.ForServer(sc.entity.AuthType, cfg, sc.persistRotation)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build auth strategy for %s: %w", sc.entity.ServerID, err)
	}

	if cfg.Command != "" {
		if refresher, ok := strategy.(authstrategy.Refresher); ok {
			token, err := refresher.AccessToken(ctx)
			if err != nil {
				return nil, nil, err
			}
			if cfg.Env == nil {
				cfg.Env = make(map[string]string)
			}
			cfg.Env[envAccessToken] = token
		}
		cfg.Auth = nil
	}
	return cfg, strategy, nil
}

func (sc *ServerContext) dial(ctx context.Context, cfg *launch.Config, kind launch.TransportType, strategy authstrategy.Strategy) (*client.Client, error) {
	var base http.RoundTripper
	if cfg.URL != "" {
		base = authstrategy.RoundTripper(nil, strategy)
	}

	mcpClient, err := sc.sup.factory.NewClient(cfg, kind, base, sc.sup.clientOptions(sc)...)
	if err != nil {
		return nil, err
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start %s transport: %w", kind, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	initResult, err := mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "switchboard",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize %s transport: %w", kind, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := mcpClient.Ping(pingCtx); err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("server did not answer ping: %w", err)
	}

	sc.mu.Lock()
	sc.serverCaps = initResult.Capabilities
	sc.mu.Unlock()

	mcpClient.OnNotification(func(notification mcp.JSONRPCNotification) {
		sc.sup.handleDownstreamNotification(sc, notification)
	})
	return mcpClient, nil
}

func (sc *ServerContext) fail(err error) {
	sc.mu.Lock()
	sc.status = StatusError
	sc.lastErr = err
	sc.mu.Unlock()
	logging.Warn("Supervisor", "Server %s failed: %v", sc.entity.ServerID, err)
}

// close tears the context down. Idempotent.
func (sc *ServerContext) close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	sc.status = StatusOffline
	if sc.refreshTimer != nil {
		sc.refreshTimer.Stop()
		sc.refreshTimer = nil
	}
	mcpClient := sc.client
	sc.client = nil
	sc.mu.Unlock()

	if mcpClient != nil {
		if err := mcpClient.Close(); err != nil {
			logging.Debug("Supervisor", "Error closing client for %s: %v", sc.entity.ServerID, err)
		}
	}
}

// persistRotation writes rotated credential material back to the store:
// the user's launch config for temporary instances, the server record
// otherwise.
func (sc *ServerContext) persistRotation(ctx context.Context, auth *launch.AuthConfig) error {
	sc.mu.Lock()
	blob := sc.launchBlob
	sc.mu.Unlock()

	plain, err := sc.sup.cipher.Decrypt(blob)
	if err != nil {
		return err
	}
	cfg, err := launch.Decode(plain)
	if err != nil {
		return err
	}
	cfg.Auth = auth
	encoded, err := cfg.Encode()
	if err != nil {
		return err
	}
	updated, err := sc.sup.cipher.Encrypt(encoded)
	if err != nil {
		return err
	}

	if sc.userID != "" {
		err = sc.sup.store.Users().UpdateLaunchConfig(ctx, sc.userID, sc.entity.ServerID, updated)
	} else {
		err = sc.sup.store.Servers().UpdateLaunchConfig(ctx, sc.entity.ServerID, updated)
	}
	if err != nil {
		return err
	}

	sc.mu.Lock()
	sc.launchBlob = updated
	sc.mu.Unlock()
	logging.Info("Supervisor", "Persisted rotated credentials for %s", sc.entity.ServerID)
	return nil
}

// scheduleRefresh arms the token refresh timer when the strategy's
// credentials expire.
func (sc *ServerContext) scheduleRefresh() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}

	refresher, ok := sc.strategy.(authstrategy.Refresher)
	if !ok {
		return
	}
	expiry := refresher.Expiry()
	if expiry.IsZero() {
		return
	}

	delay := refreshDelay(expiry, time.Now())
	if sc.refreshTimer != nil {
		sc.refreshTimer.Stop()
	}
	sc.refreshTimer = time.AfterFunc(delay, sc.runRefresh)
	logging.Debug("Supervisor", "Next token refresh for %s in %s", sc.entity.ServerID, delay)
}

// refreshDelay computes when to refresh a token expiring at the given
// time: the margin before expiry, floored and clamped to the host timer
// maximum.
func refreshDelay(expiry, now time.Time) time.Duration {
	delay := expiry.Sub(now) - refreshMargin
	if delay < refreshFloor {
		delay = refreshFloor
	}
	if delay > maxTimerDelay {
		delay = maxTimerDelay
	}
	return delay
}

func (sc *ServerContext) runRefresh() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	refresher, ok := sc.strategy.(authstrategy.Refresher)
	sc.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := refresher.Refresh(ctx); err != nil {
		if authstrategy.IsAuthError(err) {
			// Rejected credentials do not recover on their own; stop
			// refreshing until an admin intervenes.
			sc.fail(fmt.Errorf("token refresh rejected: %w", err))
			return
		}
		logging.Warn("Supervisor", "Transient token refresh failure for %s, retrying in %s: %v",
			sc.entity.ServerID, transientRetryDelay, err)
		sc.mu.Lock()
		if !sc.closed {
			sc.refreshTimer = time.AfterFunc(transientRetryDelay, sc.runRefresh)
		}
		sc.mu.Unlock()
		return
	}
	sc.scheduleRefresh()
}

// relist fetches current capability lists and persists the merged config
// when it changed, falling back to template defaults when the server
// reports nothing at all.
func (sc *ServerContext) relist(ctx context.Context) (store.CapabilityConfig, bool, error) {
	mcpClient, err := sc.Client()
	if err != nil {
		return store.CapabilityConfig{}, false, err
	}

	caps := sc.ServerCapabilities()
	var (
		tools     []mcp.Tool
		resources []mcp.Resource
		prompts   []mcp.Prompt
	)
	if caps.Tools != nil {
		if result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{}); err == nil {
			tools = result.Tools
		} else {
			logging.Debug("Supervisor", "tools/list failed for %s: %v", sc.entity.ServerID, err)
		}
	}
	if caps.Resources != nil {
		if result, err := mcpClient.ListResources(ctx, mcp.ListResourcesRequest{}); err == nil {
			resources = result.Resources
		} else {
			logging.Debug("Supervisor", "resources/list failed for %s: %v", sc.entity.ServerID, err)
		}
		if result, err := mcpClient.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{}); err == nil {
			sc.mu.Lock()
			sc.resourceTemplates = result.ResourceTemplates
			sc.mu.Unlock()
		} else {
			logging.Debug("Supervisor", "resources/templates/list failed for %s: %v", sc.entity.ServerID, err)
		}
	}
	if caps.Prompts != nil {
		if result, err := mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{}); err == nil {
			prompts = result.Prompts
		} else {
			logging.Debug("Supervisor", "prompts/list failed for %s: %v", sc.entity.ServerID, err)
		}
	}

	sc.mu.Lock()
	stored := sc.entity.Capabilities
	sc.mu.Unlock()

	merged := capabilities.Merge(stored, tools, resources, prompts)
	if merged.IsEmpty() {
		merged = capabilities.DefaultsFromTemplate(sc.entity.ConfigTemplate)
		if merged.IsEmpty() {
			return stored, false, nil
		}
	}

	changed := capabilities.IsChanged(stored, merged)
	if changed {
		sc.mu.Lock()
		sc.entity.Capabilities = merged
		sc.mu.Unlock()
		// Temporary instances share the template's stored config; only
		// shared servers persist their merged lists.
		if sc.userID == "" {
			if err := sc.sup.store.Servers().UpdateCapabilities(ctx, sc.entity.ServerID, merged); err != nil {
				logging.Warn("Supervisor", "Failed to persist capabilities for %s: %v", sc.entity.ServerID, err)
			}
		}
	}
	return merged, changed, nil
}
