package store

import (
	"encoding/json"
	"time"
)

// ServerCategory classifies how a downstream server is launched.
type ServerCategory string

const (
	CategoryStdio        ServerCategory = "stdio"
	CategoryRestAPI      ServerCategory = "rest-api"
	CategoryCustomRemote ServerCategory = "custom-remote"
	CategoryTemplate     ServerCategory = "template"
)

// AuthType identifies the credential strategy a server uses.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api-key"
	AuthGoogle AuthType = "google"
	AuthNotion AuthType = "notion"
	AuthGitHub AuthType = "github"
)

// DangerLevel controls how a tool call is gated.
type DangerLevel string

const (
	DangerSilent       DangerLevel = "silent"
	DangerNotification DangerLevel = "notification"
	DangerApproval     DangerLevel = "approval"
)

// ServerEntity is the persisted definition of a downstream MCP server.
// The launch config blob is encrypted at rest; the core only reads status
// fields and the cached capability config back.
type ServerEntity struct {
	ServerID   string         `json:"serverId"`
	ServerName string         `json:"serverName"`
	Enabled    bool           `json:"enabled"`
	Category   ServerCategory `json:"category"`
	AuthType   AuthType       `json:"authType"`

	// LaunchConfig is the encrypted launch configuration blob.
	LaunchConfig []byte `json:"launchConfig,omitempty"`

	// ConfigTemplate is the template users fill in for allowUserInput
	// servers. Must be non-empty when AllowUserInput is true.
	ConfigTemplate json.RawMessage `json:"configTemplate,omitempty"`

	// Capabilities is the cached tool/resource/prompt metadata with
	// per-item enabled flags and danger levels.
	Capabilities CapabilityConfig `json:"capabilities"`

	// AllowUserInput marks a template server each user instantiates with
	// their own launch config. Immutable after creation.
	AllowUserInput bool `json:"allowUserInput"`

	LazyStartEnabled bool   `json:"lazyStartEnabled"`
	PublicAccess     bool   `json:"publicAccess"`
	ProxyID          string `json:"proxyId,omitempty"`
}

// Validate checks entity invariants that the core relies on.
func (e *ServerEntity) Validate() error {
	if e.ServerID == "" {
		return ErrInvalidEntity("serverId must not be empty")
	}
	if e.AllowUserInput && len(e.ConfigTemplate) == 0 {
		return ErrInvalidEntity("allowUserInput servers require a configTemplate")
	}
	return nil
}

// CapabilityConfig is the per-server capability metadata: which items exist
// and whether they are enabled, plus tool danger levels.
type CapabilityConfig struct {
	Tools     map[string]ToolConfig `json:"tools,omitempty"`
	Resources map[string]ItemConfig `json:"resources,omitempty"`
	Prompts   map[string]ItemConfig `json:"prompts,omitempty"`
}

// ToolConfig is the stored per-tool configuration.
type ToolConfig struct {
	Enabled     bool        `json:"enabled"`
	DangerLevel DangerLevel `json:"dangerLevel,omitempty"`
	Description string      `json:"description,omitempty"`
}

// ItemConfig is the stored per-resource / per-prompt configuration.
type ItemConfig struct {
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// IsEmpty reports whether no capability items are recorded at all.
func (c CapabilityConfig) IsEmpty() bool {
	return len(c.Tools) == 0 && len(c.Resources) == 0 && len(c.Prompts) == 0
}

// User is the persisted account record.
type User struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Status string `json:"status"`

	// Permissions is the admin-assigned per-server grant set.
	Permissions map[string]ServerGrant `json:"permissions,omitempty"`

	// UserPreferences is the user-owned overlay with the same shape.
	UserPreferences map[string]ServerGrant `json:"userPreferences,omitempty"`

	// LaunchConfigs maps serverId to the user's encrypted launch config
	// for allowUserInput template servers.
	LaunchConfigs map[string][]byte `json:"launchConfigs,omitempty"`

	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	RateLimit int       `json:"ratelimit,omitempty"`
}

// ServerGrant is one user's view of one server: an overall switch plus
// per-item overrides. A missing entry means "default" (enabled).
type ServerGrant struct {
	Enabled   *bool                `json:"enabled,omitempty"`
	Tools     map[string]ToolGrant `json:"tools,omitempty"`
	Resources map[string]ItemGrant `json:"resources,omitempty"`
	Prompts   map[string]ItemGrant `json:"prompts,omitempty"`
}

// ToolGrant is a per-tool override.
type ToolGrant struct {
	Enabled     *bool       `json:"enabled,omitempty"`
	DangerLevel DangerLevel `json:"dangerLevel,omitempty"`
}

// ItemGrant is a per-resource / per-prompt override.
type ItemGrant struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// Proxy is the persisted record of this proxy deployment. The core only
// reads it and bookmarks log shipping.
type Proxy struct {
	ProxyID         string `json:"proxyId"`
	Name            string `json:"name"`
	LastSyncedLogID int64  `json:"lastSyncedLogId"`
}

// LogEntry is one persisted audit event.
type LogEntry struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId,omitempty"`
	ServerID  string          `json:"serverId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
