// Package capabilities composes the three layers that decide what a user
// sees of a downstream server: the server's stored capability config, the
// admin-assigned permissions, and the user's own preferences. All functions
// are pure; callers supply snapshots and get filtered views back.
package capabilities

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"switchboard/internal/store"
)

// Merge folds freshly listed capabilities into the stored config. Items the
// admin already configured keep their enabled flag and danger level; new
// items default to enabled; items the server no longer reports are dropped.
func Merge(stored store.CapabilityConfig, tools []mcp.Tool, resources []mcp.Resource, prompts []mcp.Prompt) store.CapabilityConfig {
	out := store.CapabilityConfig{}

	if len(tools) > 0 {
		out.Tools = make(map[string]store.ToolConfig, len(tools))
		for _, tool := range tools {
			cfg := store.ToolConfig{Enabled: true, Description: tool.Description}
			if prev, ok := stored.Tools[tool.Name]; ok {
				cfg.Enabled = prev.Enabled
				cfg.DangerLevel = prev.DangerLevel
			}
			if cfg.DangerLevel == "" {
				cfg.DangerLevel = deriveDangerLevel(tool)
			}
			out.Tools[tool.Name] = cfg
		}
	}
	if len(resources) > 0 {
		out.Resources = make(map[string]store.ItemConfig, len(resources))
		for _, res := range resources {
			cfg := store.ItemConfig{Enabled: true, Description: res.Description}
			if prev, ok := stored.Resources[res.URI]; ok {
				cfg.Enabled = prev.Enabled
			}
			out.Resources[res.URI] = cfg
		}
	}
	if len(prompts) > 0 {
		out.Prompts = make(map[string]store.ItemConfig, len(prompts))
		for _, prompt := range prompts {
			cfg := store.ItemConfig{Enabled: true, Description: prompt.Description}
			if prev, ok := stored.Prompts[prompt.Name]; ok {
				cfg.Enabled = prev.Enabled
			}
			out.Prompts[prompt.Name] = cfg
		}
	}
	return out
}

// deriveDangerLevel maps a tool's annotations to a default danger level: a
// destructive hint means the user should at least be notified.
func deriveDangerLevel(tool mcp.Tool) store.DangerLevel {
	if tool.Annotations.DestructiveHint != nil && *tool.Annotations.DestructiveHint {
		return store.DangerNotification
	}
	return store.DangerSilent
}

// IsChanged reports whether two capability configs differ structurally.
// Key order never matters; only the set of items and their flags do.
func IsChanged(a, b store.CapabilityConfig) bool {
	if len(a.Tools) != len(b.Tools) || len(a.Resources) != len(b.Resources) || len(a.Prompts) != len(b.Prompts) {
		return true
	}
	for name, at := range a.Tools {
		if bt, ok := b.Tools[name]; !ok || at != bt {
			return true
		}
	}
	for uri, ar := range a.Resources {
		if br, ok := b.Resources[uri]; !ok || ar != br {
			return true
		}
	}
	for name, ap := range a.Prompts {
		if bp, ok := b.Prompts[name]; !ok || ap != bp {
			return true
		}
	}
	return false
}

// templateDefaults is the legacy shape embedded in a configTemplate that
// seeds capabilities for servers whose live lists come back empty.
type templateDefaults struct {
	ToolDefaultConfig map[string]store.ToolConfig `json:"toolDefaultConfig"`
}

// DefaultsFromTemplate extracts the embedded tool defaults from a config
// template. Templates without the field yield nothing, and no fallback
// applies.
func DefaultsFromTemplate(template json.RawMessage) store.CapabilityConfig {
	if len(template) == 0 {
		return store.CapabilityConfig{}
	}
	var defaults templateDefaults
	if err := json.Unmarshal(template, &defaults); err != nil || len(defaults.ToolDefaultConfig) == 0 {
		return store.CapabilityConfig{}
	}
	tools := make(map[string]store.ToolConfig, len(defaults.ToolDefaultConfig))
	for name, cfg := range defaults.ToolDefaultConfig {
		tools[name] = cfg
	}
	return store.CapabilityConfig{Tools: tools}
}

// View is one user's filtered view of one server's capabilities.
type View struct {
	Tools     map[string]store.ToolConfig
	Resources map[string]store.ItemConfig
	Prompts   map[string]store.ItemConfig
}

// ServerAccessible decides whether a user may see a server at all. Template
// servers are accessible only through the user's own instance; shared
// servers need both the admin grant and the user's preference switched on.
func ServerAccessible(entity *store.ServerEntity, user *store.User, ownsInstance bool) bool {
	if entity == nil || !entity.Enabled {
		return false
	}
	if entity.AllowUserInput {
		return ownsInstance
	}
	if entity.PublicAccess {
		return prefEnabled(user.UserPreferences, entity.ServerID)
	}
	return grantEnabled(user.Permissions, entity.ServerID) && prefEnabled(user.UserPreferences, entity.ServerID)
}

// ForUser filters a server's capability config down to what one user sees:
// an item is visible iff the server config, the admin grant, and the user
// preference all leave it enabled. Absent grants default to enabled.
func ForUser(entity *store.ServerEntity, user *store.User) View {
	perm := user.Permissions[entity.ServerID]
	pref := user.UserPreferences[entity.ServerID]

	view := View{}
	for name, cfg := range entity.Capabilities.Tools {
		if !cfg.Enabled || !toolAllowed(perm, name) || !toolAllowed(pref, name) {
			continue
		}
		if view.Tools == nil {
			view.Tools = make(map[string]store.ToolConfig)
		}
		cfg.DangerLevel = ResolveDangerLevel(entity, user, name)
		view.Tools[name] = cfg
	}
	for uri, cfg := range entity.Capabilities.Resources {
		if !cfg.Enabled || !itemAllowed(perm.Resources, uri) || !itemAllowed(pref.Resources, uri) {
			continue
		}
		if view.Resources == nil {
			view.Resources = make(map[string]store.ItemConfig)
		}
		view.Resources[uri] = cfg
	}
	for name, cfg := range entity.Capabilities.Prompts {
		if !cfg.Enabled || !itemAllowed(perm.Prompts, name) || !itemAllowed(pref.Prompts, name) {
			continue
		}
		if view.Prompts == nil {
			view.Prompts = make(map[string]store.ItemConfig)
		}
		view.Prompts[name] = cfg
	}
	return view
}

// ResolveDangerLevel picks the effective danger level for a tool: the
// user's preference wins, then the server config, then Silent.
func ResolveDangerLevel(entity *store.ServerEntity, user *store.User, tool string) store.DangerLevel {
	if pref, ok := user.UserPreferences[entity.ServerID]; ok {
		if grant, ok := pref.Tools[tool]; ok && grant.DangerLevel != "" {
			return grant.DangerLevel
		}
	}
	if cfg, ok := entity.Capabilities.Tools[tool]; ok && cfg.DangerLevel != "" {
		return cfg.DangerLevel
	}
	return store.DangerSilent
}

func grantEnabled(grants map[string]store.ServerGrant, serverID string) bool {
	grant, ok := grants[serverID]
	if !ok {
		return false // admin permissions are opt-in
	}
	return grant.Enabled == nil || *grant.Enabled
}

func prefEnabled(prefs map[string]store.ServerGrant, serverID string) bool {
	pref, ok := prefs[serverID]
	if !ok {
		return true // preferences default to enabled
	}
	return pref.Enabled == nil || *pref.Enabled
}

func toolAllowed(grant store.ServerGrant, tool string) bool {
	g, ok := grant.Tools[tool]
	if !ok {
		return true
	}
	return g.Enabled == nil || *g.Enabled
}

func itemAllowed(grants map[string]store.ItemGrant, name string) bool {
	g, ok := grants[name]
	if !ok {
		return true
	}
	return g.Enabled == nil || *g.Enabled
}
