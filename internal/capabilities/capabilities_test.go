package capabilities

import (
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"

	"switchboard/internal/store"
)

func boolPtr(b bool) *bool { return &b }

func TestMergePreservesAdminFlags(t *testing.T) {
	stored := store.CapabilityConfig{
		Tools: map[string]store.ToolConfig{
			"search":      {Enabled: false, DangerLevel: store.DangerSilent},
			"delete_page": {Enabled: true, DangerLevel: store.DangerApproval},
			"gone":        {Enabled: true},
		},
	}
	live := []mcp.Tool{
		{Name: "search", Description: "full text search"},
		{Name: "delete_page"},
		{Name: "brand_new"},
	}

	merged := Merge(stored, live, nil, nil)

	assert.False(t, merged.Tools["search"].Enabled, "admin disable must survive a relist")
	assert.Equal(t, store.DangerApproval, merged.Tools["delete_page"].DangerLevel)
	assert.True(t, merged.Tools["brand_new"].Enabled, "new tools default to enabled")
	assert.NotContains(t, merged.Tools, "gone", "tools the server dropped disappear")
	assert.Equal(t, "full text search", merged.Tools["search"].Description)
}

func TestMergeDerivesDangerFromAnnotations(t *testing.T) {
	live := []mcp.Tool{
		{Name: "rm", Annotations: mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}},
		{Name: "ls", Annotations: mcp.ToolAnnotation{DestructiveHint: boolPtr(false)}},
		{Name: "plain"},
	}

	merged := Merge(store.CapabilityConfig{}, live, nil, nil)

	assert.Equal(t, store.DangerNotification, merged.Tools["rm"].DangerLevel)
	assert.Equal(t, store.DangerSilent, merged.Tools["ls"].DangerLevel)
	assert.Equal(t, store.DangerSilent, merged.Tools["plain"].DangerLevel)
}

func TestIsChanged(t *testing.T) {
	base := store.CapabilityConfig{
		Tools: map[string]store.ToolConfig{
			"a": {Enabled: true, DangerLevel: store.DangerSilent},
			"b": {Enabled: false},
		},
		Resources: map[string]store.ItemConfig{"r://x": {Enabled: true}},
	}

	tests := []struct {
		name  string
		other store.CapabilityConfig
		want  bool
	}{
		{
			name: "identical regardless of construction order",
			other: store.CapabilityConfig{
				Resources: map[string]store.ItemConfig{"r://x": {Enabled: true}},
				Tools: map[string]store.ToolConfig{
					"b": {Enabled: false},
					"a": {Enabled: true, DangerLevel: store.DangerSilent},
				},
			},
			want: false,
		},
		{
			name: "flag flip",
			other: store.CapabilityConfig{
				Tools: map[string]store.ToolConfig{
					"a": {Enabled: true, DangerLevel: store.DangerApproval},
					"b": {Enabled: false},
				},
				Resources: map[string]store.ItemConfig{"r://x": {Enabled: true}},
			},
			want: true,
		},
		{
			name: "missing item",
			other: store.CapabilityConfig{
				Tools:     map[string]store.ToolConfig{"a": {Enabled: true, DangerLevel: store.DangerSilent}},
				Resources: map[string]store.ItemConfig{"r://x": {Enabled: true}},
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsChanged(base, tt.other))
			assert.Equal(t, tt.want, IsChanged(tt.other, base))
		})
	}
}

func TestDefaultsFromTemplate(t *testing.T) {
	t.Run("with tool defaults", func(t *testing.T) {
		template := json.RawMessage(`{
			"fields": [{"name": "token"}],
			"toolDefaultConfig": {"search": {"enabled": true, "dangerLevel": "notification"}}
		}`)
		got := DefaultsFromTemplate(template)
		assert.Equal(t, store.DangerNotification, got.Tools["search"].DangerLevel)
	})

	t.Run("legacy template without the field applies no fallback", func(t *testing.T) {
		got := DefaultsFromTemplate(json.RawMessage(`{"fields": []}`))
		assert.True(t, got.IsEmpty())
	})

	t.Run("empty template", func(t *testing.T) {
		assert.True(t, DefaultsFromTemplate(nil).IsEmpty())
	})
}

func TestServerAccessible(t *testing.T) {
	user := &store.User{
		UserID: "u",
		Permissions: map[string]store.ServerGrant{
			"granted": {},
			"revoked": {Enabled: boolPtr(false)},
		},
		UserPreferences: map[string]store.ServerGrant{
			"muted": {Enabled: boolPtr(false)},
		},
	}

	tests := []struct {
		name   string
		entity *store.ServerEntity
		owns   bool
		want   bool
	}{
		{name: "granted and preferred", entity: &store.ServerEntity{ServerID: "granted", Enabled: true}, want: true},
		{name: "disabled server", entity: &store.ServerEntity{ServerID: "granted", Enabled: false}, want: false},
		{name: "no admin grant", entity: &store.ServerEntity{ServerID: "unknown", Enabled: true}, want: false},
		{name: "revoked grant", entity: &store.ServerEntity{ServerID: "revoked", Enabled: true}, want: false},
		{
			name:   "user muted a granted server",
			entity: &store.ServerEntity{ServerID: "muted", Enabled: true, PublicAccess: true},
			want:   false,
		},
		{
			name:   "public server needs no grant",
			entity: &store.ServerEntity{ServerID: "unknown", Enabled: true, PublicAccess: true},
			want:   true,
		},
		{
			name:   "template server owned",
			entity: &store.ServerEntity{ServerID: "tpl", Enabled: true, AllowUserInput: true, ConfigTemplate: json.RawMessage(`{}`)},
			owns:   true,
			want:   true,
		},
		{
			name:   "template server not owned",
			entity: &store.ServerEntity{ServerID: "tpl", Enabled: true, AllowUserInput: true, ConfigTemplate: json.RawMessage(`{}`)},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ServerAccessible(tt.entity, user, tt.owns))
		})
	}
}

func TestForUserFiltering(t *testing.T) {
	entity := &store.ServerEntity{
		ServerID: "srv",
		Enabled:  true,
		Capabilities: store.CapabilityConfig{
			Tools: map[string]store.ToolConfig{
				"search":      {Enabled: true, DangerLevel: store.DangerSilent},
				"delete_page": {Enabled: true, DangerLevel: store.DangerApproval},
				"admin_only":  {Enabled: true},
				"disabled":    {Enabled: false},
			},
			Resources: map[string]store.ItemConfig{
				"r://open":  {Enabled: true},
				"r://muted": {Enabled: true},
			},
			Prompts: map[string]store.ItemConfig{"summarize": {Enabled: true}},
		},
	}
	user := &store.User{
		UserID: "u",
		Permissions: map[string]store.ServerGrant{
			"srv": {Tools: map[string]store.ToolGrant{"admin_only": {Enabled: boolPtr(false)}}},
		},
		UserPreferences: map[string]store.ServerGrant{
			"srv": {
				Tools:     map[string]store.ToolGrant{"delete_page": {DangerLevel: store.DangerNotification}},
				Resources: map[string]store.ItemGrant{"r://muted": {Enabled: boolPtr(false)}},
			},
		},
	}

	view := ForUser(entity, user)

	assert.Contains(t, view.Tools, "search")
	assert.NotContains(t, view.Tools, "admin_only", "admin tool grant must filter")
	assert.NotContains(t, view.Tools, "disabled", "server config must filter")
	assert.Contains(t, view.Resources, "r://open")
	assert.NotContains(t, view.Resources, "r://muted", "user preference must filter")
	assert.Contains(t, view.Prompts, "summarize")

	assert.Equal(t, store.DangerNotification, view.Tools["delete_page"].DangerLevel,
		"user preference overrides the server danger level")
}

func TestResolveDangerLevel(t *testing.T) {
	entity := &store.ServerEntity{
		ServerID: "srv",
		Capabilities: store.CapabilityConfig{
			Tools: map[string]store.ToolConfig{"rm": {Enabled: true, DangerLevel: store.DangerApproval}},
		},
	}
	user := &store.User{UserID: "u"}

	assert.Equal(t, store.DangerApproval, ResolveDangerLevel(entity, user, "rm"))
	assert.Equal(t, store.DangerSilent, ResolveDangerLevel(entity, user, "unknown"))

	user.UserPreferences = map[string]store.ServerGrant{
		"srv": {Tools: map[string]store.ToolGrant{"rm": {DangerLevel: store.DangerNotification}}},
	}
	assert.Equal(t, store.DangerNotification, ResolveDangerLevel(entity, user, "rm"))
}
