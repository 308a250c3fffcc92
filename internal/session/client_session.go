// Package session holds the per-client state of the proxy: the merged
// capability view each client sees, and the registry of live sessions.
package session

import (
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"switchboard/internal/capabilities"
	"switchboard/internal/store"
	"switchboard/internal/supervisor"
)

// ClientSession computes one user's merged view across every accessible
// downstream server. It owns no connections; it reads live state from the
// supervisor and filters through the capability rules.
type ClientSession struct {
	sessionID string
	sup       *supervisor.Supervisor

	mu   sync.RWMutex
	user *store.User
}

// NewClientSession binds a user snapshot to the supervisor.
func NewClientSession(sessionID string, user *store.User, sup *supervisor.Supervisor) *ClientSession {
	return &ClientSession{sessionID: sessionID, user: user, sup: sup}
}

// SessionID returns the owning session id.
func (cs *ClientSession) SessionID() string { return cs.sessionID }

// UserID returns the bound user's id.
func (cs *ClientSession) UserID() string { return cs.User().UserID }

// User returns the bound user snapshot.
func (cs *ClientSession) User() *store.User {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.user
}

// UpdateUser swaps in a freshly loaded user record so permission edits
// reach a session already open. The id of the bound user never changes.
func (cs *ClientSession) UpdateUser(user *store.User) {
	cs.mu.Lock()
	cs.user = user
	cs.mu.Unlock()
}

// accessibleContexts returns the Online contexts this user may route to.
func (cs *ClientSession) accessibleContexts() []*supervisor.ServerContext {
	user := cs.User()
	var out []*supervisor.ServerContext
	for _, sc := range cs.sup.ContextsFor(user.UserID) {
		entity := sc.Entity()
		owns := sc.UserID() == user.UserID
		if !capabilities.ServerAccessible(entity, user, owns) {
			continue
		}
		switch sc.Status() {
		case supervisor.StatusOnline, supervisor.StatusSleeping:
			// Sleeping servers advertise their cached lists; the first
			// call wakes them.
			out = append(out, sc)
		default:
		}
	}
	return out
}

// ListTools aggregates the visible tools of every accessible server, names
// prefixed, in stable server order. A server contributing nothing never
// fails the aggregate.
func (cs *ClientSession) ListTools() []mcp.Tool {
	user := cs.User()
	var out []mcp.Tool
	for _, sc := range cs.accessibleContexts() {
		entity := entitySnapshot(sc)
		view := capabilities.ForUser(entity, user)
		for _, name := range sortedKeys(view.Tools) {
			cfg := view.Tools[name]
			out = append(out, emitTool(name, sc.InstanceID(), cfg))
		}
	}
	return out
}

// emitTool builds the client-visible tool: prefixed name and annotations
// forced to match the effective danger level.
func emitTool(name, instanceID string, cfg store.ToolConfig) mcp.Tool {
	tool := mcp.Tool{
		Name:        PrefixName(name, instanceID),
		Description: cfg.Description,
	}
	switch cfg.DangerLevel {
	case store.DangerNotification, store.DangerApproval:
		tool.Annotations = mcp.ToolAnnotation{
			DestructiveHint: boolPtr(true),
			ReadOnlyHint:    boolPtr(false),
		}
	default:
		tool.Annotations = mcp.ToolAnnotation{
			DestructiveHint: boolPtr(false),
			ReadOnlyHint:    boolPtr(true),
		}
	}
	return tool
}

// ListResources aggregates visible resources with prefixed names.
func (cs *ClientSession) ListResources() []mcp.Resource {
	user := cs.User()
	var out []mcp.Resource
	for _, sc := range cs.accessibleContexts() {
		entity := entitySnapshot(sc)
		view := capabilities.ForUser(entity, user)
		for _, uri := range sortedKeys(view.Resources) {
			cfg := view.Resources[uri]
			out = append(out, mcp.Resource{
				URI:         uri,
				Name:        PrefixName(uri, sc.InstanceID()),
				Description: cfg.Description,
			})
		}
	}
	return out
}

// ListResourceTemplates aggregates the resource templates of every
// accessible server. Templates have no per-item grants; visibility follows
// the owning server.
func (cs *ClientSession) ListResourceTemplates() []mcp.ResourceTemplate {
	var out []mcp.ResourceTemplate
	for _, sc := range cs.accessibleContexts() {
		for _, tmpl := range sc.ResourceTemplates() {
			tmpl.Name = PrefixName(tmpl.Name, sc.InstanceID())
			out = append(out, tmpl)
		}
	}
	return out
}

// ListPrompts aggregates visible prompts with prefixed names.
func (cs *ClientSession) ListPrompts() []mcp.Prompt {
	user := cs.User()
	var out []mcp.Prompt
	for _, sc := range cs.accessibleContexts() {
		entity := entitySnapshot(sc)
		view := capabilities.ForUser(entity, user)
		for _, name := range sortedKeys(view.Prompts) {
			cfg := view.Prompts[name]
			out = append(out, mcp.Prompt{
				Name:        PrefixName(name, sc.InstanceID()),
				Description: cfg.Description,
			})
		}
	}
	return out
}

// Resolve maps a prefixed name to its owning context and original name,
// enforcing visibility. The returned kind-specific checks are done by the
// caller against the view.
func (cs *ClientSession) Resolve(prefixed string) (*supervisor.ServerContext, string, error) {
	original, instanceID, err := ParseName(prefixed)
	if err != nil {
		return nil, "", err
	}
	sc, ok := cs.sup.Resolve(instanceID)
	if !ok {
		return nil, "", &UnknownServerError{Name: prefixed}
	}
	user := cs.User()
	entity := sc.Entity()
	owns := sc.UserID() == user.UserID
	if sc.UserID() != "" && !owns {
		return nil, "", &PermissionError{Name: prefixed}
	}
	if !capabilities.ServerAccessible(entity, user, owns) {
		return nil, "", &PermissionError{Name: prefixed}
	}
	return sc, original, nil
}

// ResolveTool resolves a prefixed tool name and checks tool-level
// visibility.
func (cs *ClientSession) ResolveTool(prefixed string) (*supervisor.ServerContext, string, error) {
	sc, original, err := cs.Resolve(prefixed)
	if err != nil {
		return nil, "", err
	}
	view := capabilities.ForUser(entitySnapshot(sc), cs.User())
	if _, ok := view.Tools[original]; !ok {
		return nil, "", &PermissionError{Name: prefixed}
	}
	return sc, original, nil
}

// ResolvePrompt resolves a prefixed prompt name and checks visibility.
func (cs *ClientSession) ResolvePrompt(prefixed string) (*supervisor.ServerContext, string, error) {
	sc, original, err := cs.Resolve(prefixed)
	if err != nil {
		return nil, "", err
	}
	view := capabilities.ForUser(entitySnapshot(sc), cs.User())
	if _, ok := view.Prompts[original]; !ok {
		return nil, "", &PermissionError{Name: prefixed}
	}
	return sc, original, nil
}

// ResolveResource resolves a prefixed resource name. Clients may address
// resources either by prefixed name or by raw URI when unambiguous.
func (cs *ClientSession) ResolveResource(prefixed string) (*supervisor.ServerContext, string, error) {
	sc, original, err := cs.Resolve(prefixed)
	if err == nil {
		view := capabilities.ForUser(entitySnapshot(sc), cs.User())
		if _, ok := view.Resources[original]; ok {
			return sc, original, nil
		}
		return nil, "", &PermissionError{Name: prefixed}
	}

	// Fall back to a raw URI search across accessible servers.
	for _, sc := range cs.accessibleContexts() {
		view := capabilities.ForUser(entitySnapshot(sc), cs.User())
		if _, ok := view.Resources[prefixed]; ok {
			return sc, prefixed, nil
		}
	}
	return nil, "", err
}

// DangerLevel returns the effective danger level for a resolved tool.
func (cs *ClientSession) DangerLevel(sc *supervisor.ServerContext, tool string) store.DangerLevel {
	return capabilities.ResolveDangerLevel(entitySnapshot(sc), cs.User(), tool)
}

// AdvertisedCapabilities is the capability object the proxy presents to
// every client: aggregation makes all list kinds dynamic, so listChanged
// and subscribe are always on regardless of what the backing servers
// support.
func (cs *ClientSession) AdvertisedCapabilities() map[string]any {
	return map[string]any{
		"tools":       map[string]any{"listChanged": true},
		"resources":   map[string]any{"listChanged": true, "subscribe": true},
		"prompts":     map[string]any{"listChanged": true},
		"completions": map[string]any{},
		"logging":     map[string]any{},
	}
}

// entitySnapshot pairs the entity's static fields with the context's
// current capability config.
func entitySnapshot(sc *supervisor.ServerContext) *store.ServerEntity {
	entity := *sc.Entity()
	entity.Capabilities = sc.Capabilities()
	return &entity
}

func boolPtr(b bool) *bool { return &b }

// sortedKeys returns map keys in lexical order so emitted lists are stable
// across calls.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UnknownServerError reports a prefixed name whose instance id matches no
// live server.
type UnknownServerError struct {
	Name string
}

func (e *UnknownServerError) Error() string {
	return "unknown server for name " + e.Name
}

// PermissionError reports a name the user may not see or call.
type PermissionError struct {
	Name string
}

func (e *PermissionError) Error() string {
	return "permission denied for " + e.Name
}
