package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"switchboard/internal/supervisor"
	"switchboard/internal/transport"
	"switchboard/pkg/logging"
)

// Router is the registry connecting downstream-originated traffic back to
// client sessions. Reverse requests carry a proxy request id whose prefix
// names the owning session; notifications are fanned out by subscription
// or to every session.
type Router struct {
	sup *supervisor.Supervisor

	mu       sync.RWMutex
	sessions map[string]*ProxySession
}

func NewRouter(sup *supervisor.Supervisor) *Router {
	return &Router{
		sup:      sup,
		sessions: make(map[string]*ProxySession),
	}
}

// Register attaches a session so downstream traffic can reach it.
func (r *Router) Register(ps *ProxySession) {
	r.mu.Lock()
	r.sessions[ps.SessionID()] = ps
	r.mu.Unlock()
}

// Unregister detaches a session. Safe to call twice.
func (r *Router) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// Get finds a registered session.
func (r *Router) Get(sessionID string) (*ProxySession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.sessions[sessionID]
	return ps, ok
}

// CreateMessage routes a downstream sampling request to the owning client.
func (r *Router) CreateMessage(ctx context.Context, sc *supervisor.ServerContext, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	ps, related, err := r.sessionFor(ctx, sc, request)
	if err != nil {
		return nil, err
	}
	return ps.ForwardSampling(ctx, request, related)
}

// Elicit routes a downstream elicitation request to the owning client.
func (r *Router) Elicit(ctx context.Context, sc *supervisor.ServerContext, request mcp.ElicitationRequest) (*mcp.ElicitationResult, error) {
	ps, related, err := r.sessionFor(ctx, sc, request)
	if err != nil {
		return nil, err
	}
	return ps.ForwardElicitation(ctx, request, related)
}

// ListRoots routes a downstream roots request to the owning client.
func (r *Router) ListRoots(ctx context.Context, sc *supervisor.ServerContext, request mcp.ListRootsRequest) (*mcp.ListRootsResult, error) {
	ps, _, err := r.sessionFor(ctx, sc, request)
	if err != nil {
		return nil, err
	}
	return ps.ForwardRootsList(ctx)
}

// sessionFor attributes a reverse request to a client session. The proxy
// request id stashed in the context by the transport is authoritative; the
// typed request is probed as a fallback. Without either, the request is
// attributed only when exactly one session has a call in flight on that
// server.
func (r *Router) sessionFor(ctx context.Context, sc *supervisor.ServerContext, request any) (*ProxySession, json.RawMessage, error) {
	proxyID := transport.ProxyRequestID(ctx)
	if proxyID == "" {
		proxyID = extractProxyRequestID(request)
	}
	if proxyID != "" {
		sessionID, ok := SessionIDFromProxyID(proxyID)
		if !ok {
			return nil, nil, fmt.Errorf("malformed proxy request id %q", proxyID)
		}
		ps, ok := r.Get(sessionID)
		if !ok {
			return nil, nil, fmt.Errorf("no session %s for reverse request", logging.TruncateSessionID(sessionID))
		}
		var related json.RawMessage
		if entry, ok := ps.ids.Lookup(proxyID); ok {
			related = entry.OriginalID
		}
		return ps, related, nil
	}

	candidates := r.sessionsWithPending(sc.InstanceID())
	if len(candidates) == 1 {
		return candidates[0], nil, nil
	}
	return nil, nil, fmt.Errorf("cannot attribute reverse request from server %s", sc.Entity().ServerID)
}

func (r *Router) sessionsWithPending(instanceID string) []*ProxySession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ProxySession
	for _, ps := range r.sessions {
		if ps.ids.hasPendingOn(instanceID) {
			out = append(out, ps)
		}
	}
	return out
}

// CapabilityListChanged tells every session that the aggregated lists moved.
func (r *Router) CapabilityListChanged(sc *supervisor.ServerContext) {
	r.mu.RLock()
	sessions := make([]*ProxySession, 0, len(r.sessions))
	for _, ps := range r.sessions {
		sessions = append(sessions, ps)
	}
	r.mu.RUnlock()

	for _, ps := range sessions {
		ps.NotifyCapabilityChanged()
	}
}

// ResourceUpdated delivers a resource update to the sessions subscribed to
// that URI.
func (r *Router) ResourceUpdated(sc *supervisor.ServerContext, notification mcp.JSONRPCNotification) {
	params, err := json.Marshal(notification.Params)
	if err != nil {
		return
	}
	var probe struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &probe); err != nil || probe.URI == "" {
		return
	}

	for _, sessionID := range r.sup.SubscribedSessions(sc, probe.URI) {
		if ps, ok := r.Get(sessionID); ok {
			ps.sendRaw(&rpcMessage{JSONRPC: "2.0", Method: notification.Method, Params: params})
		}
	}
}

// RequestNotification rewrites a downstream progress or cancellation frame
// back to the client's request id and delivers it to the owning session.
func (r *Router) RequestNotification(sc *supervisor.ServerContext, notification mcp.JSONRPCNotification) {
	params, err := json.Marshal(notification.Params)
	if err != nil {
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return
	}

	proxyID := stringField(fields, "progressToken")
	key := "progressToken"
	if proxyID == "" {
		proxyID = stringField(fields, "requestId")
		key = "requestId"
	}
	if proxyID == "" {
		return
	}
	sessionID, ok := SessionIDFromProxyID(proxyID)
	if !ok {
		return
	}
	ps, ok := r.Get(sessionID)
	if !ok {
		return
	}

	entry, ok := ps.ids.Lookup(proxyID)
	if !ok {
		return
	}
	if key == "progressToken" {
		if len(entry.ProgressToken) == 0 {
			return // client asked for no progress
		}
		fields[key] = entry.ProgressToken
	} else {
		fields[key] = entry.OriginalID
	}
	rewritten, err := json.Marshal(fields)
	if err != nil {
		return
	}
	ps.sendRaw(&rpcMessage{JSONRPC: "2.0", Method: notification.Method, Params: rewritten})
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// extractProxyRequestID digs the proxy request id out of a reverse request,
// probing both params._meta and a top-level _meta.
func extractProxyRequestID(request any) string {
	data, err := json.Marshal(request)
	if err != nil {
		return ""
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return ""
	}

	frames := make([]json.RawMessage, 0, 2)
	if p, ok := top["params"]; ok {
		frames = append(frames, p)
	}
	frames = append(frames, data)

	for _, frame := range frames {
		var probe struct {
			Meta struct {
				ProxyContext struct {
					ProxyRequestID string `json:"proxyRequestId"`
				} `json:"proxyContext"`
			} `json:"_meta"`
		}
		if err := json.Unmarshal(frame, &probe); err == nil && probe.Meta.ProxyContext.ProxyRequestID != "" {
			return probe.Meta.ProxyContext.ProxyRequestID
		}
	}
	return ""
}
