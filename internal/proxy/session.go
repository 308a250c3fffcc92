package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"switchboard/internal/audit"
	"switchboard/internal/eventstore"
	"switchboard/internal/session"
	"switchboard/internal/store"
	"switchboard/internal/supervisor"
	"switchboard/internal/transport"
	"switchboard/pkg/logging"
)

const maxForwardRetries = 2

// ReverseTimeouts bounds how long a server-initiated request may wait for
// the client's answer.
type ReverseTimeouts struct {
	Sampling    time.Duration
	Roots       time.Duration
	Elicitation time.Duration
}

// ReverseRequestTimeoutError reports a reverse request the client never
// answered in time.
type ReverseRequestTimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *ReverseRequestTimeoutError) Error() string {
	return fmt.Sprintf("client did not answer %s within %s", e.Method, e.Timeout)
}

// ProxySession presents the aggregate of all accessible downstream servers
// as one MCP server to a single client connection.
type ProxySession struct {
	sess      *session.Session
	sup       *supervisor.Supervisor
	router    *Router
	approvals *ApprovalService
	audit     *audit.Service
	timeouts  ReverseTimeouts
	ids       *RequestIDMapper

	mu           sync.Mutex
	subscriber   chan eventstore.Event
	reverseSeq   uint64
	reverseWaits map[string]chan *rpcMessage
	logLevel     string
	initialized  bool
	closed       bool
}

// NewProxySession binds a session to the router so downstream traffic can
// find it. The session's close hook tears the binding down again.
func NewProxySession(sess *session.Session, sup *supervisor.Supervisor, router *Router, approvals *ApprovalService, auditSvc *audit.Service, timeouts ReverseTimeouts) *ProxySession {
	ps := &ProxySession{
		sess:         sess,
		sup:          sup,
		router:       router,
		approvals:    approvals,
		audit:        auditSvc,
		timeouts:     timeouts,
		ids:          NewRequestIDMapper(sess.ID),
		reverseWaits: make(map[string]chan *rpcMessage),
		logLevel:     "info",
	}
	router.Register(ps)
	sess.OnClose(func() {
		router.Unregister(sess.ID)
		ps.close()
	})
	return ps
}

func (ps *ProxySession) SessionID() string { return ps.sess.ID }

// Client returns the capability view bound to this session's user.
func (ps *ProxySession) Client() *session.ClientSession { return ps.sess.Client }

// HandleMessage dispatches one client frame. The returned message is the
// direct response for requests; notifications and responses yield nil.
func (ps *ProxySession) HandleMessage(ctx context.Context, raw []byte) *rpcMessage {
	var msg rpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return newError(nil, codeParseError, "parse error")
	}

	switch {
	case msg.isRequest():
		return ps.handleRequest(ctx, &msg)
	case msg.isNotification():
		ps.handleNotification(ctx, &msg)
		return nil
	case msg.isResponse():
		ps.handleResponse(&msg)
		return nil
	default:
		return newError(msg.ID, codeInvalidRequest, "invalid request")
	}
}

func (ps *ProxySession) handleRequest(ctx context.Context, msg *rpcMessage) *rpcMessage {
	switch msg.Method {
	case "initialize":
		return ps.handleInitialize(msg)
	case "ping":
		return newResult(msg.ID, map[string]any{})
	case "logging/setLevel":
		return ps.handleSetLevel(msg)
	case "tools/list":
		return ps.handleListTools(ctx, msg)
	case "resources/list":
		return ps.handleListResources(ctx, msg)
	case "resources/templates/list":
		return ps.handleListResourceTemplates(ctx, msg)
	case "prompts/list":
		return ps.handleListPrompts(ctx, msg)
	case "tools/call":
		return ps.handleCallTool(ctx, msg)
	case "resources/read":
		return ps.handleReadResource(ctx, msg)
	case "prompts/get":
		return ps.handleGetPrompt(ctx, msg)
	case "completion/complete":
		return ps.handleComplete(ctx, msg)
	case "resources/subscribe":
		return ps.handleSubscribe(ctx, msg, true)
	case "resources/unsubscribe":
		return ps.handleSubscribe(ctx, msg, false)
	default:
		return newError(msg.ID, codeInvalidRequest, fmt.Sprintf("unknown method %q", msg.Method))
	}
}

func (ps *ProxySession) handleInitialize(msg *rpcMessage) *rpcMessage {
	ps.mu.Lock()
	ps.initialized = true
	ps.mu.Unlock()
	return newResult(msg.ID, map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    ps.sess.Client.AdvertisedCapabilities(),
		"serverInfo": map[string]any{
			"name":    "switchboard",
			"version": "1.0.0",
		},
	})
}

func (ps *ProxySession) handleSetLevel(msg *rpcMessage) *rpcMessage {
	var p struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Level == "" {
		return newError(msg.ID, codeInvalidParams, "level is required")
	}
	ps.mu.Lock()
	ps.logLevel = p.Level
	ps.mu.Unlock()
	return newResult(msg.ID, map[string]any{})
}

func (ps *ProxySession) handleListTools(ctx context.Context, msg *rpcMessage) *rpcMessage {
	tools := ps.sess.Client.ListTools()
	ps.audit.Emit(ctx, audit.KindResponseToolList, ps.sess.ID, "", ps.sess.Client.UserID(),
		map[string]any{"count": len(tools)})
	return newResult(msg.ID, map[string]any{"tools": tools})
}

func (ps *ProxySession) handleListResources(ctx context.Context, msg *rpcMessage) *rpcMessage {
	resources := ps.sess.Client.ListResources()
	ps.audit.Emit(ctx, audit.KindResponseResourceList, ps.sess.ID, "", ps.sess.Client.UserID(),
		map[string]any{"count": len(resources)})
	return newResult(msg.ID, map[string]any{"resources": resources})
}

func (ps *ProxySession) handleListResourceTemplates(ctx context.Context, msg *rpcMessage) *rpcMessage {
	templates := ps.sess.Client.ListResourceTemplates()
	if templates == nil {
		templates = []mcp.ResourceTemplate{}
	}
	ps.audit.Emit(ctx, audit.KindResponseResourceList, ps.sess.ID, "", ps.sess.Client.UserID(),
		map[string]any{"count": len(templates), "templates": true})
	return newResult(msg.ID, map[string]any{"resourceTemplates": templates})
}

func (ps *ProxySession) handleListPrompts(ctx context.Context, msg *rpcMessage) *rpcMessage {
	prompts := ps.sess.Client.ListPrompts()
	ps.audit.Emit(ctx, audit.KindResponsePromptList, ps.sess.ID, "", ps.sess.Client.UserID(),
		map[string]any{"count": len(prompts)})
	return newResult(msg.ID, map[string]any{"prompts": prompts})
}

func (ps *ProxySession) handleCallTool(ctx context.Context, msg *rpcMessage) *rpcMessage {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
		Meta      struct {
			ProgressToken json.RawMessage `json:"progressToken,omitempty"`
		} `json:"_meta,omitempty"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Name == "" {
		return newError(msg.ID, codeInvalidParams, "tool name is required")
	}

	sc, original, err := ps.sess.Client.ResolveTool(p.Name)
	if err != nil {
		return resolveError(msg.ID, err)
	}

	if ps.sess.Client.DangerLevel(sc, original) == store.DangerApproval {
		if !ps.awaitApproval(ctx, p.Name, p.Arguments) {
			ps.audit.Emit(ctx, audit.KindRequestTool, ps.sess.ID, sc.Entity().ServerID, ps.sess.Client.UserID(),
				map[string]any{"tool": original, "denied": true})
			return newError(msg.ID, codeInvalidRequest, "User denied tool execution")
		}
	}

	var args map[string]any
	if len(p.Arguments) > 0 {
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return newError(msg.ID, codeInvalidParams, "arguments must be an object")
		}
	}

	return ps.forward(ctx, msg, sc, audit.KindRequestTool, audit.KindResponseTool, func(callCtx context.Context, sc *supervisor.ServerContext, entry *pendingRequest, uniformID string) (any, error) {
		mcpClient, err := sc.Client()
		if err != nil {
			return nil, err
		}
		req := mcp.CallToolRequest{
			Params: mcp.CallToolParams{
				Name:      original,
				Arguments: args,
				Meta: &mcp.Meta{
					ProgressToken: entry.ProxyID,
					AdditionalFields: map[string]any{
						"proxyContext": map[string]any{
							"proxyRequestId":   entry.ProxyID,
							"uniformRequestId": uniformID,
						},
					},
				},
			},
		}
		return mcpClient.CallTool(callCtx, req)
	})
}

func (ps *ProxySession) handleReadResource(ctx context.Context, msg *rpcMessage) *rpcMessage {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.URI == "" {
		return newError(msg.ID, codeInvalidParams, "uri is required")
	}

	sc, original, err := ps.sess.Client.ResolveResource(p.URI)
	if err != nil {
		return resolveError(msg.ID, err)
	}

	return ps.forward(ctx, msg, sc, audit.KindRequestResource, audit.KindResponseResource, func(callCtx context.Context, sc *supervisor.ServerContext, _ *pendingRequest, _ string) (any, error) {
		mcpClient, err := sc.Client()
		if err != nil {
			return nil, err
		}
		var req mcp.ReadResourceRequest
		req.Params.URI = original
		return mcpClient.ReadResource(callCtx, req)
	})
}

func (ps *ProxySession) handleGetPrompt(ctx context.Context, msg *rpcMessage) *rpcMessage {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Name == "" {
		return newError(msg.ID, codeInvalidParams, "prompt name is required")
	}

	sc, original, err := ps.sess.Client.ResolvePrompt(p.Name)
	if err != nil {
		return resolveError(msg.ID, err)
	}

	return ps.forward(ctx, msg, sc, audit.KindRequestPrompt, audit.KindResponsePrompt, func(callCtx context.Context, sc *supervisor.ServerContext, _ *pendingRequest, _ string) (any, error) {
		mcpClient, err := sc.Client()
		if err != nil {
			return nil, err
		}
		var req mcp.GetPromptRequest
		req.Params.Name = original
		req.Params.Arguments = p.Arguments
		return mcpClient.GetPrompt(callCtx, req)
	})
}

func (ps *ProxySession) handleComplete(ctx context.Context, msg *rpcMessage) *rpcMessage {
	var p struct {
		Ref struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
			URI  string `json:"uri,omitempty"`
		} `json:"ref"`
		Argument struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"argument"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return newError(msg.ID, codeInvalidParams, "malformed completion request")
	}

	var (
		sc       *supervisor.ServerContext
		original string
		err      error
		ref      map[string]any
	)
	switch p.Ref.Type {
	case "ref/prompt":
		sc, original, err = ps.sess.Client.ResolvePrompt(p.Ref.Name)
		ref = map[string]any{"type": p.Ref.Type, "name": original}
	case "ref/resource":
		sc, original, err = ps.sess.Client.ResolveResource(p.Ref.URI)
		ref = map[string]any{"type": p.Ref.Type, "uri": original}
	default:
		return newError(msg.ID, codeInvalidParams, fmt.Sprintf("unknown completion ref type %q", p.Ref.Type))
	}
	if err != nil {
		return resolveError(msg.ID, err)
	}

	return ps.forward(ctx, msg, sc, audit.KindRequestPrompt, audit.KindResponsePrompt, func(callCtx context.Context, sc *supervisor.ServerContext, _ *pendingRequest, _ string) (any, error) {
		mcpClient, err := sc.Client()
		if err != nil {
			return nil, err
		}
		var req mcp.CompleteRequest
		req.Params.Ref = ref
		req.Params.Argument.Name = p.Argument.Name
		req.Params.Argument.Value = p.Argument.Value
		return mcpClient.Complete(callCtx, req)
	})
}

func (ps *ProxySession) handleSubscribe(ctx context.Context, msg *rpcMessage, subscribe bool) *rpcMessage {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.URI == "" {
		return newError(msg.ID, codeInvalidParams, "uri is required")
	}

	sc, original, err := ps.sess.Client.ResolveResource(p.URI)
	if err != nil {
		return resolveError(msg.ID, err)
	}
	if err := ps.sup.EnsureAvailable(ctx, sc); err != nil {
		return newError(msg.ID, codeInternalError, err.Error())
	}

	if subscribe {
		err = ps.sup.SubscribeResource(ctx, sc, original, ps.sess.ID)
	} else {
		err = ps.sup.UnsubscribeResource(ctx, sc, original, ps.sess.ID)
	}
	if err != nil {
		return newError(msg.ID, codeInternalError, err.Error())
	}
	return newResult(msg.ID, map[string]any{})
}

// forward runs one downstream call under a registered request id mapping,
// retrying after a reconnect when the transport dropped mid-call. An error
// frame the server answered with is final and keeps its code; only a dead
// transport triggers the reconnect path.
func (ps *ProxySession) forward(ctx context.Context, msg *rpcMessage, sc *supervisor.ServerContext, requestKind, responseKind string, call func(context.Context, *supervisor.ServerContext, *pendingRequest, string) (any, error)) *rpcMessage {
	if err := ps.sup.EnsureAvailable(ctx, sc); err != nil {
		ps.audit.Emit(ctx, audit.KindErrorInternal, ps.sess.ID, sc.Entity().ServerID, ps.sess.Client.UserID(),
			map[string]any{"method": msg.Method, "error": err.Error()})
		return newError(msg.ID, codeInternalError, err.Error())
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	callCtx, capture := transport.WithResponseCapture(callCtx)

	entry, err := ps.ids.Register(msg.ID, sc.InstanceID(), msg.Method, cancel)
	if err != nil {
		return newError(msg.ID, codeInvalidRequest, err.Error())
	}
	defer ps.ids.Complete(entry.ProxyID)
	entry.ProgressToken = ps.progressToken(msg)

	uniformID := uuid.NewString()
	start := time.Now()

	ps.audit.EmitRequest(ctx, requestKind, ps.sess.ID, sc.Entity().ServerID, ps.sess.Client.UserID(),
		audit.RequestRecord{
			UpstreamRequestID: json.RawMessage(msg.ID),
			UniformRequestID:  uniformID,
			Params:            msg.Params,
		})

	var result any
	for attempt := 0; ; attempt++ {
		result, err = call(callCtx, sc, entry, uniformID)
		if err == nil || callCtx.Err() != nil || attempt >= maxForwardRetries {
			break
		}
		// Only a transport that died without answering is worth a
		// reconnect. Temporary instances have no shared record to
		// reconnect from.
		if capture.Answered() || sc.UserID() != "" {
			break
		}
		fresh, reconnErr := ps.sup.ReconnectServer(ctx, sc.Entity())
		if reconnErr != nil {
			ps.sup.ScheduleReconnect(sc.Entity())
			break
		}
		sc = fresh
		logging.Debug("Proxy", "Retrying %s on %s after reconnect (attempt %d)",
			msg.Method, sc.Entity().ServerID, attempt+1)
	}

	rec := audit.RequestRecord{
		UpstreamRequestID: json.RawMessage(msg.ID),
		UniformRequestID:  uniformID,
		Params:            msg.Params,
		DurationMs:        time.Since(start).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
		resp := forwardError(msg.ID, callCtx.Err() != nil, capture, err)
		rec.StatusCode = resp.Error.Code
		ps.audit.EmitRequest(ctx, responseKind, ps.sess.ID, sc.Entity().ServerID, ps.sess.Client.UserID(), rec)
		return resp
	}

	data, err := json.Marshal(result)
	if err != nil {
		return newError(msg.ID, codeInternalError, "failed to encode downstream result")
	}
	rec.ResponseResult = data
	rec.StatusCode = 200
	ps.audit.EmitRequest(ctx, responseKind, ps.sess.ID, sc.Entity().ServerID, ps.sess.Client.UserID(), rec)
	return &rpcMessage{JSONRPC: "2.0", ID: msg.ID, Result: data}
}

// forwardError maps a failed downstream call onto the client-facing error
// taxonomy: cancellation, the server's own answer when one arrived, and
// ConnectionClosed when the transport stayed dead through the retries.
func forwardError(id json.RawMessage, cancelled bool, capture *transport.ResponseCapture, err error) *rpcMessage {
	if cancelled {
		return newError(id, codeInvalidRequest, "request was cancelled")
	}
	if code, message, ok := capture.Answer(); ok {
		if message == "" {
			message = err.Error()
		}
		switch code {
		case codeInvalidRequest, codeMethodNotFound, codeInvalidParams, codeInternalError, codeConnectionClosed:
			return newError(id, code, message)
		}
		return newError(id, codeInternalError, message)
	}
	return newError(id, codeConnectionClosed, err.Error())
}

func (ps *ProxySession) progressToken(msg *rpcMessage) json.RawMessage {
	var p struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken,omitempty"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return nil
	}
	return p.Meta.ProgressToken
}

// awaitApproval blocks on the out-of-band confirmation flow. The pending
// approval is announced on the session stream so a client UI can resolve
// it; silence counts as denial.
func (ps *ProxySession) awaitApproval(ctx context.Context, tool string, args json.RawMessage) bool {
	id := ps.approvals.Begin(ps.sess.ID, tool, args)
	ps.sendRaw(newNotification("notifications/approval/requested", map[string]any{
		"approvalId": id,
		"tool":       tool,
	}))
	return ps.approvals.Await(ctx, id)
}

func (ps *ProxySession) handleNotification(ctx context.Context, msg *rpcMessage) {
	switch msg.Method {
	case "notifications/initialized":
	case "notifications/cancelled":
		var p struct {
			RequestID json.RawMessage `json:"requestId"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil || len(p.RequestID) == 0 {
			return
		}
		if entry, ok := ps.ids.CancelByOriginal(p.RequestID); ok {
			logging.Debug("Proxy", "Cancelled request %s", entry.ProxyID)
		}
	default:
		logging.Debug("Proxy", "Ignoring client notification %s", msg.Method)
	}
}

func (ps *ProxySession) handleResponse(msg *rpcMessage) {
	var key string
	if err := json.Unmarshal(msg.ID, &key); err != nil {
		return
	}
	ps.mu.Lock()
	ch, ok := ps.reverseWaits[key]
	if ok {
		delete(ps.reverseWaits, key)
	}
	ps.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// ForwardSampling relays a downstream createMessage request to the client.
func (ps *ProxySession) ForwardSampling(ctx context.Context, request mcp.CreateMessageRequest, related json.RawMessage) (*mcp.CreateMessageResult, error) {
	params, err := reverseParams(request, related)
	if err != nil {
		return nil, err
	}
	resp, err := ps.forwardReverse(ctx, "sampling/createMessage", params, ps.timeouts.Sampling)
	if err != nil {
		return nil, err
	}
	var result mcp.CreateMessageResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed sampling result: %w", err)
	}
	return &result, nil
}

// ForwardElicitation relays a downstream elicit request to the client.
func (ps *ProxySession) ForwardElicitation(ctx context.Context, request mcp.ElicitationRequest, related json.RawMessage) (*mcp.ElicitationResult, error) {
	params, err := reverseParams(request, related)
	if err != nil {
		return nil, err
	}
	resp, err := ps.forwardReverse(ctx, "elicitation/create", params, ps.timeouts.Elicitation)
	if err != nil {
		return nil, err
	}
	var result mcp.ElicitationResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed elicitation result: %w", err)
	}
	return &result, nil
}

// ForwardRootsList asks the client for its filesystem roots.
func (ps *ProxySession) ForwardRootsList(ctx context.Context) (*mcp.ListRootsResult, error) {
	resp, err := ps.forwardReverse(ctx, "roots/list", nil, ps.timeouts.Roots)
	if err != nil {
		return nil, err
	}
	var result mcp.ListRootsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("malformed roots result: %w", err)
	}
	return &result, nil
}

func (ps *ProxySession) forwardReverse(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (*rpcMessage, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, errors.New("session is closed")
	}
	ps.reverseSeq++
	key := fmt.Sprintf("r%d", ps.reverseSeq)
	ch := make(chan *rpcMessage, 1)
	ps.reverseWaits[key] = ch
	ps.mu.Unlock()

	defer func() {
		ps.mu.Lock()
		delete(ps.reverseWaits, key)
		ps.mu.Unlock()
	}()

	idJSON, _ := json.Marshal(key)
	ps.sendRaw(&rpcMessage{JSONRPC: "2.0", ID: idJSON, Method: method, Params: params})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-timer.C:
		return nil, &ReverseRequestTimeoutError{Method: method, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NotifyCapabilityChanged tells the client every list kind may have moved.
func (ps *ProxySession) NotifyCapabilityChanged() {
	ps.sendRaw(newNotification("notifications/tools/list_changed", nil))
	ps.sendRaw(newNotification("notifications/resources/list_changed", nil))
	ps.sendRaw(newNotification("notifications/prompts/list_changed", nil))
}

// Attach installs a live stream for this session. Events appended since
// lastEventID are returned for replay; the channel carries everything
// after. Attaching replaces any previous stream.
func (ps *ProxySession) Attach(lastEventID string) ([]eventstore.Event, <-chan eventstore.Event, func(), error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	replay, err := ps.sess.Events.ReplayAfter(lastEventID)
	if err != nil {
		return nil, nil, nil, err
	}
	if ps.subscriber != nil {
		close(ps.subscriber)
	}
	ch := make(chan eventstore.Event, 64)
	ps.subscriber = ch

	detach := func() {
		ps.mu.Lock()
		if ps.subscriber == ch {
			ps.subscriber = nil
		}
		ps.mu.Unlock()
	}
	return replay, ch, detach, nil
}

// sendRaw appends a frame to the event store and delivers it to the live
// stream. A reader too slow to keep up is detached; it resumes from the
// store with Last-Event-Id.
func (ps *ProxySession) sendRaw(msg *rpcMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return
	}
	id := ps.sess.Events.Append(data)
	if ps.subscriber == nil {
		return
	}
	select {
	case ps.subscriber <- eventstore.Event{ID: id, Data: data}:
	default:
		close(ps.subscriber)
		ps.subscriber = nil
		logging.Debug("Proxy", "Detached slow stream for session %s", logging.TruncateSessionID(ps.sess.ID))
	}
}

func (ps *ProxySession) close() {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	ps.closed = true
	if ps.subscriber != nil {
		close(ps.subscriber)
		ps.subscriber = nil
	}
	waits := ps.reverseWaits
	ps.reverseWaits = make(map[string]chan *rpcMessage)
	ps.mu.Unlock()

	for _, ch := range waits {
		ch <- newError(nil, codeConnectionClosed, "session closed")
	}
}

// resolveError maps name resolution failures onto the MCP error taxonomy.
func resolveError(id json.RawMessage, err error) *rpcMessage {
	var unknown *session.UnknownServerError
	var denied *session.PermissionError
	switch {
	case errors.As(err, &unknown):
		return newError(id, codeInvalidParams, err.Error())
	case errors.As(err, &denied):
		return newError(id, codeInvalidParams, "Permission denied")
	default:
		return newError(id, codeMethodNotFound, err.Error())
	}
}

// reverseParams rebuilds a reverse request's params for the client: the
// proxy routing context is stripped and relatedRequestId points back at
// the client's own request id.
func reverseParams(request any, related json.RawMessage) (json.RawMessage, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}

	params := map[string]json.RawMessage{}
	if p, ok := top["params"]; ok {
		if err := json.Unmarshal(p, &params); err != nil {
			return nil, err
		}
	}
	// Some request shapes flatten their params beside the envelope.
	for k, v := range top {
		switch k {
		case "jsonrpc", "id", "method", "params":
			continue
		}
		if _, exists := params[k]; !exists {
			params[k] = v
		}
	}

	meta := map[string]json.RawMessage{}
	if m, ok := params["_meta"]; ok {
		if err := json.Unmarshal(m, &meta); err == nil {
			delete(meta, "proxyContext")
		}
	}
	if len(related) > 0 {
		meta["relatedRequestId"] = related
	}
	if len(meta) > 0 {
		mm, err := json.Marshal(meta)
		if err == nil {
			params["_meta"] = mm
		}
	} else {
		delete(params, "_meta")
	}
	return json.Marshal(params)
}
