package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"switchboard/internal/audit"
	"switchboard/internal/session"
	"switchboard/internal/store"
	"switchboard/internal/supervisor"
	"switchboard/pkg/logging"
)

const maxBodyBytes = 8 << 20

// Authenticator resolves a bearer token to a user record.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*store.User, error)
}

// AuthError signals a rejected credential. Its description ends up in the
// WWW-Authenticate challenge.
type AuthError struct {
	Description string
}

func (e *AuthError) Error() string { return e.Description }

// StaticTokenAuthenticator maps configured bearer tokens to user IDs and
// loads the user record on every request so permission edits take effect
// without restart.
type StaticTokenAuthenticator struct {
	Tokens map[string]string
	Users  store.UserRepository
}

func (a *StaticTokenAuthenticator) Authenticate(ctx context.Context, token string) (*store.User, error) {
	userID, ok := a.Tokens[token]
	if !ok {
		return nil, &AuthError{Description: "unknown bearer token"}
	}
	user, err := a.Users.Get(ctx, userID)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, &AuthError{Description: "user no longer exists"}
		}
		return nil, err
	}
	if user.Status == "disabled" {
		return nil, &AuthError{Description: "user is disabled"}
	}
	return user, nil
}

// HandlerConfig wires the HTTP surface to the running proxy.
type HandlerConfig struct {
	BaseURL    string
	Auth       Authenticator
	Sessions   *session.Store
	Supervisor *supervisor.Supervisor
	Router     *Router
	Approvals  *ApprovalService
	Audit      *audit.Service
	Timeouts   ReverseTimeouts
}

// Handler serves the client-facing MCP endpoint plus the small control
// surface around it (approvals, resource metadata).
type Handler struct {
	cfg HandlerConfig
	mux *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{cfg: cfg, mux: http.NewServeMux()}
	h.mux.HandleFunc("/mcp", h.handleMCP)
	h.mux.HandleFunc("/approvals", h.handleApprovalList)
	h.mux.HandleFunc("/approvals/", h.handleApprovalDecision)
	h.mux.HandleFunc("/.well-known/oauth-protected-resource", h.handleResourceMetadata)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		setCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodHead:
		if bearerToken(r) == "" {
			h.writeChallenge(w, "missing bearer token")
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	case http.MethodPut, http.MethodPatch:
		writeRPCError(w, http.StatusMethodNotAllowed, nil, codeConnectionClosed, "Method not allowed")
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body")
		return
	}

	var probe rpcMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON")
		return
	}

	sessionID := sessionHeader(r)

	if probe.Method == "initialize" && sessionID == "" {
		sess, err := h.cfg.Sessions.Create(r.Context(), user)
		if err != nil {
			var limit *session.SessionLimitExceededError
			if errors.As(err, &limit) {
				writeRPCError(w, http.StatusServiceUnavailable, probe.ID, codeInternalError, limit.Error())
				return
			}
			writeRPCError(w, http.StatusInternalServerError, probe.ID, codeInternalError, err.Error())
			return
		}
		ps := NewProxySession(sess, h.cfg.Supervisor, h.cfg.Router, h.cfg.Approvals, h.cfg.Audit, h.cfg.Timeouts)
		logging.Info("HTTP", "Session %s opened for user %s",
			logging.TruncateSessionID(sess.ID), user.UserID)

		w.Header().Set("Mcp-Session-Id", sess.ID)
		h.writeResponse(w, ps.HandleMessage(r.Context(), body))
		return
	}

	sess, ps, ok := h.lookupSession(w, user, sessionID, probe.ID)
	if !ok {
		return
	}
	sess.Touch()

	w.Header().Set("Mcp-Session-Id", sess.ID)
	h.writeResponse(w, ps.HandleMessage(r.Context(), body))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "client must accept text/event-stream", http.StatusBadRequest)
		return
	}

	sess, ps, ok := h.lookupSession(w, user, sessionHeader(r), nil)
	if !ok {
		return
	}
	sess.Touch()

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	replay, live, detach, err := ps.Attach(r.Header.Get("Last-Event-Id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Mcp-Session-Id", sess.ID)
	w.WriteHeader(http.StatusOK)

	for _, ev := range replay {
		fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", ev.ID, ev.Data)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open {
				// Stream torn down (session closed or buffer overrun).
				// The client resumes with Last-Event-Id.
				return
			}
			fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", ev.ID, ev.Data)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	sess, _, ok := h.lookupSession(w, user, sessionHeader(r), nil)
	if !ok {
		return
	}
	logging.Info("HTTP", "Session %s terminated by client", logging.TruncateSessionID(sess.ID))
	h.cfg.Sessions.Remove(r.Context(), sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

// lookupSession resolves the session header to a live session owned by the
// calling user. Missing header, unknown id, and foreign sessions all surface
// the same way so session ids stay unguessable.
func (h *Handler) lookupSession(w http.ResponseWriter, user *store.User, sessionID string, rpcID json.RawMessage) (*session.Session, *ProxySession, bool) {
	if sessionID == "" {
		writeRPCError(w, http.StatusBadRequest, rpcID, codeConnectionClosed, "no valid session, send initialize first")
		return nil, nil, false
	}
	sess, err := h.cfg.Sessions.Get(sessionID)
	if err != nil || sess.Client.UserID() != user.UserID {
		writeRPCError(w, http.StatusNotFound, rpcID, codeConnectionClosed, "session not found")
		return nil, nil, false
	}
	ps, ok := h.cfg.Router.Get(sessionID)
	if !ok {
		writeRPCError(w, http.StatusNotFound, rpcID, codeConnectionClosed, "session not found")
		return nil, nil, false
	}
	// The authenticator reloaded the user; swap the fresh record in so
	// permission edits apply to sessions already open.
	sess.Client.UpdateUser(user)
	return sess, ps, true
}

func (h *Handler) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	owned := make(map[string]struct{})
	for _, id := range h.cfg.Sessions.SessionsForUser(user.UserID) {
		owned[id] = struct{}{}
	}

	approvals := make([]ApprovalRequest, 0)
	for _, req := range h.cfg.Approvals.Pending() {
		if _, mine := owned[req.SessionID]; mine {
			approvals = append(approvals, req)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (h *Handler) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/approvals/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	var body struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	owned := make(map[string]struct{})
	for _, sid := range h.cfg.Sessions.SessionsForUser(user.UserID) {
		owned[sid] = struct{}{}
	}
	var mine bool
	for _, req := range h.cfg.Approvals.Pending() {
		if req.ID == id {
			_, mine = owned[req.SessionID]
			break
		}
	}
	if !mine || !h.cfg.Approvals.Resolve(id, body.Approved) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 h.cfg.BaseURL + "/mcp",
		"bearer_methods_supported": []string{"header"},
	})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	token := bearerToken(r)
	if token == "" {
		h.writeChallenge(w, "missing bearer token")
		return nil, false
	}
	user, err := h.cfg.Auth.Authenticate(r.Context(), token)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			h.writeChallenge(w, authErr.Description)
		} else {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
		}
		return nil, false
	}
	return user, true
}

func (h *Handler) writeChallenge(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer error="invalid_token", error_description=%q, resource_metadata=%q`,
		description, h.cfg.BaseURL+"/.well-known/oauth-protected-resource"))
	w.WriteHeader(http.StatusUnauthorized)
}

// writeResponse emits the JSON-RPC reply, or 202 when the inbound frame was
// a notification or response and produced none.
func (h *Handler) writeResponse(w http.ResponseWriter, resp *rpcMessage) {
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func sessionHeader(r *http.Request) string {
	return r.Header.Get("Mcp-Session-Id")
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, Last-Event-Id")
	h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(newError(id, code, message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
