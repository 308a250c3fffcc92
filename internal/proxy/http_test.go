package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *testRig) {
	t.Helper()
	rig := newTestRig(t)

	require.NoError(t, rig.store.Users().Put(context.Background(), grantedUser()))
	require.NoError(t, rig.store.Users().Put(context.Background(), &store.User{UserID: "u-2"}))

	h := NewHandler(HandlerConfig{
		BaseURL:    "http://proxy.test",
		Auth:       &StaticTokenAuthenticator{Tokens: map[string]string{"tok-1": "u-1", "tok-2": "u-2"}, Users: rig.store.Users()},
		Sessions:   rig.sessions,
		Supervisor: rig.sup,
		Router:     rig.router,
		Approvals:  rig.approvals,
		Audit:      rig.audit,
	})
	return h, rig
}

func doJSON(t *testing.T, h http.Handler, method, path, token, sessionID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func initSession(t *testing.T, h http.Handler, token string) string {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/mcp", token, "",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	require.Equal(t, http.StatusOK, w.Code)
	sessionID := w.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	return sessionID
}

func TestMCPMethodMatrix(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodOptions, "/mcp", "", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = doJSON(t, h, http.MethodHead, "/mcp", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	challenge := w.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, `Bearer error="invalid_token"`)
	assert.Contains(t, challenge, "/.well-known/oauth-protected-resource")

	w = doJSON(t, h, http.MethodHead, "/mcp", "tok-1", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	for _, method := range []string{http.MethodPut, http.MethodPatch} {
		w = doJSON(t, h, method, "/mcp", "tok-1", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		var resp rpcMessage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, codeConnectionClosed, resp.Error.Code)
	}
}

func TestPostRequiresBearerToken(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/mcp", "", "",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodPost, "/mcp", "bogus", "",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInitializeOpensSession(t *testing.T) {
	h, rig := newTestHandler(t)

	sessionID := initSession(t, h, "tok-1")
	_, ok := rig.router.Get(sessionID)
	assert.True(t, ok, "proxy session must be registered with the router")

	// The session now serves follow-up requests.
	w := doJSON(t, h, http.MethodPost, "/mcp", "tok-1", sessionID,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var resp rpcMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp.Error)
}

func TestRequestWithoutSessionIsRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/mcp", "tok-1", "",
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp rpcMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeConnectionClosed, resp.Error.Code)

	w = doJSON(t, h, http.MethodPost, "/mcp", "tok-1", "no-such-session",
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionsAreOwnedByTheirUser(t *testing.T) {
	h, _ := newTestHandler(t)

	sessionID := initSession(t, h, "tok-1")
	w := doJSON(t, h, http.MethodPost, "/mcp", "tok-2", sessionID,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPermissionEditReachesOpenSession(t *testing.T) {
	h, rig := newTestHandler(t)
	rig.sup.AddSleepingServer(toolServer("srv-a", "search", store.DangerSilent))
	require.NoError(t, rig.store.Users().Put(context.Background(), grantedUser("srv-a")))

	sessionID := initSession(t, h, "tok-1")

	listTools := func() int {
		w := doJSON(t, h, http.MethodPost, "/mcp", "tok-1", sessionID,
			[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
		require.Equal(t, http.StatusOK, w.Code)
		var resp rpcMessage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Nil(t, resp.Error)
		var result struct {
			Tools []json.RawMessage `json:"tools"`
		}
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		return len(result.Tools)
	}

	require.Equal(t, 1, listTools())

	// Revoking the grant applies on the next request of the open session,
	// not only to sessions created afterwards.
	require.NoError(t, rig.store.Users().Put(context.Background(), &store.User{UserID: "u-1"}))
	assert.Equal(t, 0, listTools())
}

func TestNotificationsAreAccepted(t *testing.T) {
	h, _ := newTestHandler(t)

	sessionID := initSession(t, h, "tok-1")
	w := doJSON(t, h, http.MethodPost, "/mcp", "tok-1", sessionID,
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestDeleteTerminatesSession(t *testing.T) {
	h, _ := newTestHandler(t)

	sessionID := initSession(t, h, "tok-1")
	w := doJSON(t, h, http.MethodDelete, "/mcp", "tok-1", sessionID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodPost, "/mcp", "tok-1", sessionID,
		[]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRequiresEventStreamAccept(t *testing.T) {
	h, _ := newTestHandler(t)

	sessionID := initSession(t, h, "tok-1")
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	req.Header.Set("Mcp-Session-Id", sessionID)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStreamsBufferedEvents(t *testing.T) {
	h, rig := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessionID := initSession(t, h, "tok-1")
	ps, ok := rig.router.Get(sessionID)
	require.True(t, ok)
	ps.NotifyCapabilityChanged()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-1")
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The three list_changed frames were appended before we attached and
	// arrive as replay.
	reader := bufio.NewReader(resp.Body)
	var ids, frames []string
	for len(frames) < 3 {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimSpace(strings.TrimPrefix(line, "data: ")))
		}
	}
	require.Len(t, frames, 3)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestApprovalEndpoints(t *testing.T) {
	h, rig := newTestHandler(t)

	sessionID := initSession(t, h, "tok-1")
	approvalID := rig.approvals.Begin(sessionID, "drop_-_1", nil)

	// The owner sees the pending approval.
	w := doJSON(t, h, http.MethodGet, "/approvals", "tok-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Approvals []ApprovalRequest `json:"approvals"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Approvals, 1)
	assert.Equal(t, approvalID, list.Approvals[0].ID)

	// Another user sees nothing and cannot resolve it.
	w = doJSON(t, h, http.MethodGet, "/approvals", "tok-2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Approvals)

	w = doJSON(t, h, http.MethodPost, "/approvals/"+approvalID, "tok-2", "",
		[]byte(`{"approved":true}`))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The owner resolves it.
	w = doJSON(t, h, http.MethodPost, "/approvals/"+approvalID, "tok-1", "",
		[]byte(`{"approved":true}`))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodPost, "/approvals/"+approvalID, "tok-1", "",
		[]byte(`{"approved":true}`))
	assert.Equal(t, http.StatusNotFound, w.Code, "an approval resolves at most once")
}

func TestProtectedResourceMetadata(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/.well-known/oauth-protected-resource", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var meta struct {
		Resource string `json:"resource"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, "http://proxy.test/mcp", meta.Resource)
}
