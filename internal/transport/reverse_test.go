package transport

import (
	"context"
	"encoding/json"
	"testing"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWire is a minimal bidirectional transport double.
type fakeWire struct {
	handler  mcptransport.RequestHandler
	response *mcptransport.JSONRPCResponse
	err      error
}

func (f *fakeWire) Start(context.Context) error { return nil }
func (f *fakeWire) Close() error                { return nil }
func (f *fakeWire) GetSessionId() string        { return "" }

func (f *fakeWire) SendRequest(context.Context, mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	return f.response, f.err
}

func (f *fakeWire) SendNotification(context.Context, mcp.JSONRPCNotification) error { return nil }
func (f *fakeWire) SetNotificationHandler(func(mcp.JSONRPCNotification))            {}

func (f *fakeWire) SetRequestHandler(handler mcptransport.RequestHandler) {
	f.handler = handler
}

func wireResponse(t *testing.T, raw string) *mcptransport.JSONRPCResponse {
	t.Helper()
	var resp mcptransport.JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return &resp
}

func wireRequest(t *testing.T, raw string) mcptransport.JSONRPCRequest {
	t.Helper()
	var req mcptransport.JSONRPCRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	return req
}

func TestDecorateRecoversProxyRequestID(t *testing.T) {
	wire := &fakeWire{}
	decorated := decorate(wire)

	bidi, ok := decorated.(mcptransport.BidirectionalInterface)
	require.True(t, ok, "bidirectional transports must stay bidirectional")

	var seen string
	bidi.SetRequestHandler(func(ctx context.Context, request mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
		seen = ProxyRequestID(ctx)
		return nil, nil
	})
	require.NotNil(t, wire.handler)

	_, _ = wire.handler(context.Background(), wireRequest(t,
		`{"jsonrpc":"2.0","id":9,"method":"sampling/createMessage","params":{"_meta":{"proxyContext":{"proxyRequestId":"sess42:17:1"}}}}`))
	assert.Equal(t, "sess42:17:1", seen)

	seen = "unset"
	_, _ = wire.handler(context.Background(), wireRequest(t,
		`{"jsonrpc":"2.0","id":10,"method":"roots/list"}`))
	assert.Empty(t, seen, "requests without routing metadata carry no id")
}

func TestDecorateCapturesErrorFrames(t *testing.T) {
	wire := &fakeWire{
		response: wireResponse(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"tool not found"}}`),
	}
	decorated := decorate(wire)

	ctx, capture := WithResponseCapture(context.Background())
	_, err := decorated.SendRequest(ctx, wireRequest(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))
	require.NoError(t, err)

	code, message, answered := capture.Answer()
	require.True(t, answered)
	assert.Equal(t, -32601, code)
	assert.Equal(t, "tool not found", message)
}

func TestDecorateIgnoresSuccessFrames(t *testing.T) {
	wire := &fakeWire{
		response: wireResponse(t, `{"jsonrpc":"2.0","id":1,"result":{}}`),
	}
	decorated := decorate(wire)

	ctx, capture := WithResponseCapture(context.Background())
	_, err := decorated.SendRequest(ctx, wireRequest(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	assert.False(t, capture.Answered())

	// A transport-level failure leaves the capture empty too.
	wire.response = nil
	wire.err = context.DeadlineExceeded
	_, err = decorated.SendRequest(ctx, wireRequest(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	require.Error(t, err)
	assert.False(t, capture.Answered())
}

func TestProxyRequestIDDefaultsEmpty(t *testing.T) {
	assert.Empty(t, ProxyRequestID(context.Background()))
	ctx := WithProxyRequestID(context.Background(), "sess-1:4:2")
	assert.Equal(t, "sess-1:4:2", ctx.Value(proxyRequestIDKey))
}
