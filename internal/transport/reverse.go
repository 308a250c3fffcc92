package transport

import (
	"context"
	"encoding/json"
	"sync"

	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

type contextKey int

const (
	proxyRequestIDKey contextKey = iota
	responseCaptureKey
)

// ResponseCapture records whether a downstream answered a request with a
// JSON-RPC error frame, and with which code. The mcp-go client flattens
// such answers into a plain error, which is indistinguishable from a dead
// transport; the capture keeps the two apart for the caller.
type ResponseCapture struct {
	mu      sync.Mutex
	seen    bool
	code    int
	message string
}

// WithResponseCapture arms a context with a capture slot the transport
// fills in when the downstream answers with an error frame.
func WithResponseCapture(ctx context.Context) (context.Context, *ResponseCapture) {
	c := &ResponseCapture{}
	return context.WithValue(ctx, responseCaptureKey, c), c
}

// Observe records an error frame. Later frames win so a retried call
// reports its final answer.
func (c *ResponseCapture) Observe(code int, message string) {
	c.mu.Lock()
	c.seen = true
	c.code = code
	c.message = message
	c.mu.Unlock()
}

// Answer returns the recorded error code and message, if any frame was
// observed.
func (c *ResponseCapture) Answer() (int, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.message, c.seen
}

// Answered reports whether the downstream produced an error frame, as
// opposed to the transport dying before any answer.
func (c *ResponseCapture) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen
}

// WithProxyRequestID returns a context carrying the proxy request id of a
// server-initiated request.
func WithProxyRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, proxyRequestIDKey, id)
}

// ProxyRequestID returns the proxy request id carried by a server-initiated
// request, stashed by the transport before the typed handlers strip the
// routing metadata.
func ProxyRequestID(ctx context.Context) string {
	id, _ := ctx.Value(proxyRequestIDKey).(string)
	return id
}

// reverseAwareTransport wraps a raw transport so that (a) error frames
// answered by the downstream are observable through a ResponseCapture and
// (b) the proxyContext routing metadata of incoming server-initiated
// requests survives into the handler's context. The typed client layer
// drops both: error frames collapse into plain errors and reverse request
// params are re-unmarshaled into structs without a _meta field.
type reverseAwareTransport struct {
	inner mcptransport.Interface
}

func (t *reverseAwareTransport) Start(ctx context.Context) error { return t.inner.Start(ctx) }
func (t *reverseAwareTransport) Close() error                    { return t.inner.Close() }
func (t *reverseAwareTransport) GetSessionId() string            { return t.inner.GetSessionId() }

func (t *reverseAwareTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return t.inner.SendNotification(ctx, notification)
}

func (t *reverseAwareTransport) SetNotificationHandler(handler func(notification mcp.JSONRPCNotification)) {
	t.inner.SetNotificationHandler(handler)
}

func (t *reverseAwareTransport) SendRequest(ctx context.Context, request mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
	resp, err := t.inner.SendRequest(ctx, request)
	if err == nil && resp != nil && resp.Error != nil {
		if capture, ok := ctx.Value(responseCaptureKey).(*ResponseCapture); ok {
			capture.Observe(resp.Error.Code, resp.Error.Message)
		}
	}
	return resp, err
}

// bidiReverseAwareTransport additionally intercepts the incoming request
// handler of a bidirectional transport.
type bidiReverseAwareTransport struct {
	reverseAwareTransport
	bidi mcptransport.BidirectionalInterface
}

func (t *bidiReverseAwareTransport) SetRequestHandler(handler mcptransport.RequestHandler) {
	t.bidi.SetRequestHandler(func(ctx context.Context, request mcptransport.JSONRPCRequest) (*mcptransport.JSONRPCResponse, error) {
		if id := proxyRequestIDFromParams(request.Params); id != "" {
			ctx = WithProxyRequestID(ctx, id)
		}
		return handler(ctx, request)
	})
}

// decorate wraps a raw transport, preserving bidirectionality when the
// inner transport supports it.
func decorate(inner mcptransport.Interface) mcptransport.Interface {
	wrapped := reverseAwareTransport{inner: inner}
	if bidi, ok := inner.(mcptransport.BidirectionalInterface); ok {
		return &bidiReverseAwareTransport{reverseAwareTransport: wrapped, bidi: bidi}
	}
	return &wrapped
}

// proxyRequestIDFromParams digs _meta.proxyContext.proxyRequestId out of
// still-raw request params.
func proxyRequestIDFromParams(params any) string {
	if params == nil {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	var probe struct {
		Meta struct {
			ProxyContext struct {
				ProxyRequestID string `json:"proxyRequestId"`
			} `json:"proxyContext"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Meta.ProxyContext.ProxyRequestID
}
