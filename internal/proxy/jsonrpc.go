package proxy

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes surfaced to clients, plus the SDK convention
// code for requests arriving without a live session.
const (
	codeParseError       = -32700
	codeInvalidRequest   = -32600
	codeMethodNotFound   = -32601
	codeInvalidParams    = -32602
	codeInternalError    = -32603
	codeConnectionClosed = -32000
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is the wire envelope for every client-facing frame. A request
// has Method and ID, a notification has Method only, a response has Result
// or Error.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (m *rpcMessage) isRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

func (m *rpcMessage) isNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

func (m *rpcMessage) isResponse() bool {
	return m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

func newResult(id json.RawMessage, result any) *rpcMessage {
	data, err := json.Marshal(result)
	if err != nil {
		return newError(id, codeInternalError, "failed to encode result")
	}
	return &rpcMessage{JSONRPC: "2.0", ID: id, Result: data}
}

func newError(id json.RawMessage, code int, message string) *rpcMessage {
	return &rpcMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	}
}

func newNotification(method string, params any) *rpcMessage {
	msg := &rpcMessage{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err == nil {
			msg.Params = data
		}
	}
	return msg
}

// idToken renders a JSON-RPC id for embedding in a proxy request id. String
// ids lose their quotes, everything else keeps its JSON form.
func idToken(id json.RawMessage) string {
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}
