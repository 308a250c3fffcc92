// Package audit records the proxy's observable events into the log
// repository. Recording is best-effort: a failing store never fails the
// operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"switchboard/internal/store"
	"switchboard/pkg/logging"
)

// Event kinds.
const (
	KindSessionInit            = "SessionInit"
	KindSessionClose           = "SessionClose"
	KindServerInit             = "ServerInit"
	KindServerClose            = "ServerClose"
	KindServerCapabilityUpdate = "ServerCapabilityUpdate"
	KindRequestTool            = "RequestTool"
	KindRequestResource        = "RequestResource"
	KindRequestPrompt          = "RequestPrompt"
	KindResponseTool           = "ResponseTool"
	KindResponseResource       = "ResponseResource"
	KindResponsePrompt         = "ResponsePrompt"
	KindResponseToolList       = "ResponseToolList"
	KindResponseResourceList   = "ResponseResourceList"
	KindResponsePromptList     = "ResponsePromptList"
	KindErrorInternal          = "ErrorInternal"
)

// RequestRecord is the payload attached to request/response events.
type RequestRecord struct {
	UpstreamRequestID any             `json:"upstreamRequestId,omitempty"`
	UniformRequestID  string          `json:"uniformRequestId,omitempty"`
	Params            json.RawMessage `json:"params,omitempty"`
	ResponseResult    json.RawMessage `json:"responseResult,omitempty"`
	Error             string          `json:"error,omitempty"`
	DurationMs        int64           `json:"durationMs,omitempty"`
	StatusCode        int             `json:"statusCode,omitempty"`
}

// Service writes audit events.
type Service struct {
	logs store.LogRepository
}

// NewService creates a Service. A nil repository disables auditing.
func NewService(logs store.LogRepository) *Service {
	return &Service{logs: logs}
}

// Emit records an event with an arbitrary payload.
func (s *Service) Emit(ctx context.Context, kind, sessionID, serverID, userID string, payload any) {
	if s == nil || s.logs == nil {
		return
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			logging.Warn("Audit", "Failed to encode %s payload: %v", kind, err)
		} else {
			raw = encoded
		}
	}

	_, err := s.logs.Append(ctx, &store.LogEntry{
		Kind:      kind,
		SessionID: sessionID,
		ServerID:  serverID,
		UserID:    userID,
		Payload:   raw,
		CreatedAt: time.Now(),
	})
	if err != nil {
		logging.Warn("Audit", "Failed to record %s event: %v", kind, err)
	}
}

// EmitRequest records a request/response pair with its timing.
func (s *Service) EmitRequest(ctx context.Context, kind, sessionID, serverID, userID string, rec RequestRecord) {
	s.Emit(ctx, kind, sessionID, serverID, userID, rec)
}
