package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchboard/pkg/logging"
)

const defaultApprovalTimeout = 55 * time.Second

// ApprovalRequest is one dangerous tool call waiting for user confirmation.
type ApprovalRequest struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type pendingApproval struct {
	req  ApprovalRequest
	done chan bool
}

// ApprovalService gates tool calls with danger level Approval. The calling
// session blocks until the decision arrives out-of-band or the timeout
// expires; timeout counts as denial.
type ApprovalService struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

func NewApprovalService(timeout time.Duration) *ApprovalService {
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	return &ApprovalService{
		timeout: timeout,
		pending: make(map[string]*pendingApproval),
	}
}

// Begin registers a pending approval and returns its id for the client UI.
func (s *ApprovalService) Begin(sessionID, tool string, args json.RawMessage) string {
	p := &pendingApproval{
		req: ApprovalRequest{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Tool:      tool,
			Arguments: args,
			CreatedAt: time.Now(),
		},
		done: make(chan bool, 1),
	}
	s.mu.Lock()
	s.pending[p.req.ID] = p
	s.mu.Unlock()
	return p.req.ID
}

// Await blocks until the approval is resolved, the timeout fires, or the
// caller's context ends. The entry is removed before returning.
func (s *ApprovalService) Await(ctx context.Context, id string) bool {
	s.mu.Lock()
	p, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return false
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var approved bool
	select {
	case approved = <-p.done:
	case <-timer.C:
		logging.Debug("Approval", "Approval %s timed out", id)
	case <-ctx.Done():
	}

	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return approved
}

// Resolve delivers the user's decision. Unknown or already resolved ids
// report false.
func (s *ApprovalService) Resolve(id string, approved bool) bool {
	s.mu.Lock()
	p, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.done <- approved:
		return true
	default:
		return false
	}
}

// Pending lists unresolved approvals, most recent last.
func (s *ApprovalService) Pending() []ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.req)
	}
	return out
}
