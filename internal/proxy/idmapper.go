package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// pendingRequest tracks one in-flight forwarded call.
type pendingRequest struct {
	ProxyID    string
	OriginalID json.RawMessage
	InstanceID string
	Method     string
	CreatedAt  time.Time
	Cancel     context.CancelFunc

	// ProgressToken is the client's own progress token, when it sent one.
	// Downstream calls carry the proxy id instead so progress frames can
	// be routed back and rewritten.
	ProgressToken json.RawMessage
}

// RequestIDMapper owns the per-session mapping between client request ids
// and the proxy request ids attached to downstream calls. Exactly one entry
// exists per original id between dispatch and completion or cancellation.
type RequestIDMapper struct {
	sessionID string

	mu         sync.Mutex
	seq        uint64
	byProxy    map[string]*pendingRequest
	byOriginal map[string]string
}

func NewRequestIDMapper(sessionID string) *RequestIDMapper {
	return &RequestIDMapper{
		sessionID:  sessionID,
		byProxy:    make(map[string]*pendingRequest),
		byOriginal: make(map[string]string),
	}
}

// Register allocates a proxy request id for a client request. A second
// registration for the same original id is a protocol violation.
func (m *RequestIDMapper) Register(originalID json.RawMessage, instanceID, method string, cancel context.CancelFunc) (*pendingRequest, error) {
	key := string(originalID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byOriginal[key]; exists {
		return nil, fmt.Errorf("request id %s is already in flight", key)
	}
	m.seq++
	entry := &pendingRequest{
		ProxyID:    fmt.Sprintf("%s:%s:%d", m.sessionID, idToken(originalID), m.seq),
		OriginalID: originalID,
		InstanceID: instanceID,
		Method:     method,
		CreatedAt:  time.Now(),
		Cancel:     cancel,
	}
	m.byProxy[entry.ProxyID] = entry
	m.byOriginal[key] = entry.ProxyID
	return entry, nil
}

// Complete removes an entry by proxy id, returning it if it was still
// pending.
func (m *RequestIDMapper) Complete(proxyID string) (*pendingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byProxy[proxyID]
	if !ok {
		return nil, false
	}
	delete(m.byProxy, proxyID)
	delete(m.byOriginal, string(entry.OriginalID))
	return entry, true
}

// CancelByOriginal removes the entry for a client request id and fires its
// cancellation, returning the mapped proxy id.
func (m *RequestIDMapper) CancelByOriginal(originalID json.RawMessage) (*pendingRequest, bool) {
	m.mu.Lock()
	proxyID, ok := m.byOriginal[string(originalID)]
	var entry *pendingRequest
	if ok {
		entry = m.byProxy[proxyID]
		delete(m.byProxy, proxyID)
		delete(m.byOriginal, string(originalID))
	}
	m.mu.Unlock()

	if entry == nil {
		return nil, false
	}
	if entry.Cancel != nil {
		entry.Cancel()
	}
	return entry, true
}

// Lookup returns an entry without removing it. Used when rewriting progress
// notifications, which may arrive many times per request.
func (m *RequestIDMapper) Lookup(proxyID string) (*pendingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byProxy[proxyID]
	return entry, ok
}

func (m *RequestIDMapper) hasPendingOn(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.byProxy {
		if entry.InstanceID == instanceID {
			return true
		}
	}
	return false
}

// Len reports the number of in-flight entries.
func (m *RequestIDMapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byProxy)
}

// SessionIDFromProxyID recovers the owning session id: the segment before
// the first ":". Session ids are UUIDs and never contain one.
func SessionIDFromProxyID(proxyID string) (string, bool) {
	idx := strings.Index(proxyID, ":")
	if idx <= 0 {
		return "", false
	}
	return proxyID[:idx], true
}
