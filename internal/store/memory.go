package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. It backs tests and the
// "memory" store mode where the proxy runs without a database file.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	servers map[string]*ServerEntity
	proxies map[string]*Proxy
	logs    []*LogEntry
	nextLog int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		servers: make(map[string]*ServerEntity),
		proxies: make(map[string]*Proxy),
		nextLog: 1,
	}
}

func (m *MemoryStore) Users() UserRepository     { return (*memoryUsers)(m) }
func (m *MemoryStore) Servers() ServerRepository { return (*memoryServers)(m) }
func (m *MemoryStore) Proxies() ProxyRepository  { return (*memoryProxies)(m) }
func (m *MemoryStore) Logs() LogRepository       { return (*memoryLogs)(m) }
func (m *MemoryStore) Close() error              { return nil }

type memoryUsers MemoryStore

func (m *memoryUsers) Get(_ context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, &ErrNotFound{Kind: "user", ID: userID}
	}
	cp := *u
	return &cp, nil
}

func (m *memoryUsers) Put(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *user
	m.users[user.UserID] = &cp
	return nil
}

func (m *memoryUsers) UpdateLaunchConfig(_ context.Context, userID, serverID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return &ErrNotFound{Kind: "user", ID: userID}
	}
	if u.LaunchConfigs == nil {
		u.LaunchConfigs = make(map[string][]byte)
	}
	u.LaunchConfigs[serverID] = append([]byte(nil), blob...)
	return nil
}

type memoryServers MemoryStore

func (m *memoryServers) Get(_ context.Context, serverID string) (*ServerEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.servers[serverID]
	if !ok {
		return nil, &ErrNotFound{Kind: "server", ID: serverID}
	}
	cp := *s
	return &cp, nil
}

func (m *memoryServers) List(_ context.Context) ([]*ServerEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ServerEntity, 0, len(m.servers))
	for _, s := range m.servers {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryServers) Put(_ context.Context, entity *ServerEntity) error {
	if err := entity.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// allowUserInput is immutable once the entity exists.
	if prev, ok := m.servers[entity.ServerID]; ok && prev.AllowUserInput != entity.AllowUserInput {
		return ErrInvalidEntity("allowUserInput is immutable")
	}

	cp := *entity
	m.servers[entity.ServerID] = &cp
	return nil
}

func (m *memoryServers) UpdateCapabilities(_ context.Context, serverID string, caps CapabilityConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[serverID]
	if !ok {
		return &ErrNotFound{Kind: "server", ID: serverID}
	}
	s.Capabilities = caps
	return nil
}

func (m *memoryServers) UpdateLaunchConfig(_ context.Context, serverID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[serverID]
	if !ok {
		return &ErrNotFound{Kind: "server", ID: serverID}
	}
	s.LaunchConfig = append([]byte(nil), blob...)
	return nil
}

type memoryProxies MemoryStore

func (m *memoryProxies) Get(_ context.Context, proxyID string) (*Proxy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.proxies[proxyID]
	if !ok {
		return nil, &ErrNotFound{Kind: "proxy", ID: proxyID}
	}
	cp := *p
	return &cp, nil
}

func (m *memoryProxies) UpdateLastSyncedLogID(_ context.Context, proxyID string, logID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proxies[proxyID]
	if !ok {
		p = &Proxy{ProxyID: proxyID}
		m.proxies[proxyID] = p
	}
	p.LastSyncedLogID = logID
	return nil
}

type memoryLogs MemoryStore

func (m *memoryLogs) Append(_ context.Context, entry *LogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	cp.ID = m.nextLog
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.nextLog++
	m.logs = append(m.logs, &cp)
	return cp.ID, nil
}

func (m *memoryLogs) ListAfter(_ context.Context, afterID int64, limit int) ([]*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*LogEntry
	for _, e := range m.logs {
		if e.ID <= afterID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
