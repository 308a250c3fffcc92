package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/audit"
	"switchboard/internal/eventstore"
	"switchboard/internal/store"
	"switchboard/internal/supervisor"
	"switchboard/pkg/logging"
)

const (
	// DefaultMaxSessions bounds concurrent sessions to keep a misbehaving
	// client from exhausting memory.
	DefaultMaxSessions = 10000
	// minSweepInterval prevents hot sweeping when the idle timeout is
	// very short.
	minSweepInterval = time.Second
)

// SessionNotFoundError reports a lookup for a session that does not exist
// or has already been removed.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", logging.TruncateSessionID(e.SessionID))
}

// SessionLimitExceededError reports that the concurrent session cap was hit.
type SessionLimitExceededError struct {
	Limit int
}

func (e *SessionLimitExceededError) Error() string {
	return fmt.Sprintf("session limit of %d reached", e.Limit)
}

// Session is one live client conversation.
type Session struct {
	ID        string
	Client    *ClientSession
	Events    *eventstore.Store
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	expiresAt    time.Time
	closeHooks   []func()
	closed       bool
}

// Touch marks the session active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// OnClose registers a hook run exactly once when the session is removed.
func (s *Session) OnClose(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		go hook()
		return
	}
	s.closeHooks = append(s.closeHooks, hook)
}

func (s *Session) runCloseHooks() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.closeHooks
	s.closeHooks = nil
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// StoreConfig tunes the session registry.
type StoreConfig struct {
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	MaxSessions      int
	EventsPerSession int
}

// Store is the registry of live sessions, indexed by session id and by
// user. It owns the idle sweeper and the temporary server lifecycle tied
// to a user's first and last session.
type Store struct {
	cfg   StoreConfig
	sup   *supervisor.Supervisor
	users store.UserRepository
	audit *audit.Service

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewStore creates the registry and starts its sweeper. Callers must Stop
// it to avoid a goroutine leak.
func NewStore(cfg StoreConfig, sup *supervisor.Supervisor, users store.UserRepository, auditSvc *audit.Service) *Store {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.SweepInterval < minSweepInterval {
		cfg.SweepInterval = minSweepInterval
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.EventsPerSession <= 0 {
		cfg.EventsPerSession = 1024
	}

	st := &Store{
		cfg:       cfg,
		sup:       sup,
		users:     users,
		audit:     auditSvc,
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[string]struct{}),
		stopSweep: make(chan struct{}),
	}
	go st.sweepLoop()
	return st
}

// Create opens a session for a user. The user's first session starts their
// temporary servers.
func (st *Store) Create(ctx context.Context, user *store.User) (*Session, error) {
	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		Events:       eventstore.New(st.cfg.EventsPerSession),
		CreatedAt:    now,
		lastActivity: now,
		expiresAt:    user.ExpiresAt,
	}
	session.Client = NewClientSession(session.ID, user, st.sup)

	st.mu.Lock()
	if len(st.sessions) >= st.cfg.MaxSessions {
		st.mu.Unlock()
		return nil, &SessionLimitExceededError{Limit: st.cfg.MaxSessions}
	}
	st.sessions[session.ID] = session
	first := len(st.byUser[user.UserID]) == 0
	if st.byUser[user.UserID] == nil {
		st.byUser[user.UserID] = make(map[string]struct{})
	}
	st.byUser[user.UserID][session.ID] = struct{}{}
	st.mu.Unlock()

	st.audit.Emit(ctx, audit.KindSessionInit, session.ID, "", user.UserID, nil)
	logging.Debug("Session", "Created session %s for user %s",
		logging.TruncateSessionID(session.ID), logging.TruncateSessionID(user.UserID))

	if first {
		st.sup.StartUserServers(ctx, user.UserID)
	}
	return session, nil
}

// Get returns a live session and marks it active.
func (st *Store) Get(sessionID string) (*Session, error) {
	st.mu.RLock()
	session, ok := st.sessions[sessionID]
	st.mu.RUnlock()
	if !ok {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}
	session.Touch()
	return session, nil
}

// Remove closes and unindexes a session. The user's last session tears
// down their temporary servers. Idempotent.
func (st *Store) Remove(ctx context.Context, sessionID string) {
	st.mu.Lock()
	session, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return
	}
	delete(st.sessions, sessionID)
	userID := session.Client.UserID()
	delete(st.byUser[userID], sessionID)
	last := len(st.byUser[userID]) == 0
	if last {
		delete(st.byUser, userID)
	}
	st.mu.Unlock()

	session.runCloseHooks()
	st.sup.CleanupSessionSubscriptions(ctx, sessionID)
	st.audit.Emit(ctx, audit.KindSessionClose, sessionID, "", userID, nil)
	logging.Debug("Session", "Removed session %s", logging.TruncateSessionID(sessionID))

	if last {
		st.sup.CloseUserServers(ctx, userID)
	}
}

// Count reports the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// SessionsForUser lists a user's live session ids.
func (st *Store) SessionsForUser(userID string) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.byUser[userID]))
	for id := range st.byUser[userID] {
		out = append(out, id)
	}
	return out
}

// All returns a snapshot of the live sessions.
func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Stop halts the sweeper and removes every session.
func (st *Store) Stop() {
	st.stopOnce.Do(func() { close(st.stopSweep) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range st.All() {
		st.Remove(ctx, s.ID)
	}
}

func (st *Store) sweepLoop() {
	ticker := time.NewTicker(st.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.sweep()
		case <-st.stopSweep:
			return
		}
	}
}

// sweep removes sessions that are idle past the timeout or whose auth has
// expired.
func (st *Store) sweep() {
	now := time.Now()
	var doomed []string
	for _, s := range st.All() {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity) > st.cfg.IdleTimeout
		expired := !s.expiresAt.IsZero() && s.expiresAt.Before(now)
		s.mu.Unlock()
		if idle || expired {
			doomed = append(doomed, s.ID)
		}
	}
	if len(doomed) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range doomed {
		st.Remove(ctx, id)
	}
	logging.Debug("Session", "Swept %d sessions", len(doomed))
}
