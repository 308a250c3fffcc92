package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/audit"
	"switchboard/internal/secrets"
	"switchboard/internal/store"
	"switchboard/internal/supervisor"
	"switchboard/internal/transport"
)

func newTestStore(t *testing.T, cfg StoreConfig) (*Store, *store.MemoryStore, *supervisor.Supervisor) {
	t.Helper()
	backing := store.NewMemoryStore()
	cipher, err := secrets.NewCipher("test")
	require.NoError(t, err)
	sup := supervisor.New(backing, cipher, transport.NewFactory(0), audit.NewService(backing.Logs()))
	t.Cleanup(sup.Shutdown)

	st := NewStore(cfg, sup, backing.Users(), audit.NewService(backing.Logs()))
	t.Cleanup(st.Stop)
	return st, backing, sup
}

func seedUser(t *testing.T, backing *store.MemoryStore, user *store.User) {
	t.Helper()
	require.NoError(t, backing.Users().Put(context.Background(), user))
}

func TestCreateGetRemove(t *testing.T) {
	st, backing, _ := newTestStore(t, StoreConfig{})
	user := &store.User{UserID: "u-1"}
	seedUser(t, backing, user)

	session, err := st.Create(context.Background(), user)
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)
	assert.Equal(t, 1, st.Count())

	got, err := st.Get(session.ID)
	require.NoError(t, err)
	assert.Same(t, session, got)

	st.Remove(context.Background(), session.ID)
	st.Remove(context.Background(), session.ID)
	assert.Equal(t, 0, st.Count())

	_, err = st.Get(session.ID)
	var notFound *SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, session.ID, notFound.SessionID)
}

func TestCreateEnforcesSessionLimit(t *testing.T) {
	st, backing, _ := newTestStore(t, StoreConfig{MaxSessions: 1})
	user := &store.User{UserID: "u-1"}
	seedUser(t, backing, user)

	first, err := st.Create(context.Background(), user)
	require.NoError(t, err)

	_, err = st.Create(context.Background(), user)
	var limit *SessionLimitExceededError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, 1, limit.Limit)

	// Removing a session frees the slot.
	st.Remove(context.Background(), first.ID)
	_, err = st.Create(context.Background(), user)
	assert.NoError(t, err)
}

func TestOnCloseHooksFireOnce(t *testing.T) {
	st, backing, _ := newTestStore(t, StoreConfig{})
	user := &store.User{UserID: "u-1"}
	seedUser(t, backing, user)

	session, err := st.Create(context.Background(), user)
	require.NoError(t, err)

	fired := make(chan struct{}, 2)
	session.OnClose(func() { fired <- struct{}{} })

	st.Remove(context.Background(), session.ID)
	st.Remove(context.Background(), session.ID)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("close hook never fired")
	}
	select {
	case <-fired:
		t.Fatal("close hook fired twice")
	default:
	}

	// Hooks registered after close still run, asynchronously.
	late := make(chan struct{})
	session.OnClose(func() { close(late) })
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("late close hook never fired")
	}
}

func TestTemporaryServersFollowFirstAndLastSession(t *testing.T) {
	st, backing, sup := newTestStore(t, StoreConfig{})

	require.NoError(t, backing.Servers().Put(context.Background(), &store.ServerEntity{
		ServerID:       "tpl",
		Enabled:        true,
		AllowUserInput: true,
		ConfigTemplate: []byte(`{"command":""}`),
	}))
	user := &store.User{
		UserID:        "u-1",
		LaunchConfigs: map[string][]byte{"tpl": []byte("not-decryptable")},
	}
	seedUser(t, backing, user)

	first, err := st.Create(context.Background(), user)
	require.NoError(t, err)
	// The instance fails to launch but stays registered for reconnection.
	assert.True(t, sup.HasTemporary("tpl", "u-1"))

	second, err := st.Create(context.Background(), user)
	require.NoError(t, err)

	st.Remove(context.Background(), first.ID)
	assert.True(t, sup.HasTemporary("tpl", "u-1"), "instance must outlive all but the last session")

	st.Remove(context.Background(), second.ID)
	assert.False(t, sup.HasTemporary("tpl", "u-1"))
}

func TestSweepRemovesIdleAndExpiredSessions(t *testing.T) {
	st, backing, _ := newTestStore(t, StoreConfig{IdleTimeout: time.Minute})
	seedUser(t, backing, &store.User{UserID: "u-1"})
	seedUser(t, backing, &store.User{UserID: "u-2"})

	idle, err := st.Create(context.Background(), &store.User{UserID: "u-1"})
	require.NoError(t, err)
	expired, err := st.Create(context.Background(), &store.User{
		UserID:    "u-2",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	fresh, err := st.Create(context.Background(), &store.User{UserID: "u-1"})
	require.NoError(t, err)

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()

	st.sweep()

	_, err = st.Get(idle.ID)
	assert.Error(t, err)
	_, err = st.Get(expired.ID)
	assert.Error(t, err)
	_, err = st.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestStopRemovesAllSessions(t *testing.T) {
	st, backing, _ := newTestStore(t, StoreConfig{})
	seedUser(t, backing, &store.User{UserID: "u-1"})

	for i := 0; i < 3; i++ {
		_, err := st.Create(context.Background(), &store.User{UserID: "u-1"})
		require.NoError(t, err)
	}
	require.Equal(t, 3, st.Count())

	st.Stop()
	st.Stop()
	assert.Equal(t, 0, st.Count())
}

func TestSessionsForUser(t *testing.T) {
	st, backing, _ := newTestStore(t, StoreConfig{})
	seedUser(t, backing, &store.User{UserID: "u-1"})
	seedUser(t, backing, &store.User{UserID: "u-2"})

	a, err := st.Create(context.Background(), &store.User{UserID: "u-1"})
	require.NoError(t, err)
	_, err = st.Create(context.Background(), &store.User{UserID: "u-2"})
	require.NoError(t, err)

	ids := st.SessionsForUser("u-1")
	require.Len(t, ids, 1)
	assert.Equal(t, a.ID, ids[0])
}
