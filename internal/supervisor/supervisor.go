// Package supervisor manages the fleet of downstream server connections:
// shared servers, per-user temporary instances of templates, lazy starts,
// token refresh, and the resource subscription refcounts.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"switchboard/internal/audit"
	"switchboard/internal/secrets"
	"switchboard/internal/store"
	"switchboard/internal/transport"
	"switchboard/pkg/logging"
)

// ReverseHandler receives server-initiated requests from downstream
// connections, tagged with the context they arrived on. The router wired
// in at startup implements it.
type ReverseHandler interface {
	CreateMessage(ctx context.Context, sc *ServerContext, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error)
	Elicit(ctx context.Context, sc *ServerContext, request mcp.ElicitationRequest) (*mcp.ElicitationResult, error)
	ListRoots(ctx context.Context, sc *ServerContext, request mcp.ListRootsRequest) (*mcp.ListRootsResult, error)
}

// NotificationSink receives downstream notifications that concern clients:
// capability list changes and resource updates.
type NotificationSink interface {
	CapabilityListChanged(sc *ServerContext)
	ResourceUpdated(sc *ServerContext, notification mcp.JSONRPCNotification)
	// RequestNotification receives progress and cancellation frames that
	// carry a proxy request id and must be rewritten for one client.
	RequestNotification(sc *ServerContext, notification mcp.JSONRPCNotification)
}

type tempKey struct {
	serverID string
	userID   string
}

type subKey struct {
	instanceID string
	uri        string
}

// Supervisor is the registry of live ServerContexts.
type Supervisor struct {
	store   store.Store
	cipher  *secrets.Cipher
	factory *transport.Factory
	audit   *audit.Service

	reverse ReverseHandler
	sink    NotificationSink

	mu           sync.Mutex
	contexts     map[string]*ServerContext // serverID → shared context
	temporary    map[tempKey]*ServerContext
	instances    map[string]*ServerContext // instanceID → context
	nextInstance int

	// subscriptions refcounts downstream resource subscribes so k
	// sessions share one subscription.
	subs        map[subKey]int
	sessionSubs map[string]map[subKey]struct{}

	reconnecting map[string]struct{}

	lazyGroup singleflight.Group
}

// New creates a Supervisor.
func New(st store.Store, cipher *secrets.Cipher, factory *transport.Factory, auditSvc *audit.Service) *Supervisor {
	return &Supervisor{
		store:        st,
		cipher:       cipher,
		factory:      factory,
		audit:        auditSvc,
		contexts:     make(map[string]*ServerContext),
		temporary:    make(map[tempKey]*ServerContext),
		instances:    make(map[string]*ServerContext),
		nextInstance: 1,
		subs:         make(map[subKey]int),
		sessionSubs:  make(map[string]map[subKey]struct{}),
		reconnecting: make(map[string]struct{}),
	}
}

// SetReverseHandler wires the router that forwards server-initiated
// requests to clients. Must be called before any server connects.
func (s *Supervisor) SetReverseHandler(h ReverseHandler) { s.reverse = h }

// SetNotificationSink wires the listener for downstream notifications.
func (s *Supervisor) SetNotificationSink(sink NotificationSink) { s.sink = sink }

// clientOptions builds the per-context client options that route reverse
// requests back through the supervisor.
func (s *Supervisor) clientOptions(sc *ServerContext) []client.ClientOption {
	if s.reverse == nil {
		return nil
	}
	return []client.ClientOption{
		client.WithSamplingHandler(&samplingBridge{sup: s, sc: sc}),
		client.WithElicitationHandler(&elicitationBridge{sup: s, sc: sc}),
		client.WithRootsHandler(&rootsBridge{sup: s, sc: sc}),
	}
}

type samplingBridge struct {
	sup *Supervisor
	sc  *ServerContext
}

func (b *samplingBridge) CreateMessage(ctx context.Context, request mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	return b.sup.reverse.CreateMessage(ctx, b.sc, request)
}

type elicitationBridge struct {
	sup *Supervisor
	sc  *ServerContext
}

func (b *elicitationBridge) Elicit(ctx context.Context, request mcp.ElicitationRequest) (*mcp.ElicitationResult, error) {
	return b.sup.reverse.Elicit(ctx, b.sc, request)
}

type rootsBridge struct {
	sup *Supervisor
	sc  *ServerContext
}

func (b *rootsBridge) ListRoots(ctx context.Context, request mcp.ListRootsRequest) (*mcp.ListRootsResult, error) {
	return b.sup.reverse.ListRoots(ctx, b.sc, request)
}

// AddServer registers and connects a shared server. An existing entry with
// the same launch config that is Online or Connecting is reused; anything
// else is torn down and recreated.
func (s *Supervisor) AddServer(ctx context.Context, entity *store.ServerEntity) (*ServerContext, error) {
	s.mu.Lock()
	if existing, ok := s.contexts[entity.ServerID]; ok {
		status := existing.Status()
		if bytes.Equal(existing.launchBlob, entity.LaunchConfig) &&
			(status == StatusOnline || status == StatusConnecting) {
			s.mu.Unlock()
			return existing, nil
		}
		s.removeLocked(existing)
	}
	sc := s.newContextLocked(entity, "")
	sc.status = StatusConnecting
	sc.launchBlob = entity.LaunchConfig
	s.mu.Unlock()

	if err := sc.connect(ctx, entity.LaunchConfig); err != nil {
		return sc, err
	}

	s.audit.Emit(ctx, audit.KindServerInit, "", entity.ServerID, "", nil)
	s.afterConnect(ctx, sc)
	return sc, nil
}

// AddSleepingServer registers a lazy-start server without opening its
// transport. The first routed request wakes it through EnsureAvailable.
func (s *Supervisor) AddSleepingServer(entity *store.ServerEntity) *ServerContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.contexts[entity.ServerID]; ok {
		return existing
	}
	sc := s.newContextLocked(entity, "")
	sc.status = StatusSleeping
	sc.launchBlob = entity.LaunchConfig
	return sc
}

// newContextLocked allocates a context and its instance id. Caller holds
// the supervisor mutex.
func (s *Supervisor) newContextLocked(entity *store.ServerEntity, userID string) *ServerContext {
	sc := &ServerContext{
		entity:     entity,
		instanceID: strconv.Itoa(s.nextInstance),
		userID:     userID,
		sup:        s,
		status:     StatusOffline,
	}
	s.nextInstance++
	s.instances[sc.instanceID] = sc
	if userID == "" {
		s.contexts[entity.ServerID] = sc
	} else {
		s.temporary[tempKey{serverID: entity.ServerID, userID: userID}] = sc
	}
	return sc
}

// RemoveServer tears down a shared server. Idempotent.
func (s *Supervisor) RemoveServer(ctx context.Context, serverID string) {
	s.mu.Lock()
	sc, ok := s.contexts[serverID]
	if ok {
		s.removeLocked(sc)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.audit.Emit(ctx, audit.KindServerClose, "", serverID, "", nil)
	s.notifyCapabilityChange(sc)
}

// removeLocked unindexes and closes a context. Caller holds the mutex.
func (s *Supervisor) removeLocked(sc *ServerContext) {
	delete(s.instances, sc.instanceID)
	if sc.userID == "" {
		if s.contexts[sc.entity.ServerID] == sc {
			delete(s.contexts, sc.entity.ServerID)
		}
	} else {
		delete(s.temporary, tempKey{serverID: sc.entity.ServerID, userID: sc.userID})
	}
	for key := range s.subs {
		if key.instanceID == sc.instanceID {
			delete(s.subs, key)
		}
	}
	go sc.close()
}

// ReconnectServer tears down and re-adds a server with a fresh entity.
func (s *Supervisor) ReconnectServer(ctx context.Context, entity *store.ServerEntity) (*ServerContext, error) {
	s.RemoveServer(ctx, entity.ServerID)
	return s.AddServer(ctx, entity)
}

// ScheduleReconnect keeps retrying a dead shared server in the background
// with exponential backoff. At most one retry loop runs per server; repeat
// calls while one is active are dropped.
func (s *Supervisor) ScheduleReconnect(entity *store.ServerEntity) {
	s.mu.Lock()
	if _, busy := s.reconnecting[entity.ServerID]; busy {
		s.mu.Unlock()
		return
	}
	s.reconnecting[entity.ServerID] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.reconnecting, entity.ServerID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = 5 * time.Second
		expBackoff.MaxInterval = 2 * time.Minute

		sc, err := backoff.Retry(ctx, func() (*ServerContext, error) {
			return s.ReconnectServer(ctx, entity)
		},
			backoff.WithBackOff(expBackoff),
			backoff.WithNotify(func(err error, next time.Duration) {
				logging.Debug("Supervisor", "Reconnect of %s failed, next attempt in %s: %v",
					entity.ServerID, next, err)
			}),
		)
		if err != nil {
			logging.Warn("Supervisor", "Giving up on reconnecting %s: %v", entity.ServerID, err)
			return
		}
		logging.Info("Supervisor", "Reconnected %s", entity.ServerID)
		s.notifyCapabilityChange(sc)
	}()
}

// ConnectAllResult reports the outcome of a fleet-wide connect.
type ConnectAllResult struct {
	Success []string
	Failed  []string
}

// ConnectAll connects every enabled shared server concurrently. Lazy-start
// servers are registered sleeping instead of dialed.
func (s *Supervisor) ConnectAll(ctx context.Context) (ConnectAllResult, error) {
	entities, err := s.store.Servers().List(ctx)
	if err != nil {
		return ConnectAllResult{}, fmt.Errorf("failed to list servers: %w", err)
	}

	var (
		mu     sync.Mutex
		result ConnectAllResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, entity := range entities {
		if !entity.Enabled || entity.AllowUserInput {
			continue
		}
		if entity.LazyStartEnabled {
			s.AddSleepingServer(entity)
			continue
		}
		g.Go(func() error {
			_, err := s.AddServer(gctx, entity)
			mu.Lock()
			if err != nil {
				result.Failed = append(result.Failed, entity.ServerID)
			} else {
				result.Success = append(result.Success, entity.ServerID)
			}
			mu.Unlock()
			return nil // a failed server must not cancel the others
		})
	}
	_ = g.Wait()

	logging.Info("Supervisor", "Connected %d servers, %d failed", len(result.Success), len(result.Failed))
	return result, nil
}

// EnsureAvailable wakes a Sleeping or Error context. Concurrent wakes of
// the same instance collapse into one connect.
func (s *Supervisor) EnsureAvailable(ctx context.Context, sc *ServerContext) error {
	switch sc.Status() {
	case StatusOnline, StatusConnecting:
		return nil
	case StatusSleeping, StatusError, StatusOffline:
		// wake below
	}

	_, err, _ := s.lazyGroup.Do(sc.instanceID, func() (any, error) {
		if sc.Status() == StatusOnline {
			return nil, nil
		}
		sc.mu.Lock()
		if sc.closed {
			sc.mu.Unlock()
			return nil, fmt.Errorf("server %s was removed", sc.entity.ServerID)
		}
		sc.status = StatusConnecting
		blob := sc.launchBlob
		sc.mu.Unlock()

		if err := sc.connect(ctx, blob); err != nil {
			return nil, err
		}
		s.afterConnect(ctx, sc)
		return nil, nil
	})
	return err
}

// afterConnect runs the initial capability fetch and fans out the change
// notification.
func (s *Supervisor) afterConnect(ctx context.Context, sc *ServerContext) {
	if _, _, err := sc.relist(ctx); err != nil {
		logging.Warn("Supervisor", "Initial capability fetch failed for %s: %v", sc.entity.ServerID, err)
	}
	s.audit.Emit(ctx, audit.KindServerCapabilityUpdate, "", sc.entity.ServerID, sc.userID, nil)
	s.notifyCapabilityChange(sc)
}

// StartUserServers brings up the temporary instances a user has configured
// launch configs for. Called when the user's first session opens.
func (s *Supervisor) StartUserServers(ctx context.Context, userID string) {
	user, err := s.store.Users().Get(ctx, userID)
	if err != nil {
		logging.Warn("Supervisor", "Cannot start temporary servers: %v", err)
		return
	}

	for serverID, blob := range user.LaunchConfigs {
		entity, err := s.store.Servers().Get(ctx, serverID)
		if err != nil || !entity.Enabled || !entity.AllowUserInput {
			continue
		}

		s.mu.Lock()
		if _, exists := s.temporary[tempKey{serverID: serverID, userID: userID}]; exists {
			s.mu.Unlock()
			continue
		}
		sc := s.newContextLocked(entity, userID)
		sc.status = StatusConnecting
		sc.launchBlob = blob
		s.mu.Unlock()

		if err := sc.connect(ctx, blob); err != nil {
			logging.Warn("Supervisor", "Temporary server %s for user %s failed: %v",
				serverID, logging.TruncateSessionID(userID), err)
			continue
		}
		s.audit.Emit(ctx, audit.KindServerInit, "", serverID, userID, nil)
		s.afterConnect(ctx, sc)
	}
}

// CloseUserServers tears down a user's temporary instances. Called when
// their last session ends or a template is deleted.
func (s *Supervisor) CloseUserServers(ctx context.Context, userID string) {
	s.mu.Lock()
	var doomed []*ServerContext
	for key, sc := range s.temporary {
		if key.userID == userID {
			doomed = append(doomed, sc)
			s.removeLocked(sc)
		}
	}
	s.mu.Unlock()

	for _, sc := range doomed {
		s.audit.Emit(ctx, audit.KindServerClose, "", sc.entity.ServerID, userID, nil)
	}
}

// Resolve finds a context by its instance id.
func (s *Supervisor) Resolve(instanceID string) (*ServerContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.instances[instanceID]
	return sc, ok
}

// ContextsFor returns the contexts a given user could route to: all shared
// contexts plus that user's temporary instances, in stable instance order.
func (s *Supervisor) ContextsFor(userID string) []*ServerContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ServerContext, 0, len(s.contexts)+1)
	for _, sc := range s.contexts {
		out = append(out, sc)
	}
	for key, sc := range s.temporary {
		if key.userID == userID {
			out = append(out, sc)
		}
	}
	sortByInstance(out)
	return out
}

func sortByInstance(contexts []*ServerContext) {
	for i := 1; i < len(contexts); i++ {
		for j := i; j > 0 && instanceLess(contexts[j], contexts[j-1]); j-- {
			contexts[j], contexts[j-1] = contexts[j-1], contexts[j]
		}
	}
}

func instanceLess(a, b *ServerContext) bool {
	ai, _ := strconv.Atoi(a.instanceID)
	bi, _ := strconv.Atoi(b.instanceID)
	return ai < bi
}

// HasTemporary reports whether a user owns a temporary instance of a
// template server.
func (s *Supervisor) HasTemporary(serverID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.temporary[tempKey{serverID: serverID, userID: userID}]
	return ok
}

// Shutdown closes every context.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	all := make([]*ServerContext, 0, len(s.instances))
	for _, sc := range s.instances {
		all = append(all, sc)
	}
	s.contexts = make(map[string]*ServerContext)
	s.temporary = make(map[tempKey]*ServerContext)
	s.instances = make(map[string]*ServerContext)
	s.subs = make(map[subKey]int)
	s.sessionSubs = make(map[string]map[subKey]struct{})
	s.mu.Unlock()

	for _, sc := range all {
		sc.close()
	}
}

// handleDownstreamNotification dispatches notifications arriving from a
// downstream connection.
func (s *Supervisor) handleDownstreamNotification(sc *ServerContext, notification mcp.JSONRPCNotification) {
	switch notification.Method {
	case "notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
			defer cancel()
			if _, changed, err := sc.relist(ctx); err == nil && changed {
				s.notifyCapabilityChange(sc)
			}
		}()
	case "notifications/resources/updated":
		if s.sink != nil {
			s.sink.ResourceUpdated(sc, notification)
		}
	case "notifications/progress", "notifications/cancelled":
		if s.sink != nil {
			s.sink.RequestNotification(sc, notification)
		}
	default:
		logging.Debug("Supervisor", "Ignoring downstream notification %s from %s",
			notification.Method, sc.entity.ServerID)
	}
}

func (s *Supervisor) notifyCapabilityChange(sc *ServerContext) {
	if s.sink != nil {
		s.sink.CapabilityListChanged(sc)
	}
}

// SubscribeResource adds a session's interest in a resource. The first
// subscriber triggers the single downstream subscribe.
func (s *Supervisor) SubscribeResource(ctx context.Context, sc *ServerContext, uri, sessionID string) error {
	key := subKey{instanceID: sc.instanceID, uri: uri}

	s.mu.Lock()
	count := s.subs[key]
	s.subs[key] = count + 1
	if s.sessionSubs[sessionID] == nil {
		s.sessionSubs[sessionID] = make(map[subKey]struct{})
	}
	s.sessionSubs[sessionID][key] = struct{}{}
	s.mu.Unlock()

	if count > 0 {
		return nil
	}

	mcpClient, err := sc.Client()
	if err == nil {
		var req mcp.SubscribeRequest
		req.Params.URI = uri
		err = mcpClient.Subscribe(ctx, req)
	}
	if err != nil {
		s.mu.Lock()
		if s.subs[key] <= 1 {
			delete(s.subs, key)
		} else {
			s.subs[key]--
		}
		if set := s.sessionSubs[sessionID]; set != nil {
			delete(set, key)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// UnsubscribeResource drops a session's interest; the last unsubscribe
// releases the downstream subscription.
func (s *Supervisor) UnsubscribeResource(ctx context.Context, sc *ServerContext, uri, sessionID string) error {
	key := subKey{instanceID: sc.instanceID, uri: uri}

	s.mu.Lock()
	count, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if set := s.sessionSubs[sessionID]; set != nil {
		delete(set, key)
	}
	if count > 1 {
		s.subs[key] = count - 1
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, key)
	s.mu.Unlock()

	mcpClient, err := sc.Client()
	if err != nil {
		return nil // connection already gone takes the subscription with it
	}
	var req mcp.UnsubscribeRequest
	req.Params.URI = uri
	return mcpClient.Unsubscribe(ctx, req)
}

// CleanupSessionSubscriptions releases everything a session subscribed to.
func (s *Supervisor) CleanupSessionSubscriptions(ctx context.Context, sessionID string) {
	s.mu.Lock()
	var released []subKey
	for key := range s.sessionSubs[sessionID] {
		count := s.subs[key]
		if count <= 1 {
			delete(s.subs, key)
			released = append(released, key)
		} else {
			s.subs[key] = count - 1
		}
	}
	delete(s.sessionSubs, sessionID)
	s.mu.Unlock()

	for _, key := range released {
		sc, ok := s.Resolve(key.instanceID)
		if !ok {
			continue
		}
		mcpClient, err := sc.Client()
		if err != nil {
			continue
		}
		var req mcp.UnsubscribeRequest
		req.Params.URI = key.uri
		if err := mcpClient.Unsubscribe(ctx, req); err != nil {
			logging.Debug("Supervisor", "Unsubscribe during session cleanup failed: %v", err)
		}
	}
}

// SubscriptionCount reports the refcount for a resource, for tests and
// introspection.
func (s *Supervisor) SubscriptionCount(sc *ServerContext, uri string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[subKey{instanceID: sc.instanceID, uri: uri}]
}

// SubscribedSessions lists the sessions holding a subscription on a
// resource, so update notifications reach only interested clients.
func (s *Supervisor) SubscribedSessions(sc *ServerContext, uri string) []string {
	key := subKey{instanceID: sc.instanceID, uri: uri}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for sessionID, keys := range s.sessionSubs {
		if _, ok := keys[key]; ok {
			out = append(out, sessionID)
		}
	}
	return out
}
