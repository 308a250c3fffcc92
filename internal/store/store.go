// Package store defines the persisted entities of the proxy and the typed
// repositories the core consumes. The storage engine itself is opaque to the
// rest of the codebase: callers hold repository interfaces, never a database
// handle.
package store

import "context"

// ErrInvalidEntity reports a persisted record violating an invariant.
type ErrInvalidEntity string

func (e ErrInvalidEntity) Error() string { return "invalid entity: " + string(e) }

// ErrNotFound is returned by repositories when a record does not exist.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string { return e.Kind + " not found: " + e.ID }

// UserRepository provides access to user records.
type UserRepository interface {
	Get(ctx context.Context, userID string) (*User, error)
	Put(ctx context.Context, user *User) error
	// UpdateLaunchConfig overwrites one user's encrypted launch config for
	// a single server, leaving the rest of the record untouched.
	UpdateLaunchConfig(ctx context.Context, userID, serverID string, blob []byte) error
}

// ServerRepository provides access to downstream server definitions.
type ServerRepository interface {
	Get(ctx context.Context, serverID string) (*ServerEntity, error)
	List(ctx context.Context) ([]*ServerEntity, error)
	Put(ctx context.Context, entity *ServerEntity) error
	// UpdateCapabilities persists the cached capability config for a server.
	UpdateCapabilities(ctx context.Context, serverID string, caps CapabilityConfig) error
	// UpdateLaunchConfig overwrites a server's encrypted launch config,
	// used when an auth strategy rotates tokens.
	UpdateLaunchConfig(ctx context.Context, serverID string, blob []byte) error
}

// ProxyRepository provides access to this deployment's proxy record.
type ProxyRepository interface {
	Get(ctx context.Context, proxyID string) (*Proxy, error)
	UpdateLastSyncedLogID(ctx context.Context, proxyID string, logID int64) error
}

// LogRepository persists audit events. External shipping consumes entries
// after Proxy.LastSyncedLogID; the core only appends.
type LogRepository interface {
	Append(ctx context.Context, entry *LogEntry) (int64, error)
	ListAfter(ctx context.Context, afterID int64, limit int) ([]*LogEntry, error)
}

// Store bundles the repositories a running proxy needs.
type Store interface {
	Users() UserRepository
	Servers() ServerRepository
	Proxies() ProxyRepository
	Logs() LogRepository
	Close() error
}
