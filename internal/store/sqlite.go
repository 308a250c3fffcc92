package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	user_id        TEXT PRIMARY KEY,
	role           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	permissions    TEXT NOT NULL DEFAULT '{}',
	preferences    TEXT NOT NULL DEFAULT '{}',
	launch_configs TEXT NOT NULL DEFAULT '{}',
	expires_at     INTEGER NOT NULL DEFAULT 0,
	ratelimit      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS servers (
	server_id        TEXT PRIMARY KEY,
	server_name      TEXT NOT NULL DEFAULT '',
	enabled          INTEGER NOT NULL DEFAULT 0,
	category         TEXT NOT NULL DEFAULT '',
	auth_type        TEXT NOT NULL DEFAULT 'none',
	launch_config    BLOB,
	config_template  TEXT,
	capabilities     TEXT NOT NULL DEFAULT '{}',
	allow_user_input INTEGER NOT NULL DEFAULT 0,
	lazy_start       INTEGER NOT NULL DEFAULT 0,
	public_access    INTEGER NOT NULL DEFAULT 0,
	proxy_id         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS proxies (
	proxy_id           TEXT PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT '',
	last_synced_log_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	server_id  TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	payload    TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS logs_kind_idx ON logs(kind, id);
`

// SQLiteStore is the database-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the sqlite database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Users() UserRepository     { return &sqliteUsers{db: s.db} }
func (s *SQLiteStore) Servers() ServerRepository { return &sqliteServers{db: s.db} }
func (s *SQLiteStore) Proxies() ProxyRepository  { return &sqliteProxies{db: s.db} }
func (s *SQLiteStore) Logs() LogRepository       { return &sqliteLogs{db: s.db} }
func (s *SQLiteStore) Close() error              { return s.db.Close() }

type sqliteUsers struct{ db *sql.DB }

func (r *sqliteUsers) Get(ctx context.Context, userID string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, role, status, permissions, preferences, launch_configs, expires_at, ratelimit
		FROM users WHERE user_id = ?`, userID)

	var (
		u                           User
		perms, prefs, launchConfigs string
		expiresAt                   int64
	)
	err := row.Scan(&u.UserID, &u.Role, &u.Status, &perms, &prefs, &launchConfigs, &expiresAt, &u.RateLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Kind: "user", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	if err := json.Unmarshal([]byte(perms), &u.Permissions); err != nil {
		return nil, fmt.Errorf("corrupt permissions for user %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(prefs), &u.UserPreferences); err != nil {
		return nil, fmt.Errorf("corrupt preferences for user %s: %w", userID, err)
	}
	var encoded map[string][]byte
	if err := json.Unmarshal([]byte(launchConfigs), &encoded); err != nil {
		return nil, fmt.Errorf("corrupt launch configs for user %s: %w", userID, err)
	}
	u.LaunchConfigs = encoded
	if expiresAt > 0 {
		u.ExpiresAt = time.Unix(expiresAt, 0)
	}
	return &u, nil
}

func (r *sqliteUsers) Put(ctx context.Context, user *User) error {
	perms, err := json.Marshal(orEmpty(user.Permissions))
	if err != nil {
		return err
	}
	prefs, err := json.Marshal(orEmpty(user.UserPreferences))
	if err != nil {
		return err
	}
	launchConfigs, err := json.Marshal(orEmptyBytes(user.LaunchConfigs))
	if err != nil {
		return err
	}

	var expiresAt int64
	if !user.ExpiresAt.IsZero() {
		expiresAt = user.ExpiresAt.Unix()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (user_id, role, status, permissions, preferences, launch_configs, expires_at, ratelimit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			role = excluded.role, status = excluded.status,
			permissions = excluded.permissions, preferences = excluded.preferences,
			launch_configs = excluded.launch_configs,
			expires_at = excluded.expires_at, ratelimit = excluded.ratelimit`,
		user.UserID, user.Role, user.Status, string(perms), string(prefs), string(launchConfigs),
		expiresAt, user.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to store user %s: %w", user.UserID, err)
	}
	return nil
}

func (r *sqliteUsers) UpdateLaunchConfig(ctx context.Context, userID, serverID string, blob []byte) error {
	u, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.LaunchConfigs == nil {
		u.LaunchConfigs = make(map[string][]byte)
	}
	u.LaunchConfigs[serverID] = blob
	return r.Put(ctx, u)
}

type sqliteServers struct{ db *sql.DB }

func (r *sqliteServers) Get(ctx context.Context, serverID string) (*ServerEntity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT server_id, server_name, enabled, category, auth_type, launch_config,
		       config_template, capabilities, allow_user_input, lazy_start, public_access, proxy_id
		FROM servers WHERE server_id = ?`, serverID)
	entity, err := scanServer(row.Scan)
	var notFound *ErrNotFound
	if errors.As(err, &notFound) {
		notFound.ID = serverID
	}
	return entity, err
}

func (r *sqliteServers) List(ctx context.Context) ([]*ServerEntity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT server_id, server_name, enabled, category, auth_type, launch_config,
		       config_template, capabilities, allow_user_input, lazy_start, public_access, proxy_id
		FROM servers ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var out []*ServerEntity
	for rows.Next() {
		entity, err := scanServer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

func scanServer(scan func(dest ...any) error) (*ServerEntity, error) {
	var (
		e                                     ServerEntity
		enabled, allowUserInput, lazy, public int
		configTemplate, capabilities          sql.NullString
		launchConfig                          []byte
	)
	err := scan(&e.ServerID, &e.ServerName, &enabled, &e.Category, &e.AuthType, &launchConfig,
		&configTemplate, &capabilities, &allowUserInput, &lazy, &public, &e.ProxyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Kind: "server", ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan server row: %w", err)
	}

	e.Enabled = enabled != 0
	e.AllowUserInput = allowUserInput != 0
	e.LazyStartEnabled = lazy != 0
	e.PublicAccess = public != 0
	e.LaunchConfig = launchConfig
	if configTemplate.Valid && configTemplate.String != "" {
		e.ConfigTemplate = json.RawMessage(configTemplate.String)
	}
	if capabilities.Valid && capabilities.String != "" {
		if err := json.Unmarshal([]byte(capabilities.String), &e.Capabilities); err != nil {
			return nil, fmt.Errorf("corrupt capabilities for server %s: %w", e.ServerID, err)
		}
	}
	return &e, nil
}

func (r *sqliteServers) Put(ctx context.Context, entity *ServerEntity) error {
	if err := entity.Validate(); err != nil {
		return err
	}

	if prev, err := r.Get(ctx, entity.ServerID); err == nil && prev.AllowUserInput != entity.AllowUserInput {
		return ErrInvalidEntity("allowUserInput is immutable")
	}

	caps, err := json.Marshal(entity.Capabilities)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO servers (server_id, server_name, enabled, category, auth_type, launch_config,
			config_template, capabilities, allow_user_input, lazy_start, public_access, proxy_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			server_name = excluded.server_name, enabled = excluded.enabled,
			category = excluded.category, auth_type = excluded.auth_type,
			launch_config = excluded.launch_config, config_template = excluded.config_template,
			capabilities = excluded.capabilities, allow_user_input = excluded.allow_user_input,
			lazy_start = excluded.lazy_start, public_access = excluded.public_access,
			proxy_id = excluded.proxy_id`,
		entity.ServerID, entity.ServerName, boolInt(entity.Enabled), string(entity.Category),
		string(entity.AuthType), entity.LaunchConfig, string(entity.ConfigTemplate), string(caps),
		boolInt(entity.AllowUserInput), boolInt(entity.LazyStartEnabled), boolInt(entity.PublicAccess),
		entity.ProxyID)
	if err != nil {
		return fmt.Errorf("failed to store server %s: %w", entity.ServerID, err)
	}
	return nil
}

func (r *sqliteServers) UpdateCapabilities(ctx context.Context, serverID string, caps CapabilityConfig) error {
	encoded, err := json.Marshal(caps)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE servers SET capabilities = ? WHERE server_id = ?`,
		string(encoded), serverID)
	if err != nil {
		return fmt.Errorf("failed to update capabilities for %s: %w", serverID, err)
	}
	return requireRow(res, "server", serverID)
}

func (r *sqliteServers) UpdateLaunchConfig(ctx context.Context, serverID string, blob []byte) error {
	res, err := r.db.ExecContext(ctx, `UPDATE servers SET launch_config = ? WHERE server_id = ?`,
		blob, serverID)
	if err != nil {
		return fmt.Errorf("failed to update launch config for %s: %w", serverID, err)
	}
	return requireRow(res, "server", serverID)
}

type sqliteProxies struct{ db *sql.DB }

func (r *sqliteProxies) Get(ctx context.Context, proxyID string) (*Proxy, error) {
	var p Proxy
	err := r.db.QueryRowContext(ctx,
		`SELECT proxy_id, name, last_synced_log_id FROM proxies WHERE proxy_id = ?`, proxyID).
		Scan(&p.ProxyID, &p.Name, &p.LastSyncedLogID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Kind: "proxy", ID: proxyID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proxy %s: %w", proxyID, err)
	}
	return &p, nil
}

func (r *sqliteProxies) UpdateLastSyncedLogID(ctx context.Context, proxyID string, logID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO proxies (proxy_id, last_synced_log_id) VALUES (?, ?)
		ON CONFLICT(proxy_id) DO UPDATE SET last_synced_log_id = excluded.last_synced_log_id`,
		proxyID, logID)
	if err != nil {
		return fmt.Errorf("failed to bookmark log shipping for %s: %w", proxyID, err)
	}
	return nil
}

type sqliteLogs struct{ db *sql.DB }

func (r *sqliteLogs) Append(ctx context.Context, entry *LogEntry) (int64, error) {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO logs (kind, session_id, server_id, user_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Kind, entry.SessionID, entry.ServerID, entry.UserID, string(entry.Payload),
		createdAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to append log: %w", err)
	}
	return res.LastInsertId()
}

func (r *sqliteLogs) ListAfter(ctx context.Context, afterID int64, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, session_id, server_id, user_id, payload, created_at
		FROM logs WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var (
			e         LogEntry
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.SessionID, &e.ServerID, &e.UserID, &payload, &createdAt); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Kind: kind, ID: id}
	}
	return nil
}

func orEmpty(m map[string]ServerGrant) map[string]ServerGrant {
	if m == nil {
		return map[string]ServerGrant{}
	}
	return m
}

func orEmptyBytes(m map[string][]byte) map[string][]byte {
	if m == nil {
		return map[string][]byte{}
	}
	return m
}
