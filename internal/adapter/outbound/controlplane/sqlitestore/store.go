// Package sqlitestore is a controlplane.Store backed by a local SQLite
// file via modernc.org/sqlite's cgo-free driver, giving the Control-Plane
// Facade (C8) a persistent backing store for server configs, namespaces,
// endpoints, and API keys across process restarts.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/controlplane"
	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
)

const schema = `
CREATE TABLE IF NOT EXISTS server_configs (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	transport    TEXT NOT NULL,
	command      TEXT NOT NULL DEFAULT '',
	args         TEXT NOT NULL DEFAULT '[]',
	env          TEXT NOT NULL DEFAULT '{}',
	url          TEXT NOT NULL DEFAULT '',
	bearer_token TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS namespaces (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	members    TEXT NOT NULL DEFAULT '[]',
	middleware TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS endpoints (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL UNIQUE,
	namespace_id       TEXT NOT NULL,
	auth_policy        INTEGER NOT NULL,
	owner_principal_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS api_keys (
	hash         TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL,
	public       INTEGER NOT NULL DEFAULT 0,
	owner_of     TEXT NOT NULL DEFAULT '[]',
	revoked      INTEGER NOT NULL DEFAULT 0,
	expires_at   INTEGER
);
`

// Store is a controlplane.Store persisted to a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema. modernc.org/sqlite serializes writes at the file level, so
// the connection pool is capped at one to avoid SQLITE_BUSY under
// concurrent writers rather than relying on busy-timeout retries.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetServerConfig(ctx context.Context, id string) (*upstream.Config, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, transport, command, args, env, url, bearer_token, description
		FROM server_configs WHERE id = ?`, id)
	cfg, err := scanServerConfig(row)
	if err == sql.ErrNoRows {
		return nil, controlplane.ErrNotFound
	}
	return cfg, err
}

func (s *Store) ListServerConfigs(ctx context.Context) ([]*upstream.Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, transport, command, args, env, url, bearer_token, description
		FROM server_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list server configs: %w", err)
	}
	defer rows.Close()

	var out []*upstream.Config
	for rows.Next() {
		cfg, err := scanServerConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *Store) PutServerConfig(ctx context.Context, cfg *upstream.Config) error {
	args, err := json.Marshal(cfg.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	env, err := json.Marshal(cfg.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO server_configs (id, name, transport, command, args, env, url, bearer_token, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, transport=excluded.transport, command=excluded.command,
			args=excluded.args, env=excluded.env, url=excluded.url, bearer_token=excluded.bearer_token, description=excluded.description`,
		cfg.ID, cfg.Name, string(cfg.Transport), cfg.Command, string(args), string(env), cfg.URL, cfg.BearerToken, cfg.Description)
	if err != nil {
		return fmt.Errorf("put server config: %w", err)
	}
	return nil
}

func (s *Store) DeleteServerConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM server_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server config: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) GetNamespace(ctx context.Context, id string) (*namespace.Namespace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, members, middleware FROM namespaces WHERE id = ?`, id)
	ns, err := scanNamespace(row)
	if err == sql.ErrNoRows {
		return nil, controlplane.ErrNotFound
	}
	return ns, err
}

func (s *Store) ListNamespaces(ctx context.Context) ([]*namespace.Namespace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, members, middleware FROM namespaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var out []*namespace.Namespace
	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *Store) PutNamespace(ctx context.Context, ns *namespace.Namespace) error {
	members, err := json.Marshal(ns.Members)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	middleware, err := json.Marshal(ns.Middleware)
	if err != nil {
		return fmt.Errorf("marshal middleware: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO namespaces (id, name, members, middleware) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, members=excluded.members, middleware=excluded.middleware`,
		ns.ID, ns.Name, string(members), string(middleware))
	if err != nil {
		return fmt.Errorf("put namespace: %w", err)
	}
	return nil
}

func (s *Store) DeleteNamespace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM namespaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) GetEndpointByName(ctx context.Context, name string) (*namespace.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, namespace_id, auth_policy, owner_principal_id
		FROM endpoints WHERE name = ?`, name)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, controlplane.ErrNotFound
	}
	return ep, err
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (*namespace.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, namespace_id, auth_policy, owner_principal_id
		FROM endpoints WHERE id = ?`, id)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, controlplane.ErrNotFound
	}
	return ep, err
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*namespace.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, namespace_id, auth_policy, owner_principal_id FROM endpoints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var out []*namespace.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) PutEndpoint(ctx context.Context, ep *namespace.Endpoint) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO endpoints (id, name, namespace_id, auth_policy, owner_principal_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, namespace_id=excluded.namespace_id,
			auth_policy=excluded.auth_policy, owner_principal_id=excluded.owner_principal_id`,
		ep.ID, ep.Name, ep.NamespaceID, int(ep.Auth), ep.OwnerPrincipalID)
	if err != nil {
		return fmt.Errorf("put endpoint: %w", err)
	}
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*controlplane.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT hash, principal_id, public, owner_of, revoked, expires_at
		FROM api_keys WHERE hash = ?`, hash)
	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, controlplane.ErrNotFound
	}
	return key, err
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*controlplane.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash, principal_id, public, owner_of, revoked, expires_at FROM api_keys`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*controlplane.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *Store) PutAPIKey(ctx context.Context, key *controlplane.APIKey) error {
	ownerOf, err := json.Marshal(key.OwnerOf)
	if err != nil {
		return fmt.Errorf("marshal owner_of: %w", err)
	}
	var expiresAt any
	if key.ExpiresAt != nil {
		expiresAt = key.ExpiresAt.UTC().Unix()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO api_keys (hash, principal_id, public, owner_of, revoked, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET principal_id=excluded.principal_id, public=excluded.public,
			owner_of=excluded.owner_of, revoked=excluded.revoked, expires_at=excluded.expires_at`,
		key.Hash, key.PrincipalID, key.Public, string(ownerOf), key.Revoked, expiresAt)
	if err != nil {
		return fmt.Errorf("put api key: %w", err)
	}
	return nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return requireAffected(res)
}

// rowScanner abstracts over *sql.Row and *sql.Rows so the scan* helpers
// work for both single-row Get and multi-row List queries.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanServerConfig(row rowScanner) (*upstream.Config, error) {
	var (
		cfg           upstream.Config
		transport     string
		argsJSON      string
		envJSON       string
	)
	if err := row.Scan(&cfg.ID, &cfg.Name, &transport, &cfg.Command, &argsJSON, &envJSON, &cfg.URL, &cfg.BearerToken, &cfg.Description); err != nil {
		return nil, err
	}
	cfg.Transport = upstream.TransportKind(transport)
	if err := json.Unmarshal([]byte(argsJSON), &cfg.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &cfg.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	return &cfg, nil
}

func scanNamespace(row rowScanner) (*namespace.Namespace, error) {
	var (
		ns             namespace.Namespace
		membersJSON    string
		middlewareJSON string
	)
	if err := row.Scan(&ns.ID, &ns.Name, &membersJSON, &middlewareJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(membersJSON), &ns.Members); err != nil {
		return nil, fmt.Errorf("unmarshal members: %w", err)
	}
	if err := json.Unmarshal([]byte(middlewareJSON), &ns.Middleware); err != nil {
		return nil, fmt.Errorf("unmarshal middleware: %w", err)
	}
	return &ns, nil
}

func scanEndpoint(row rowScanner) (*namespace.Endpoint, error) {
	var (
		ep         namespace.Endpoint
		authPolicy int
	)
	if err := row.Scan(&ep.ID, &ep.Name, &ep.NamespaceID, &authPolicy, &ep.OwnerPrincipalID); err != nil {
		return nil, err
	}
	ep.Auth = namespace.AuthPolicy(authPolicy)
	return &ep, nil
}

func scanAPIKey(row rowScanner) (*controlplane.APIKey, error) {
	var (
		key         controlplane.APIKey
		ownerOfJSON string
		expiresAt   sql.NullInt64
	)
	if err := row.Scan(&key.Hash, &key.PrincipalID, &key.Public, &ownerOfJSON, &key.Revoked, &expiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ownerOfJSON), &key.OwnerOf); err != nil {
		return nil, fmt.Errorf("unmarshal owner_of: %w", err)
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		key.ExpiresAt = &t
	}
	return &key, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return controlplane.ErrNotFound
	}
	return nil
}

var _ controlplane.Store = (*Store)(nil)
