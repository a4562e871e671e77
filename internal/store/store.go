// Package store persists domains, users, and content-addressed source/item
// versions for aof. It is the only package that touches the database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection and provides all data access methods
// for the content-addressed fetch store (C3).
type Store struct {
	db  *sql.DB
	log *slog.Logger

	dispatch Dispatcher
}

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	// The pool is capped at four connections; under WAL, readers on one
	// connection proceed while another connection writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=3000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
		}
	}

	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL UNIQUE,
		password_salt   BLOB NOT NULL,
		password_hash   BLOB NOT NULL,
		client_key      BLOB NOT NULL,
		secret_key_env  BLOB NOT NULL,
		token_budget    INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS source_domains (
		id            TEXT PRIMARY KEY,
		abbrev        TEXT NOT NULL,
		name          TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		is_public     INTEGER NOT NULL DEFAULT 0,
		owner_user_id INTEGER NOT NULL,
		script        TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS source_domains_owner ON source_domains(owner_user_id)`,
	`CREATE TABLE IF NOT EXISTS source_versions (
		uri          TEXT NOT NULL,
		hash         TEXT NOT NULL,
		metadata     BLOB NOT NULL,
		items        BLOB NOT NULL,
		last_updated TEXT,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (uri, hash)
	)`,
	`CREATE INDEX IF NOT EXISTS source_versions_uri ON source_versions(uri)`,
	`CREATE TABLE IF NOT EXISTS source_item_versions (
		uri          TEXT NOT NULL,
		hash         TEXT NOT NULL,
		data         BLOB NOT NULL,
		last_updated TEXT,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (uri, hash)
	)`,
	`CREATE INDEX IF NOT EXISTS source_item_versions_uri ON source_item_versions(uri)`,
	`CREATE TABLE IF NOT EXISTS source_version_associated_items (
		source_uri  TEXT NOT NULL,
		source_hash TEXT NOT NULL,
		item_uri    TEXT NOT NULL,
		PRIMARY KEY (source_uri, source_hash, item_uri)
	)`,
	`CREATE INDEX IF NOT EXISTS svai_item_uri ON source_version_associated_items(item_uri)`,
	`CREATE TABLE IF NOT EXISTS source_resources (
		hash         TEXT PRIMARY KEY,
		content_type TEXT NOT NULL DEFAULT '',
		data         BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS source_item_resource_dependencies (
		item_uri      TEXT NOT NULL,
		item_hash     TEXT NOT NULL,
		resource_hash TEXT NOT NULL,
		PRIMARY KEY (item_uri, item_hash, resource_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS sird_resource ON source_item_resource_dependencies(resource_hash)`,
	`CREATE TABLE IF NOT EXISTS user_sources (
		user_id      INTEGER NOT NULL,
		uri          TEXT NOT NULL,
		version_date TEXT,
		version_hash TEXT,
		user_data    BLOB,
		PRIMARY KEY (user_id, uri)
	)`,
	`CREATE TABLE IF NOT EXISTS user_source_items (
		user_id      INTEGER NOT NULL,
		uri          TEXT NOT NULL,
		version_date TEXT,
		version_hash TEXT,
		user_data    BLOB,
		PRIMARY KEY (user_id, uri)
	)`,
	`CREATE TABLE IF NOT EXISTS user_source_subscriptions (
		user_id    INTEGER NOT NULL,
		source_uri TEXT NOT NULL,
		PRIMARY KEY (user_id, source_uri)
	)`,
	`CREATE INDEX IF NOT EXISTS uss_source ON user_source_subscriptions(source_uri)`,
	`CREATE TABLE IF NOT EXISTS user_source_domain_subscriptions (
		user_id   INTEGER NOT NULL,
		domain_id TEXT NOT NULL,
		PRIMARY KEY (user_id, domain_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_rss_auth_keys (
		key        TEXT PRIMARY KEY,
		user_id    INTEGER NOT NULL,
		label      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS rss_keys_user ON user_rss_auth_keys(user_id)`,
	`CREATE TABLE IF NOT EXISTS registration_tokens (
		token      TEXT PRIMARY KEY,
		expires_at TEXT NOT NULL,
		used       INTEGER NOT NULL DEFAULT 0
	)`,
}

// Migrate applies all pending schema migrations. It is idempotent.
func (s *Store) Migrate() error {
	s.log.Info("running database migrations")
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	s.log.Info("migrations complete")
	return nil
}

func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
