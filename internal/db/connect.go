package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures the LTI schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:ltiprovider.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/ltiprovider?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS lti_consumers (
  consumer_key TEXT PRIMARY KEY,
  secret TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  lti_version TEXT NOT NULL DEFAULT '',
  consumer_name TEXT NOT NULL DEFAULT '',
  consumer_version TEXT NOT NULL DEFAULT '',
  consumer_guid TEXT NOT NULL DEFAULT '',
  css_path TEXT NOT NULL DEFAULT '',
  protected INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 0,
  enable_from INTEGER,
  enable_until INTEGER,
  last_access INTEGER,
  id_scope INTEGER NOT NULL DEFAULT 3,
  default_email TEXT NOT NULL DEFAULT '',
  created_at INTEGER,
  updated_at INTEGER
);

CREATE TABLE IF NOT EXISTS lti_resource_links (
  consumer_key TEXT NOT NULL REFERENCES lti_consumers(consumer_key) ON DELETE CASCADE,
  link_id TEXT NOT NULL,
  context_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  settings_json TEXT NOT NULL DEFAULT '{}',
  group_sets_json TEXT NOT NULL DEFAULT '{}',
  groups_json TEXT NOT NULL DEFAULT '{}',
  primary_consumer_key TEXT,
  primary_link_id TEXT,
  share_approved INTEGER,
  created_at INTEGER,
  updated_at INTEGER,
  PRIMARY KEY (consumer_key, link_id)
);

CREATE TABLE IF NOT EXISTS lti_users (
  consumer_key TEXT NOT NULL,
  link_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  first_name TEXT NOT NULL DEFAULT '',
  last_name TEXT NOT NULL DEFAULT '',
  full_name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  roles_json TEXT NOT NULL DEFAULT '[]',
  groups_json TEXT NOT NULL DEFAULT '[]',
  result_sourcedid TEXT NOT NULL DEFAULT '',
  created_at INTEGER,
  updated_at INTEGER,
  PRIMARY KEY (consumer_key, link_id, user_id),
  FOREIGN KEY (consumer_key, link_id) REFERENCES lti_resource_links(consumer_key, link_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS lti_nonces (
  consumer_key TEXT NOT NULL,
  value TEXT NOT NULL,
  expires_at INTEGER NOT NULL,
  PRIMARY KEY (consumer_key, value)
);

CREATE TABLE IF NOT EXISTS lti_share_keys (
  value TEXT PRIMARY KEY,
  primary_consumer_key TEXT NOT NULL,
  primary_link_id TEXT NOT NULL,
  auto_approve INTEGER NOT NULL DEFAULT 0,
  expires_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_consumers (
  consumer_key TEXT PRIMARY KEY,
  secret TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  lti_version TEXT NOT NULL DEFAULT '',
  consumer_name TEXT NOT NULL DEFAULT '',
  consumer_version TEXT NOT NULL DEFAULT '',
  consumer_guid TEXT NOT NULL DEFAULT '',
  css_path TEXT NOT NULL DEFAULT '',
  protected BOOLEAN NOT NULL DEFAULT FALSE,
  enabled BOOLEAN NOT NULL DEFAULT FALSE,
  enable_from BIGINT,
  enable_until BIGINT,
  last_access BIGINT,
  id_scope INTEGER NOT NULL DEFAULT 3,
  default_email TEXT NOT NULL DEFAULT '',
  created_at BIGINT,
  updated_at BIGINT
);

CREATE TABLE IF NOT EXISTS lti_resource_links (
  consumer_key TEXT NOT NULL REFERENCES lti_consumers(consumer_key) ON DELETE CASCADE,
  link_id TEXT NOT NULL,
  context_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  settings_json TEXT NOT NULL DEFAULT '{}',
  group_sets_json TEXT NOT NULL DEFAULT '{}',
  groups_json TEXT NOT NULL DEFAULT '{}',
  primary_consumer_key TEXT,
  primary_link_id TEXT,
  share_approved BOOLEAN,
  created_at BIGINT,
  updated_at BIGINT,
  PRIMARY KEY (consumer_key, link_id)
);

CREATE TABLE IF NOT EXISTS lti_users (
  consumer_key TEXT NOT NULL,
  link_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  first_name TEXT NOT NULL DEFAULT '',
  last_name TEXT NOT NULL DEFAULT '',
  full_name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  roles_json TEXT NOT NULL DEFAULT '[]',
  groups_json TEXT NOT NULL DEFAULT '[]',
  result_sourcedid TEXT NOT NULL DEFAULT '',
  created_at BIGINT,
  updated_at BIGINT,
  PRIMARY KEY (consumer_key, link_id, user_id),
  FOREIGN KEY (consumer_key, link_id) REFERENCES lti_resource_links(consumer_key, link_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS lti_nonces (
  consumer_key TEXT NOT NULL,
  value TEXT NOT NULL,
  expires_at BIGINT NOT NULL,
  PRIMARY KEY (consumer_key, value)
);

CREATE TABLE IF NOT EXISTS lti_share_keys (
  value TEXT PRIMARY KEY,
  primary_consumer_key TEXT NOT NULL,
  primary_link_id TEXT NOT NULL,
  auto_approve BOOLEAN NOT NULL DEFAULT FALSE,
  expires_at BIGINT NOT NULL
);
`
