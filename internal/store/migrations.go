// Versioned schema migrations for the terminal database. Opening a store
// always brings the schema to CurrentSchemaVersion; every step is idempotent
// so re-running against an already-upgraded database is safe.
package store

import (
	"database/sql"
	"fmt"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
)

// Schema versions:
// v1: Core collections (sessions, users, lockouts, queue)
// v2: Reference data cache (reference_data)
// v3: Queue backoff and archival columns
const CurrentSchemaVersion = 3

// createStatements holds the per-version CREATE statements. Each uses
// IF NOT EXISTS so partially upgraded databases converge.
var createStatements = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			token TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT 'offline',
			created_at DATETIME NOT NULL,
			last_accessed_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_accessed ON sessions(last_accessed_at)`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY,
			login TEXT NOT NULL,
			pin_hash TEXT NOT NULL DEFAULT '',
			cached_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lockouts (
			user_id INTEGER PRIMARY KEY,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			locked_until DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT,
			idempotency_key TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			last_attempt_at DATETIME,
			synced_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_created ON queue(created_at)`,
	},
	2: {
		`CREATE TABLE IF NOT EXISTS reference_data (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			payload TEXT NOT NULL,
			cached_at DATETIME NOT NULL,
			PRIMARY KEY (collection, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refdata_collection ON reference_data(collection)`,
	},
	3: {},
}

// columnMigration adds a column to an existing table.
type columnMigration struct {
	Version int
	Table   string
	Column  string
	Def     string
}

// columnMigrations lists additive column changes. These handle databases
// created by earlier releases where the table exists without newer columns.
var columnMigrations = []columnMigration{
	{3, "queue", "next_attempt_at", "DATETIME"},
	{3, "queue", "archived_at", "DATETIME"},
}

// migrate brings the schema up to CurrentSchemaVersion.
func (s *Store) migrate() error {
	from := schemaVersion(s.db)
	if from > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", from, CurrentSchemaVersion)
	}

	logging.Boot("store: schema version %d (current %d)", from, CurrentSchemaVersion)

	for v := 1; v <= CurrentSchemaVersion; v++ {
		for _, stmt := range createStatements[v] {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration v%d failed: %w", v, err)
			}
		}
		for _, m := range columnMigrations {
			if m.Version != v {
				continue
			}
			if !tableExists(s.db, m.Table) || columnExists(s.db, m.Table, m.Column) {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration v%d (%s.%s) failed: %w", v, m.Table, m.Column, err)
			}
			logging.Boot("store: migration applied: added %s.%s", m.Table, m.Column)
		}
	}

	if from < CurrentSchemaVersion {
		if _, err := s.db.Exec(
			"INSERT OR REPLACE INTO schema_version (version) VALUES (?)", CurrentSchemaVersion,
		); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		logging.Boot("store: schema upgraded %d -> %d", from, CurrentSchemaVersion)
	}

	return nil
}

// schemaVersion returns the recorded schema version, 0 for a fresh database.
func schemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_version") {
		return 0
	}
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

// SchemaVersion exposes the persisted schema version.
func (s *Store) SchemaVersion() int {
	return schemaVersion(s.db)
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&count)
	return err == nil && count > 0
}

// columnExists checks if a column exists using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
