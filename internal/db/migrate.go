// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationScript pairs forward and rollback SQL for one schema version.
// Scripts are compiled in rather than shipped as files so a partially
// installed client can never open a database it cannot migrate.
type migrationScript struct {
	version     int
	description string
	up          string
	down        string
}

// migrations lists every schema version in order. Append only.
var migrations = []migrationScript{
	{
		version:     1,
		description: "sync_engine_schema",
		up: `
		CREATE TABLE IF NOT EXISTS sync_queue_items (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			entity_type TEXT NOT NULL CHECK(length(entity_type) > 0),
			record_id TEXT NOT NULL CHECK(length(record_id) > 0),
			operation TEXT NOT NULL CHECK(operation IN ('insert', 'update', 'delete')),
			payload TEXT,
			status TEXT NOT NULL CHECK(status IN ('pending', 'processing', 'completed', 'failed', 'conflict')),
			version INTEGER NOT NULL CHECK(version > 0),
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			processed_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue_items(status, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue_items(entity_type, record_id, status);
		CREATE INDEX IF NOT EXISTS idx_queue_created ON sync_queue_items(created_at);

		CREATE TABLE IF NOT EXISTS sync_conflicts (
			id TEXT PRIMARY KEY,
			queue_item_id TEXT NOT NULL REFERENCES sync_queue_items(id),
			entity_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			client_data TEXT,
			server_data TEXT,
			server_version INTEGER NOT NULL,
			diff TEXT,
			resolution TEXT NOT NULL DEFAULT '',
			detected_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_conflicts_open ON sync_conflicts(resolved_at);
		CREATE INDEX IF NOT EXISTS idx_conflicts_item ON sync_conflicts(queue_item_id);

		CREATE TABLE IF NOT EXISTS record_versions (
			entity_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			version INTEGER NOT NULL CHECK(version > 0),
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (entity_type, record_id)
		);

		CREATE TABLE IF NOT EXISTS server_records (
			entity_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			version INTEGER NOT NULL CHECK(version > 0),
			data TEXT,
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (entity_type, record_id)
		);`,
		down: `
		DROP TABLE IF EXISTS server_records;
		DROP TABLE IF EXISTS record_versions;
		DROP TABLE IF EXISTS sync_conflicts;
		DROP TABLE IF EXISTS sync_queue_items;`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db      *sql.DB
	scripts []migrationScript
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{
		db:      db,
		scripts: migrations,
	}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum)
		if err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedVersions := make(map[int]bool)
	for _, mig := range applied {
		appliedVersions[mig.Version] = true
	}

	for _, script := range m.scripts {
		if appliedVersions[script.version] {
			continue // Already applied
		}

		if err := m.applyMigration(script); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", script.version, err)
		}
	}

	return nil
}

// applyMigration applies a single migration.
func (m *Migrator) applyMigration(script migrationScript) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Execute migration SQL
	if _, err := tx.Exec(script.up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	// Record migration with a SHA-256 checksum of the forward SQL
	hash := sha256.Sum256([]byte(script.up))
	checksum := hex.EncodeToString(hash[:])
	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, script.version, time.Now().Unix(), script.description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var script *migrationScript
	for i := range m.scripts {
		if m.scripts[i].version == current {
			script = &m.scripts[i]
			break
		}
	}
	if script == nil {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Execute rollback SQL
	if _, err := tx.Exec(script.down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}

	// Remove migration record
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}
