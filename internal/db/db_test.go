// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	// Open database
	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Verify database file was created
	dbPath := filepath.Join(tmpDir, "showbarn.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Verify connection is usable
	var result int
	err = db.QueryRow("SELECT 1").Scan(&result)
	if err != nil {
		t.Errorf("Database query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("Expected 1, got %d", result)
	}

	// Verify WAL mode is enabled
	var walMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&walMode)
	if err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	// Verify foreign keys are enabled
	var fkEnabled int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled)
	if err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	// Use a path that cannot be created as a directory
	invalidPath := "/dev/null/invalid_path/that/cannot/be/created"

	_, err := Open(invalidPath)
	if err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestClose verifies database closing.
func TestClose(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	// Close database
	err = db.Close()
	if err != nil {
		t.Errorf("Close() failed: %v", err)
	}

	// Close is idempotent in SQLite - second call should succeed
	err = db.Close()
	if err != nil {
		t.Errorf("Second Close() should not return error, got: %v", err)
	}

	// Try to query closed database - should fail
	var result int
	err = db.QueryRow("SELECT 1").Scan(&result)
	if err == nil {
		t.Error("Query on closed database should fail")
	}
}

// TestDB_reopen verifies queued data survives close and reopen.
func TestDB_reopen(t *testing.T) {
	tmpDir := t.TempDir()

	// First open
	db1, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}

	migrator := NewMigrator(db1.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	_, err = db1.Exec(`
		INSERT INTO sync_queue_items (id, owner, entity_type, record_id, operation,
			status, version, created_at)
		VALUES ('00000000-0000-4000-8000-000000000001', 'dev-1', 'animal', 'rec-1',
			'insert', 'pending', 1, 1700000000)`)
	if err != nil {
		t.Fatalf("Failed to insert queue item: %v", err)
	}

	if err := db1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Reopen database
	db2, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Second Open() failed: %v", err)
	}
	defer db2.Close()

	// Verify data persisted
	var status string
	err = db2.QueryRow("SELECT status FROM sync_queue_items WHERE record_id = 'rec-1'").Scan(&status)
	if err != nil {
		t.Errorf("Failed to query queue item: %v", err)
	}
	if status != "pending" {
		t.Errorf("Expected 'pending', got %q", status)
	}
}

// TestDB_concurrentQueries verifies database handles multiple queries.
func TestDB_concurrentQueries(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	// Create a test table
	_, err = db.Exec("CREATE TABLE test_table (id INTEGER PRIMARY KEY, value INTEGER)")
	if err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}

	// Insert test data
	for i := 1; i <= 10; i++ {
		_, err = db.Exec("INSERT INTO test_table (id, value) VALUES (?, ?)", i, i*10)
		if err != nil {
			t.Fatalf("Failed to insert test data: %v", err)
		}
	}

	// Run multiple concurrent queries
	done := make(chan bool, 5)
	for i := 0; i < 5; i++ {
		go func() {
			rows, err := db.Query("SELECT value FROM test_table")
			if err != nil {
				t.Errorf("Concurrent query failed: %v", err)
				done <- false
				return
			}
			defer rows.Close()
			for rows.Next() {
			}
			done <- true
		}()
	}

	// Wait for all queries to complete
	for i := 0; i < 5; i++ {
		if !<-done {
			t.Error("Concurrent query failed")
		}
	}
}
