// Package db provides repository interfaces for Showbarn data models.
package db

import (
	"github.com/herdwork/showbarn/backend/internal/models"
)

// QueueStore defines operations for durable queue item persistence.
// This interface allows mocking for testing and follows the Interface Segregation Principle.
type QueueStore interface {
	// AppendQueueItem appends a new mutation to the durable queue.
	AppendQueueItem(item *models.SyncQueueItem) error

	// GetQueueItem retrieves a queue item by ID.
	GetQueueItem(id string) (*models.SyncQueueItem, error)

	// UpdateQueueItem persists the mutable fields of a queue item.
	UpdateQueueItem(item *models.SyncQueueItem) error

	// ListQueueItems returns queue items oldest first, optionally filtered by status.
	ListQueueItems(status string, limit, offset int) ([]*models.SyncQueueItem, error)

	// ListPendingItems returns dispatchable pending items, oldest first.
	ListPendingItems(now int64, limit int) ([]*models.SyncQueueItem, error)

	// LatestQueueItem returns the newest item for a record, or nil.
	LatestQueueItem(entityType, recordID string) (*models.SyncQueueItem, error)

	// HasLiveQueueItem reports whether a record has an in-flight item.
	HasLiveQueueItem(entityType, recordID string) (bool, error)

	// RecoverInFlight resets processing items back to pending after a crash.
	RecoverInFlight() (int, error)

	// QueueCounts returns the number of queue items per status.
	QueueCounts() (map[string]int, error)
}

// ConflictStore defines operations for conflict persistence.
type ConflictStore interface {
	// CreateConflict records a newly detected conflict.
	CreateConflict(conflict *models.SyncConflict) error

	// GetConflict retrieves a conflict by ID.
	GetConflict(id string) (*models.SyncConflict, error)

	// UpdateConflict persists the resolution fields of a conflict.
	UpdateConflict(conflict *models.SyncConflict) error

	// ListOpenConflicts returns unresolved conflicts oldest first,
	// optionally filtered by entity type.
	ListOpenConflicts(entityType string) ([]*models.SyncConflict, error)

	// OpenConflictForItem returns the open conflict for a queue item, or nil.
	OpenConflictForItem(queueItemID string) (*models.SyncConflict, error)
}

// VersionStore defines operations for the cached server version map.
type VersionStore interface {
	// GetRecordVersion returns the cached server version for a record, or nil.
	GetRecordVersion(entityType, recordID string) (*models.RecordVersion, error)

	// SetRecordVersion upserts the cached server version for a record.
	SetRecordVersion(rv *models.RecordVersion) error
}

// ServerRecordStore defines operations for server-of-record state.
type ServerRecordStore interface {
	// GetServerRecord returns the server state for a record, or nil.
	GetServerRecord(entityType, recordID string) (*models.ServerRecord, error)

	// PutServerRecord upserts the server state for a record.
	PutServerRecord(rec *models.ServerRecord) error

	// ListServerRecords returns all live server records for an entity type.
	ListServerRecords(entityType string) ([]*models.ServerRecord, error)
}

// Store combines the stores needed by the sync engine.
// This is a marker interface that groups related stores for convenience.
type Store interface {
	QueueStore
	ConflictStore
	VersionStore
}

// Ensure implementations satisfy the interfaces at compile time.
var (
	_ QueueStore        = (*Repository)(nil)
	_ ConflictStore     = (*Repository)(nil)
	_ VersionStore      = (*Repository)(nil)
	_ ServerRecordStore = (*Repository)(nil)
	_ Store             = (*Repository)(nil)

	_ Store             = (*MemStore)(nil)
	_ ServerRecordStore = (*MemStore)(nil)
)
