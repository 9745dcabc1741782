// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"encoding/json"

	"github.com/herdwork/showbarn/backend/internal/models"
	"github.com/herdwork/showbarn/backend/internal/sync/conflict"
	"github.com/herdwork/showbarn/backend/internal/sync/queue"
)

// Event names delivered to the notifier.
const (
	EventMutationCompleted = "sync.completed"
	EventMutationFailed    = "sync.failed"
	EventConflictDetected  = "sync.conflict"
)

// Event is a sync lifecycle notification. Conflict is set only for
// EventConflictDetected.
type Event struct {
	Name     string                `json:"name"`
	Item     *models.SyncQueueItem `json:"item"`
	Conflict *models.SyncConflict  `json:"conflict,omitempty"`
}

// Notifier receives sync lifecycle events. Implementations must not block:
// events are delivered synchronously from worker goroutines.
type Notifier interface {
	Notify(event Event)
}

// EngineInterface defines the client-facing sync surface.
// This interface allows for mocking in tests and alternative implementations.
type EngineInterface interface {
	// Enqueue records a local mutation for eventual push to the server.
	Enqueue(owner, entityType, recordID string, op queue.Operation, payload json.RawMessage) (*models.SyncQueueItem, error)

	// GetMutation returns one queued mutation by ID.
	GetMutation(id string) (*models.SyncQueueItem, error)

	// ListQueue returns queued mutations, optionally filtered by status.
	ListQueue(status queue.Status, limit, offset int) ([]*models.SyncQueueItem, error)

	// RetryMutation resets a permanently failed mutation back to pending.
	RetryMutation(id string) (*models.SyncQueueItem, error)

	// GetConflict returns one conflict by ID.
	GetConflict(id string) (*models.SyncConflict, error)

	// ListOpenConflicts returns conflicts awaiting a resolution, optionally
	// filtered by entity type.
	ListOpenConflicts(entityType string) ([]*models.SyncConflict, error)

	// ResolveConflict settles an open conflict. Merged is the replacement
	// payload for manual resolutions and ignored otherwise.
	ResolveConflict(id string, resolution conflict.Resolution, merged json.RawMessage) (*models.SyncConflict, error)

	// SetOnline switches the engine between online and offline operation.
	SetOnline(online bool)

	// Status returns a snapshot of the engine state.
	Status() (*EngineStatus, error)

	// Start launches the background sync worker.
	Start(ctx context.Context) error

	// Stop stops the background sync worker.
	Stop()
}

// EngineStatus is a point-in-time snapshot of the sync engine.
type EngineStatus struct {
	Running       bool           `json:"running"`
	Online        bool           `json:"online"`
	QueueCounts   map[string]int `json:"queue_counts"`
	OpenConflicts int            `json:"open_conflicts"`
}
