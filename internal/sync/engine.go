// Package sync provides offline-first synchronization for record mutations.
// Local edits land in a durable queue, a background worker pushes them to
// the server of record, and version conflicts park for review.
package sync

import (
	"context"
	"encoding/json"

	"github.com/herdwork/showbarn/backend/internal/db"
	apperrors "github.com/herdwork/showbarn/backend/internal/errors"
	"github.com/herdwork/showbarn/backend/internal/logging"
	"github.com/herdwork/showbarn/backend/internal/models"
	"github.com/herdwork/showbarn/backend/internal/sync/conflict"
	"github.com/herdwork/showbarn/backend/internal/sync/queue"
	"github.com/herdwork/showbarn/backend/internal/sync/transport"
	"github.com/herdwork/showbarn/backend/internal/sync/worker"
)

// Config tunes the engine's queue and worker behaviour. Zero values fall
// back to package defaults.
type Config struct {
	Queue  queue.Config
	Worker *worker.Config
}

// SyncEngine coordinates the mutation queue, the background worker, and
// conflict resolution behind one surface.
type SyncEngine struct {
	queue    *queue.MutationQueue
	resolver *conflict.Resolver
	worker   *worker.Worker
	notifier Notifier
}

// Compile-time interface check.
var _ EngineInterface = (*SyncEngine)(nil)

// NewSyncEngine creates a new SyncEngine over the given store and
// reconciler transport. notifier may be nil when nothing consumes events.
func NewSyncEngine(store db.Store, client transport.Reconciler, notifier Notifier, config Config) *SyncEngine {
	e := &SyncEngine{
		notifier: notifier,
	}
	e.queue = queue.NewMutationQueue(store, config.Queue)
	e.resolver = conflict.NewResolver(store)
	e.worker = worker.NewWorker(e.queue, e.resolver, client, worker.Hooks{
		OnCompleted: func(item *models.SyncQueueItem) {
			e.notify(Event{Name: EventMutationCompleted, Item: item})
		},
		OnFailed: func(item *models.SyncQueueItem) {
			e.notify(Event{Name: EventMutationFailed, Item: item})
		},
		OnConflict: func(item *models.SyncQueueItem, c *models.SyncConflict) {
			e.notify(Event{Name: EventConflictDetected, Item: item, Conflict: c})
		},
	}, config.Worker)
	return e
}

// notify delivers an event to the notifier, if any.
func (e *SyncEngine) notify(event Event) {
	if e.notifier != nil {
		e.notifier.Notify(event)
	}
}

// Start launches the background sync worker.
func (e *SyncEngine) Start(ctx context.Context) error {
	return e.worker.Start(ctx)
}

// Stop stops the background sync worker.
func (e *SyncEngine) Stop() {
	e.worker.Stop()
}

// SetOnline switches between online and offline operation. Mutations
// enqueue in either mode; pushes only happen online.
func (e *SyncEngine) SetOnline(online bool) {
	e.worker.SetOnline(online)
}

// Enqueue records a local mutation and nudges the worker.
func (e *SyncEngine) Enqueue(owner, entityType, recordID string, op queue.Operation, payload json.RawMessage) (*models.SyncQueueItem, error) {
	item, err := e.queue.Enqueue(owner, entityType, recordID, op, payload)
	if err != nil {
		return nil, err
	}
	e.worker.Wake()
	return item, nil
}

// GetMutation returns one queued mutation by ID.
func (e *SyncEngine) GetMutation(id string) (*models.SyncQueueItem, error) {
	return e.queue.Get(id)
}

// ListQueue returns queued mutations, optionally filtered by status.
func (e *SyncEngine) ListQueue(status queue.Status, limit, offset int) ([]*models.SyncQueueItem, error) {
	return e.queue.List(status, limit, offset)
}

// RetryMutation resets a permanently failed mutation back to pending.
func (e *SyncEngine) RetryMutation(id string) (*models.SyncQueueItem, error) {
	item, err := e.queue.RetryItem(id)
	if err != nil {
		return nil, err
	}
	e.worker.Wake()
	return item, nil
}

// GetConflict returns one conflict by ID.
func (e *SyncEngine) GetConflict(id string) (*models.SyncConflict, error) {
	return e.resolver.Get(id)
}

// ListOpenConflicts returns conflicts awaiting a resolution, optionally
// filtered by entity type.
func (e *SyncEngine) ListOpenConflicts(entityType string) ([]*models.SyncConflict, error) {
	return e.resolver.ListOpen(entityType)
}

// ResolveConflict settles an open conflict and moves its queued mutation
// accordingly: client wins re-queues the mutation for another push, server
// wins discards it and adopts the server's version token, and manual
// discards it then enqueues the merged payload as a fresh mutation.
func (e *SyncEngine) ResolveConflict(id string, resolution conflict.Resolution, merged json.RawMessage) (*models.SyncConflict, error) {
	if !resolution.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown resolution: %s", resolution)
	}
	if resolution == conflict.ResolutionManual {
		if len(merged) == 0 {
			return nil, apperrors.New(apperrors.ErrValidation, "manual resolution requires a merged payload")
		}
		if !json.Valid(merged) {
			return nil, apperrors.New(apperrors.ErrValidation, "merged payload is not valid JSON")
		}
	}

	c, err := e.resolver.Get(id)
	if err != nil {
		return nil, err
	}
	if c.IsResolved() {
		return nil, apperrors.Newf(apperrors.ErrAlreadyResolved, "conflict already resolved: %s", id)
	}
	item, err := e.queue.Get(c.QueueItemID.String())
	if err != nil {
		return nil, err
	}

	// The queue moves before the conflict record closes. If anything below
	// fails the conflict stays open and resolving again is safe: Requeue and
	// Discard tolerate an item a prior attempt already moved on.
	switch resolution {
	case conflict.ResolutionClientWins:
		// The client edit goes back out, rebased on the server's token
		if _, err := e.queue.Requeue(item.ID.String(), c.ServerVersion); err != nil {
			return nil, err
		}
	case conflict.ResolutionServerWins:
		if _, err := e.queue.Discard(item.ID.String(), c.ServerVersion); err != nil {
			return nil, err
		}
	case conflict.ResolutionManual:
		if _, err := e.queue.Discard(item.ID.String(), c.ServerVersion); err != nil {
			return nil, err
		}
		if _, err := e.Enqueue(item.Owner, item.EntityType, item.RecordID, queue.OperationUpdate, merged); err != nil {
			return nil, err
		}
	}

	resolved, err := e.resolver.Resolve(id, resolution)
	if err != nil {
		return nil, err
	}

	logging.Info("Conflict resolution applied", map[string]interface{}{
		"conflict_id": resolved.ID.String(),
		"resolution":  string(resolution),
		"entity_type": item.EntityType,
		"record_id":   item.RecordID,
	})

	e.worker.Wake()
	return resolved, nil
}

// Status returns a snapshot of the engine state.
func (e *SyncEngine) Status() (*EngineStatus, error) {
	counts, err := e.queue.Counts()
	if err != nil {
		return nil, err
	}
	open, err := e.resolver.ListOpen("")
	if err != nil {
		return nil, err
	}
	return &EngineStatus{
		Running:       e.worker.IsRunning(),
		Online:        e.worker.IsOnline(),
		QueueCounts:   counts,
		OpenConflicts: len(open),
	}, nil
}
