// Package queue provides durable mutation queue management for offline edits.
// Mutations are persisted before any network attempt and replayed in
// per-record enqueue order, with exponential backoff on transient failures.
package queue

import (
	"database/sql"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/herdwork/showbarn/backend/internal/db"
	apperrors "github.com/herdwork/showbarn/backend/internal/errors"
	"github.com/herdwork/showbarn/backend/internal/models"
)

// Operation represents a record mutation type.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Status represents the lifecycle state of a queued mutation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// Config tunes retry behaviour.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// MutationQueue manages pending record mutations on top of a durable store.
// All state lives in the store; enqueueMu serializes version assignment so
// concurrent enqueues for the same record cannot mint duplicate tokens.
type MutationQueue struct {
	store       db.Store
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration

	enqueueMu sync.Mutex
}

// NewMutationQueue creates a MutationQueue over the given store.
func NewMutationQueue(store db.Store, cfg Config) *MutationQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	return &MutationQueue{
		store:       store,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
	}
}

// Enqueue validates and durably records a mutation. The assigned version
// token is one greater than the newest in-flight mutation for the record,
// or the cached server version when the record has no in-flight mutations.
func (q *MutationQueue) Enqueue(owner, entityType, recordID string, op Operation, payload json.RawMessage) (*models.SyncQueueItem, error) {
	if entityType == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "entity type is required")
	}
	if recordID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "record ID is required")
	}

	switch op {
	case OperationInsert, OperationUpdate:
		if len(payload) == 0 {
			return nil, apperrors.Newf(apperrors.ErrValidation, "%s requires a payload", op)
		}
		if !json.Valid(payload) {
			return nil, apperrors.New(apperrors.ErrValidation, "payload is not valid JSON")
		}
	case OperationDelete:
		// A delete carries no payload
		payload = nil
	default:
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown operation: %s", op)
	}

	// Version assignment and the append must be atomic: two concurrent
	// enqueues for one record must observe each other's items.
	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	if op != OperationInsert {
		known, err := q.recordKnown(entityType, recordID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to check record history", err)
		}
		if !known {
			return nil, apperrors.Newf(apperrors.ErrValidation,
				"cannot %s unknown record %s/%s", op, entityType, recordID)
		}
	}

	version, err := q.nextVersion(entityType, recordID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to assign version", err)
	}

	item := &models.SyncQueueItem{
		Owner:      owner,
		EntityType: entityType,
		RecordID:   recordID,
		Operation:  string(op),
		Payload:    payload,
		Status:     string(StatusPending),
		Version:    version,
		MaxRetries: q.maxRetries,
	}
	if err := q.store.AppendQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to append queue item", err)
	}

	log.Printf("[MutationQueue] Enqueued %s for %s/%s (version %d)", op, entityType, recordID, version)

	return item, nil
}

// recordKnown reports whether the record has any local history: a live queue
// item, an older queue item in any state, or a cached server version. Updates
// and deletes of records the client has never seen are rejected at enqueue.
func (q *MutationQueue) recordKnown(entityType, recordID string) (bool, error) {
	live, err := q.store.HasLiveQueueItem(entityType, recordID)
	if err != nil {
		return false, err
	}
	if live {
		return true, nil
	}
	latest, err := q.store.LatestQueueItem(entityType, recordID)
	if err != nil {
		return false, err
	}
	if latest != nil {
		return true, nil
	}
	cached, err := q.store.GetRecordVersion(entityType, recordID)
	if err != nil {
		return false, err
	}
	return cached != nil, nil
}

// nextVersion computes the version token for a new mutation. A conflicted or
// retry-scheduled item is not terminal, so its version slot stays claimed.
func (q *MutationQueue) nextVersion(entityType, recordID string) (int64, error) {
	latest, err := q.store.LatestQueueItem(entityType, recordID)
	if err != nil {
		return 0, err
	}
	if latest != nil && !latest.IsTerminal() {
		// Chain on top of the newest in-flight mutation
		return latest.Version + 1, nil
	}

	cached, err := q.store.GetRecordVersion(entityType, recordID)
	if err != nil {
		return 0, err
	}
	if cached != nil {
		return cached.Version, nil
	}

	// Never seen by client or server
	return 1, nil
}

// Get returns a queue item by ID.
func (q *MutationQueue) Get(id string) (*models.SyncQueueItem, error) {
	item, err := q.store.GetQueueItem(id)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item not found: %s", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get queue item", err)
	}
	return item, nil
}

// List returns queue items oldest first, optionally filtered by status.
func (q *MutationQueue) List(status Status, limit, offset int) ([]*models.SyncQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := q.store.ListQueueItems(string(status), limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list queue items", err)
	}
	return items, nil
}

// Dispatchable returns items due for a sync attempt: pending items plus
// failed items whose scheduled retry time has passed. A due retry moves back
// to pending here, so the failed state stays observable for exactly the
// backoff window.
func (q *MutationQueue) Dispatchable(limit int) ([]*models.SyncQueueItem, error) {
	items, err := q.store.ListPendingItems(time.Now().Unix(), limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list pending items", err)
	}

	for _, item := range items {
		if item.Status != string(StatusFailed) {
			continue
		}
		item.Status = string(StatusPending)
		item.NextRetryAt = 0
		item.LastError = ""
		if err := q.store.UpdateQueueItem(item); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
		}
	}
	return items, nil
}

// MarkProcessing transitions an item from pending to processing. Calling it
// on an item that is already processing is a no-op, so a retried dispatch
// cannot fail.
func (q *MutationQueue) MarkProcessing(id string) (*models.SyncQueueItem, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	switch Status(item.Status) {
	case StatusProcessing:
		return item, nil
	case StatusPending:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"cannot start processing item in state %s", item.Status)
	}

	item.Status = string(StatusProcessing)
	if err := q.store.UpdateQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}
	return item, nil
}

// MarkCompleted transitions an item from processing to completed and caches
// the new server version for the record. Idempotent for completed items.
func (q *MutationQueue) MarkCompleted(id string, newVersion int64) (*models.SyncQueueItem, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	switch Status(item.Status) {
	case StatusCompleted:
		return item, nil
	case StatusProcessing:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"cannot complete item in state %s", item.Status)
	}

	item.Status = string(StatusCompleted)
	item.ProcessedAt = time.Now().Unix()
	item.LastError = ""
	if err := q.store.UpdateQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}

	if err := q.cacheVersion(item, newVersion); err != nil {
		return nil, err
	}

	log.Printf("[MutationQueue] Completed %s for %s/%s (server version %d)",
		item.Operation, item.EntityType, item.RecordID, newVersion)

	return item, nil
}

// cacheVersion records the server version a completed mutation produced.
func (q *MutationQueue) cacheVersion(item *models.SyncQueueItem, version int64) error {
	rv := &models.RecordVersion{
		EntityType: item.EntityType,
		RecordID:   item.RecordID,
		Version:    version,
		Deleted:    item.Operation == string(OperationDelete),
	}
	if err := q.store.SetRecordVersion(rv); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to cache record version", err)
	}
	return nil
}

// MarkFailed records a failed sync attempt. The item becomes failed with the
// cause recorded. While retry budget remains, NextRetryAt schedules the next
// attempt and the dispatcher returns the item to pending once that time
// passes; once the budget is exhausted the failure is permanent.
func (q *MutationQueue) MarkFailed(id string, cause error) (*models.SyncQueueItem, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	switch Status(item.Status) {
	case StatusFailed:
		return item, nil
	case StatusProcessing:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"cannot fail item in state %s", item.Status)
	}

	item.RetryCount++
	item.Status = string(StatusFailed)

	if item.RetryCount >= item.MaxRetries {
		// Retry budget exhausted
		item.NextRetryAt = 0
		item.ProcessedAt = time.Now().Unix()
		item.LastError = apperrors.Wrap(apperrors.ErrRetriesExhausted, "retry budget exhausted", cause).Error()
		if err := q.store.UpdateQueueItem(item); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
		}
		log.Printf("[MutationQueue] %s for %s/%s failed permanently after %d attempts: %v",
			item.Operation, item.EntityType, item.RecordID, item.RetryCount, cause)
		return item, nil
	}

	delay := q.backoff(item.RetryCount)
	item.NextRetryAt = time.Now().Add(delay).Unix()
	if cause != nil {
		item.LastError = cause.Error()
	}
	if err := q.store.UpdateQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}

	log.Printf("[MutationQueue] %s for %s/%s failed, retry %d/%d in %s: %v",
		item.Operation, item.EntityType, item.RecordID, item.RetryCount, item.MaxRetries, delay, cause)

	return item, nil
}

// Abort fails an item permanently regardless of its remaining retry budget.
// Used for mutations the server rejected as structurally invalid, where
// retrying can never succeed.
func (q *MutationQueue) Abort(id string, cause error) (*models.SyncQueueItem, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	switch Status(item.Status) {
	case StatusFailed:
		return item, nil
	case StatusProcessing:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"cannot abort item in state %s", item.Status)
	}

	item.Status = string(StatusFailed)
	item.NextRetryAt = 0
	item.ProcessedAt = time.Now().Unix()
	if cause != nil {
		item.LastError = cause.Error()
	}
	if err := q.store.UpdateQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}

	log.Printf("[MutationQueue] %s for %s/%s aborted: %v",
		item.Operation, item.EntityType, item.RecordID, cause)

	return item, nil
}

// MarkConflict parks an item in the conflict state until a resolution is
// chosen. The item keeps blocking later mutations for the same record.
func (q *MutationQueue) MarkConflict(id string) (*models.SyncQueueItem, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	switch Status(item.Status) {
	case StatusConflict:
		return item, nil
	case StatusProcessing:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"cannot mark conflict on item in state %s", item.Status)
	}

	item.Status = string(StatusConflict)
	if err := q.store.UpdateQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}
	return item, nil
}

// Requeue returns a conflicted item to pending with a fresh retry budget,
// rebased on the server's version token so the next push can be accepted.
// Used when a resolution decides the client mutation should be re-applied.
// An item a prior resolution attempt already moved on is left untouched, so
// an interrupted resolution can be replayed.
func (q *MutationQueue) Requeue(id string, serverVersion int64) (*models.SyncQueueItem, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	switch Status(item.Status) {
	case StatusConflict:
	case StatusPending, StatusProcessing, StatusCompleted:
		return item, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"cannot requeue item in state %s", item.Status)
	}

	item.Status = string(StatusPending)
	item.Version = serverVersion
	item.RetryCount = 0
	item.NextRetryAt = 0
	item.LastError = ""
	if err := q.store.UpdateQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}

	log.Printf("[MutationQueue] Requeued %s for %s/%s at version %d",
		item.Operation, item.EntityType, item.RecordID, serverVersion)

	return item, nil
}

// Discard closes a conflicted item as completed without a server apply.
// Used when a resolution keeps the server state; serverVersion is cached so
// later mutations build on the right token. Idempotent for completed items.
func (q *MutationQueue) Discard(id string, serverVersion int64) (*models.SyncQueueItem, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	switch Status(item.Status) {
	case StatusConflict:
	case StatusCompleted:
		return item, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"cannot discard item in state %s", item.Status)
	}

	item.Status = string(StatusCompleted)
	item.ProcessedAt = time.Now().Unix()
	if err := q.store.UpdateQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}

	rv := &models.RecordVersion{
		EntityType: item.EntityType,
		RecordID:   item.RecordID,
		Version:    serverVersion,
	}
	if err := q.store.SetRecordVersion(rv); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to cache record version", err)
	}
	return item, nil
}

// RetryItem resets a permanently failed item back to pending.
func (q *MutationQueue) RetryItem(id string) (*models.SyncQueueItem, error) {
	item, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	if Status(item.Status) != StatusFailed {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition,
			"cannot retry item in state %s", item.Status)
	}

	item.Status = string(StatusPending)
	item.RetryCount = 0
	item.NextRetryAt = 0
	item.ProcessedAt = 0
	item.LastError = ""
	if err := q.store.UpdateQueueItem(item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}

	log.Printf("[MutationQueue] Reset failed %s for %s/%s", item.Operation, item.EntityType, item.RecordID)

	return item, nil
}

// Recover resets items stuck in processing after a crash. Safe to call on
// every startup; mutations are idempotent on the server so a double send of
// an interrupted attempt is harmless.
func (q *MutationQueue) Recover() (int, error) {
	recovered, err := q.store.RecoverInFlight()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to recover in-flight items", err)
	}
	if recovered > 0 {
		log.Printf("[MutationQueue] Recovered %d in-flight items", recovered)
	}
	return recovered, nil
}

// Counts returns the number of items per status.
func (q *MutationQueue) Counts() (map[string]int, error) {
	counts, err := q.store.QueueCounts()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count queue items", err)
	}
	return counts, nil
}

// backoff computes the retry delay for the given attempt count with
// +-10% jitter so stalled queues do not thunder on reconnect.
func (q *MutationQueue) backoff(retryCount int) time.Duration {
	delay := q.backoffBase << uint(retryCount-1)
	if delay > q.backoffMax || delay <= 0 {
		delay = q.backoffMax
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	delay += jitter
	if delay < q.backoffBase {
		delay = q.backoffBase
	}
	return delay
}
