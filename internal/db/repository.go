// Package db provides CRUD repository operations for Showbarn data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/herdwork/showbarn/backend/internal/models"
	"github.com/herdwork/showbarn/backend/internal/uuid"
)

// Repository provides persistence operations for the sync engine.
// Frequently used queries go through a prepared statement cache.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries
	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	// Try to get from cache first
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	// Prepare and cache
	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Store in cache (if already stored by another goroutine, use existing)
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Queue Item Operations
// =====================================================

// AppendQueueItem appends a new mutation to the durable queue.
// The ID and creation timestamp are assigned here.
func (r *Repository) AppendQueueItem(item *models.SyncQueueItem) error {
	item.ID = models.UUID(uuid.New())
	item.CreatedAt = time.Now().Unix()

	query := `
	INSERT INTO sync_queue_items (id, owner, entity_type, record_id, operation, payload,
		status, version, retry_count, max_retries, next_retry_at, created_at, processed_at, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query, item.ID, item.Owner, item.EntityType, item.RecordID,
		item.Operation, nullableJSON(item.Payload), item.Status, item.Version,
		item.RetryCount, item.MaxRetries, item.NextRetryAt, item.CreatedAt,
		item.ProcessedAt, item.LastError)
	if err != nil {
		return err
	}

	// The rowid doubles as the monotonic enqueue sequence.
	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	item.Seq = seq
	return nil
}

// GetQueueItem retrieves a queue item by ID.
func (r *Repository) GetQueueItem(id string) (*models.SyncQueueItem, error) {
	query := queueItemSelect + ` WHERE id = ?`

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	return scanQueueItem(stmt.QueryRow(id))
}

// UpdateQueueItem persists the mutable fields of a queue item. The identity
// fields (operation, payload) are immutable once enqueued; version changes
// only when a conflict resolution rebases the mutation.
func (r *Repository) UpdateQueueItem(item *models.SyncQueueItem) error {
	query := `
	UPDATE sync_queue_items
	SET status = ?, version = ?, retry_count = ?, next_retry_at = ?, processed_at = ?, last_error = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, item.Status, item.Version, item.RetryCount, item.NextRetryAt,
		item.ProcessedAt, item.LastError, item.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListQueueItems returns queue items ordered oldest first, optionally
// filtered by status.
func (r *Repository) ListQueueItems(status string, limit, offset int) ([]*models.SyncQueueItem, error) {
	baseQuery := queueItemSelect
	orderLimit := ` ORDER BY rowid ASC LIMIT ? OFFSET ?`

	var query string
	var args []interface{}

	if status != "" {
		query = baseQuery + ` WHERE status = ?` + orderLimit
		args = []interface{}{status, limit, offset}
	} else {
		query = baseQuery + orderLimit
		args = []interface{}{limit, offset}
	}

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// ListPendingItems returns items due for dispatch, oldest first: pending
// items plus failed items whose scheduled retry time has passed. An item is
// excluded while an earlier non-terminal item exists for the same record, so
// mutations to one record always replay in enqueue order.
func (r *Repository) ListPendingItems(now int64, limit int) ([]*models.SyncQueueItem, error) {
	query := queueItemSelect + `
	WHERE (
		(status = 'pending' AND next_retry_at <= ?)
		OR (status = 'failed' AND next_retry_at != 0 AND next_retry_at <= ?)
	  )
	  AND NOT EXISTS (
		SELECT 1 FROM sync_queue_items earlier
		WHERE earlier.entity_type = sync_queue_items.entity_type
		  AND earlier.record_id = sync_queue_items.record_id
		  AND (earlier.status IN ('pending', 'processing', 'conflict')
			OR (earlier.status = 'failed' AND earlier.next_retry_at != 0))
		  AND earlier.rowid < sync_queue_items.rowid
	  )
	ORDER BY rowid ASC
	LIMIT ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// LatestQueueItem returns the most recently enqueued item for a record, or
// nil when the record has never been queued.
func (r *Repository) LatestQueueItem(entityType, recordID string) (*models.SyncQueueItem, error) {
	query := queueItemSelect + `
	WHERE entity_type = ? AND record_id = ?
	ORDER BY rowid DESC
	LIMIT 1
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	item, err := scanQueueItem(stmt.QueryRow(entityType, recordID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// HasLiveQueueItem reports whether a record has an item that is still in
// flight: pending, processing, waiting on conflict resolution, or failed
// with a retry still scheduled.
func (r *Repository) HasLiveQueueItem(entityType, recordID string) (bool, error) {
	query := `
	SELECT COUNT(*) FROM sync_queue_items
	WHERE entity_type = ? AND record_id = ?
	  AND (status IN ('pending', 'processing', 'conflict')
		OR (status = 'failed' AND next_retry_at != 0))
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return false, err
	}

	var count int
	if err := stmt.QueryRow(entityType, recordID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecoverInFlight resets items left in processing by a crashed run back to
// pending so they are replayed. Returns the number of recovered items.
func (r *Repository) RecoverInFlight() (int, error) {
	query := `
	UPDATE sync_queue_items
	SET status = 'pending', next_retry_at = 0
	WHERE status = 'processing'
	`
	result, err := r.db.Exec(query)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// QueueCounts returns the number of queue items per status.
func (r *Repository) QueueCounts() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM sync_queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// =====================================================
// Conflict Operations
// =====================================================

// CreateConflict records a newly detected conflict.
// The ID and detection timestamp are assigned here.
func (r *Repository) CreateConflict(conflict *models.SyncConflict) error {
	conflict.ID = models.UUID(uuid.New())
	conflict.DetectedAt = time.Now().Unix()

	query := `
	INSERT INTO sync_conflicts (id, queue_item_id, entity_type, record_id, client_data,
		server_data, server_version, diff, resolution, detected_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, conflict.ID, conflict.QueueItemID, conflict.EntityType,
		conflict.RecordID, nullableJSON(conflict.ClientData), nullableJSON(conflict.ServerData),
		conflict.ServerVersion, nullableJSON(conflict.Diff), conflict.Resolution,
		conflict.DetectedAt, conflict.ResolvedAt)
	return err
}

// GetConflict retrieves a conflict by ID.
func (r *Repository) GetConflict(id string) (*models.SyncConflict, error) {
	query := conflictSelect + ` WHERE id = ?`

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	return scanConflict(stmt.QueryRow(id))
}

// UpdateConflict persists the resolution fields of a conflict.
func (r *Repository) UpdateConflict(conflict *models.SyncConflict) error {
	query := `UPDATE sync_conflicts SET resolution = ?, resolved_at = ? WHERE id = ?`
	result, err := r.db.Exec(query, conflict.Resolution, conflict.ResolvedAt, conflict.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListOpenConflicts returns unresolved conflicts oldest first, optionally
// filtered by entity type.
func (r *Repository) ListOpenConflicts(entityType string) ([]*models.SyncConflict, error) {
	query := conflictSelect + ` WHERE resolved_at = 0`
	args := []interface{}{}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY detected_at ASC, id ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanConflicts(rows)
}

// OpenConflictForItem returns the unresolved conflict attached to a queue
// item, or nil when the item has none.
func (r *Repository) OpenConflictForItem(queueItemID string) (*models.SyncConflict, error) {
	query := conflictSelect + ` WHERE queue_item_id = ? AND resolved_at = 0 LIMIT 1`

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	conflict, err := scanConflict(stmt.QueryRow(queueItemID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return conflict, err
}

// =====================================================
// Record Version Operations
// =====================================================

// GetRecordVersion returns the cached server version for a record, or nil
// when the record has never been reconciled.
func (r *Repository) GetRecordVersion(entityType, recordID string) (*models.RecordVersion, error) {
	query := `
	SELECT entity_type, record_id, version, deleted, updated_at
	FROM record_versions WHERE entity_type = ? AND record_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var rv models.RecordVersion
	err = stmt.QueryRow(entityType, recordID).Scan(
		&rv.EntityType, &rv.RecordID, &rv.Version, &rv.Deleted, &rv.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

// SetRecordVersion upserts the cached server version for a record.
func (r *Repository) SetRecordVersion(rv *models.RecordVersion) error {
	rv.UpdatedAt = time.Now().Unix()

	query := `
	INSERT INTO record_versions (entity_type, record_id, version, deleted, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, record_id) DO UPDATE SET
		version = excluded.version,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, rv.EntityType, rv.RecordID, rv.Version, rv.Deleted, rv.UpdatedAt)
	return err
}

// =====================================================
// Server Record Operations
// =====================================================

// GetServerRecord returns the server-of-record state for a record, or nil
// when the record has never been written (treated as version 1 by callers).
func (r *Repository) GetServerRecord(entityType, recordID string) (*models.ServerRecord, error) {
	query := `
	SELECT entity_type, record_id, version, data, deleted, updated_at
	FROM server_records WHERE entity_type = ? AND record_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var rec models.ServerRecord
	var data sql.NullString
	err = stmt.QueryRow(entityType, recordID).Scan(
		&rec.EntityType, &rec.RecordID, &rec.Version, &data, &rec.Deleted, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if data.Valid {
		rec.Data = []byte(data.String)
	}
	return &rec, nil
}

// PutServerRecord upserts the server-of-record state for a record.
func (r *Repository) PutServerRecord(rec *models.ServerRecord) error {
	rec.UpdatedAt = time.Now().Unix()

	query := `
	INSERT INTO server_records (entity_type, record_id, version, data, deleted, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, record_id) DO UPDATE SET
		version = excluded.version,
		data = excluded.data,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, rec.EntityType, rec.RecordID, rec.Version,
		nullableJSON(rec.Data), rec.Deleted, rec.UpdatedAt)
	return err
}

// ListServerRecords returns all live (non-tombstoned) server records for an
// entity type.
func (r *Repository) ListServerRecords(entityType string) ([]*models.ServerRecord, error) {
	query := `
	SELECT entity_type, record_id, version, data, deleted, updated_at
	FROM server_records WHERE entity_type = ? AND deleted = 0
	ORDER BY record_id
	`
	rows, err := r.db.Query(query, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ServerRecord
	for rows.Next() {
		var rec models.ServerRecord
		var data sql.NullString
		err := rows.Scan(&rec.EntityType, &rec.RecordID, &rec.Version, &data,
			&rec.Deleted, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if data.Valid {
			rec.Data = []byte(data.String)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// =====================================================
// Scan Helpers
// =====================================================

const queueItemSelect = `
	SELECT rowid, id, owner, entity_type, record_id, operation, payload, status, version,
		   retry_count, max_retries, next_retry_at, created_at, processed_at, last_error
	FROM sync_queue_items`

const conflictSelect = `
	SELECT id, queue_item_id, entity_type, record_id, client_data, server_data,
		   server_version, diff, resolution, detected_at, resolved_at
	FROM sync_conflicts`

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var payload sql.NullString
	err := row.Scan(
		&item.Seq, &item.ID, &item.Owner, &item.EntityType, &item.RecordID, &item.Operation,
		&payload, &item.Status, &item.Version, &item.RetryCount, &item.MaxRetries,
		&item.NextRetryAt, &item.CreatedAt, &item.ProcessedAt, &item.LastError,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		item.Payload = []byte(payload.String)
	}
	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]*models.SyncQueueItem, error) {
	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	// Check for errors that occurred during iteration
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanConflict(row rowScanner) (*models.SyncConflict, error) {
	var conflict models.SyncConflict
	var clientData, serverData, diff sql.NullString
	err := row.Scan(
		&conflict.ID, &conflict.QueueItemID, &conflict.EntityType, &conflict.RecordID,
		&clientData, &serverData, &conflict.ServerVersion, &diff,
		&conflict.Resolution, &conflict.DetectedAt, &conflict.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if clientData.Valid {
		conflict.ClientData = []byte(clientData.String)
	}
	if serverData.Valid {
		conflict.ServerData = []byte(serverData.String)
	}
	if diff.Valid {
		conflict.Diff = []byte(diff.String)
	}
	return &conflict, nil
}

func scanConflicts(rows *sql.Rows) ([]*models.SyncConflict, error) {
	var conflicts []*models.SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// nullableJSON stores empty JSON payloads as NULL instead of empty strings.
func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
