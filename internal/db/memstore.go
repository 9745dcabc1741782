// Package db provides an in-memory store implementation.
package db

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/herdwork/showbarn/backend/internal/models"
	"github.com/herdwork/showbarn/backend/internal/uuid"
)

// versionKey identifies a record within an entity type.
type versionKey struct {
	entityType string
	recordID   string
}

// MemStore is an in-memory Store implementation with the same semantics as
// Repository. It backs tests and ephemeral deployments where durability is
// not required.
type MemStore struct {
	mu        sync.RWMutex
	seq       int64
	items     map[string]*models.SyncQueueItem
	conflicts map[string]*models.SyncConflict
	versions  map[versionKey]*models.RecordVersion
	records   map[versionKey]*models.ServerRecord
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		items:     make(map[string]*models.SyncQueueItem),
		conflicts: make(map[string]*models.SyncConflict),
		versions:  make(map[versionKey]*models.RecordVersion),
		records:   make(map[versionKey]*models.ServerRecord),
	}
}

// =====================================================
// Queue Item Operations
// =====================================================

// AppendQueueItem appends a new mutation to the queue.
func (s *MemStore) AppendQueueItem(item *models.SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	item.Seq = s.seq
	item.ID = models.UUID(uuid.New())
	item.CreatedAt = time.Now().Unix()

	clone := *item
	s.items[item.ID.String()] = &clone
	return nil
}

// GetQueueItem retrieves a queue item by ID.
func (s *MemStore) GetQueueItem(id string) (*models.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *item
	return &clone, nil
}

// UpdateQueueItem persists the mutable fields of a queue item.
func (s *MemStore) UpdateQueueItem(item *models.SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[item.ID.String()]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Status = item.Status
	stored.Version = item.Version
	stored.RetryCount = item.RetryCount
	stored.NextRetryAt = item.NextRetryAt
	stored.ProcessedAt = item.ProcessedAt
	stored.LastError = item.LastError
	return nil
}

// ListQueueItems returns queue items oldest first, optionally filtered by status.
func (s *MemStore) ListQueueItems(status string, limit, offset int) ([]*models.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*models.SyncQueueItem
	for _, item := range s.items {
		if status != "" && item.Status != status {
			continue
		}
		clone := *item
		items = append(items, &clone)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	if offset >= len(items) {
		return nil, nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

// ListPendingItems returns dispatchable items, oldest first: pending items
// plus failed items whose scheduled retry time has passed. An item is
// excluded while an earlier non-terminal item exists for the same record.
func (s *MemStore) ListPendingItems(now int64, limit int) ([]*models.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*models.SyncQueueItem
	for _, item := range s.items {
		switch item.Status {
		case "pending":
		case "failed":
			if item.NextRetryAt == 0 {
				continue
			}
		default:
			continue
		}
		if item.NextRetryAt > now {
			continue
		}
		if s.hasEarlierLiveLocked(item) {
			continue
		}
		clone := *item
		items = append(items, &clone)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	if limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}

// hasEarlierLiveLocked reports whether an earlier in-flight item exists for
// the same record. Caller must hold at least a read lock.
func (s *MemStore) hasEarlierLiveLocked(item *models.SyncQueueItem) bool {
	for _, other := range s.items {
		if other.EntityType != item.EntityType || other.RecordID != item.RecordID {
			continue
		}
		if other.Seq >= item.Seq {
			continue
		}
		if isLiveStatus(other) {
			return true
		}
	}
	return false
}

// isLiveStatus reports whether the item still claims its place in the
// per-record order. A failed item awaiting a scheduled retry is live; a
// permanently failed one is not.
func isLiveStatus(item *models.SyncQueueItem) bool {
	switch item.Status {
	case "pending", "processing", "conflict":
		return true
	case "failed":
		return item.NextRetryAt != 0
	}
	return false
}

// LatestQueueItem returns the newest item for a record, or nil.
func (s *MemStore) LatestQueueItem(entityType, recordID string) (*models.SyncQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.SyncQueueItem
	for _, item := range s.items {
		if item.EntityType != entityType || item.RecordID != recordID {
			continue
		}
		if latest == nil || item.Seq > latest.Seq {
			latest = item
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

// HasLiveQueueItem reports whether a record has an in-flight item.
func (s *MemStore) HasLiveQueueItem(entityType, recordID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.items {
		if item.EntityType != entityType || item.RecordID != recordID {
			continue
		}
		if isLiveStatus(item) {
			return true, nil
		}
	}
	return false, nil
}

// RecoverInFlight resets processing items back to pending.
func (s *MemStore) RecoverInFlight() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for _, item := range s.items {
		if item.Status == "processing" {
			item.Status = "pending"
			item.NextRetryAt = 0
			recovered++
		}
	}
	return recovered, nil
}

// QueueCounts returns the number of queue items per status.
func (s *MemStore) QueueCounts() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts, nil
}

// =====================================================
// Conflict Operations
// =====================================================

// CreateConflict records a newly detected conflict.
func (s *MemStore) CreateConflict(conflict *models.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflict.ID = models.UUID(uuid.New())
	conflict.DetectedAt = time.Now().Unix()

	clone := *conflict
	s.conflicts[conflict.ID.String()] = &clone
	return nil
}

// GetConflict retrieves a conflict by ID.
func (s *MemStore) GetConflict(id string) (*models.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conflict, ok := s.conflicts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *conflict
	return &clone, nil
}

// UpdateConflict persists the resolution fields of a conflict.
func (s *MemStore) UpdateConflict(conflict *models.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.conflicts[conflict.ID.String()]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Resolution = conflict.Resolution
	stored.ResolvedAt = conflict.ResolvedAt
	return nil
}

// ListOpenConflicts returns unresolved conflicts oldest first, optionally
// filtered by entity type.
func (s *MemStore) ListOpenConflicts(entityType string) ([]*models.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conflicts []*models.SyncConflict
	for _, conflict := range s.conflicts {
		if conflict.ResolvedAt != 0 {
			continue
		}
		if entityType != "" && conflict.EntityType != entityType {
			continue
		}
		clone := *conflict
		conflicts = append(conflicts, &clone)
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].DetectedAt != conflicts[j].DetectedAt {
			return conflicts[i].DetectedAt < conflicts[j].DetectedAt
		}
		return conflicts[i].ID < conflicts[j].ID
	})
	return conflicts, nil
}

// OpenConflictForItem returns the open conflict for a queue item, or nil.
func (s *MemStore) OpenConflictForItem(queueItemID string) (*models.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conflict := range s.conflicts {
		if conflict.QueueItemID.String() == queueItemID && conflict.ResolvedAt == 0 {
			clone := *conflict
			return &clone, nil
		}
	}
	return nil, nil
}

// =====================================================
// Record Version Operations
// =====================================================

// GetRecordVersion returns the cached server version for a record, or nil.
func (s *MemStore) GetRecordVersion(entityType, recordID string) (*models.RecordVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rv, ok := s.versions[versionKey{entityType, recordID}]
	if !ok {
		return nil, nil
	}
	clone := *rv
	return &clone, nil
}

// SetRecordVersion upserts the cached server version for a record.
func (s *MemStore) SetRecordVersion(rv *models.RecordVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rv.UpdatedAt = time.Now().Unix()
	clone := *rv
	s.versions[versionKey{rv.EntityType, rv.RecordID}] = &clone
	return nil
}

// =====================================================
// Server Record Operations
// =====================================================

// GetServerRecord returns the server state for a record, or nil.
func (s *MemStore) GetServerRecord(entityType, recordID string) (*models.ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[versionKey{entityType, recordID}]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

// PutServerRecord upserts the server state for a record.
func (s *MemStore) PutServerRecord(rec *models.ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now().Unix()
	clone := *rec
	s.records[versionKey{rec.EntityType, rec.RecordID}] = &clone
	return nil
}

// ListServerRecords returns all live server records for an entity type.
func (s *MemStore) ListServerRecords(entityType string) ([]*models.ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*models.ServerRecord
	for _, rec := range s.records {
		if rec.EntityType != entityType || rec.Deleted {
			continue
		}
		clone := *rec
		records = append(records, &clone)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].RecordID < records[j].RecordID })
	return records, nil
}
