// Package conflict provides conflict detection and resolution for queued
// record mutations. A conflict is recorded when the server rejects a
// mutation's version token; resolution is explicit except where the server
// has deleted the record outright.
package conflict

import (
	"database/sql"
	"encoding/json"
	"reflect"
	"time"

	"github.com/herdwork/showbarn/backend/internal/db"
	apperrors "github.com/herdwork/showbarn/backend/internal/errors"
	"github.com/herdwork/showbarn/backend/internal/logging"
	"github.com/herdwork/showbarn/backend/internal/models"
)

// Resolution defines how a conflict is settled.
type Resolution string

const (
	// ResolutionClientWins re-applies the client mutation on top of the
	// current server state. Never chosen automatically.
	ResolutionClientWins Resolution = "client_wins"
	// ResolutionServerWins keeps the server state and discards the client
	// mutation.
	ResolutionServerWins Resolution = "server_wins"
	// ResolutionManual replaces the client mutation with merged data
	// supplied by the user.
	ResolutionManual Resolution = "manual"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionClientWins, ResolutionServerWins, ResolutionManual:
		return true
	}
	return false
}

// Resolver records and resolves conflicts against the store.
type Resolver struct {
	store db.ConflictStore
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store db.ConflictStore) *Resolver {
	return &Resolver{store: store}
}

// Record persists a newly detected conflict between a queued mutation and
// the server's current record state. The stored diff is field-level so a
// reviewer can see exactly which fields diverged.
func (r *Resolver) Record(item *models.SyncQueueItem, serverData json.RawMessage, serverVersion int64) (*models.SyncConflict, error) {
	if item == nil {
		return nil, apperrors.New(apperrors.ErrValidation, "queue item is required")
	}

	diff, err := FieldDiff(item.Payload, serverData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to compute diff", err)
	}

	conflict := &models.SyncConflict{
		QueueItemID:   item.ID,
		EntityType:    item.EntityType,
		RecordID:      item.RecordID,
		ClientData:    item.Payload,
		ServerData:    serverData,
		ServerVersion: serverVersion,
		Diff:          diff,
	}
	if err := r.store.CreateConflict(conflict); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to record conflict", err)
	}

	logging.Warn("Version conflict detected", map[string]interface{}{
		"conflict_id":    conflict.ID.String(),
		"entity_type":    item.EntityType,
		"record_id":      item.RecordID,
		"client_version": item.Version,
		"server_version": serverVersion,
	})

	return conflict, nil
}

// AutoResolution returns the resolution to apply without user input, or ""
// when the conflict needs review. Only a server-side delete is safe to
// settle automatically: re-applying a client edit would resurrect the
// record, so the server keeps its tombstone.
func AutoResolution(serverDeleted bool) Resolution {
	if serverDeleted {
		return ResolutionServerWins
	}
	return ""
}

// Get returns a conflict by ID.
func (r *Resolver) Get(id string) (*models.SyncConflict, error) {
	conflict, err := r.store.GetConflict(id)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict not found: %s", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to get conflict", err)
	}
	return conflict, nil
}

// ListOpen returns unresolved conflicts oldest first. An empty entityType
// matches every conflict.
func (r *Resolver) ListOpen(entityType string) ([]*models.SyncConflict, error) {
	conflicts, err := r.store.ListOpenConflicts(entityType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
	}
	return conflicts, nil
}

// OpenForItem returns the unresolved conflict for a queue item, or nil.
func (r *Resolver) OpenForItem(queueItemID string) (*models.SyncConflict, error) {
	conflict, err := r.store.OpenConflictForItem(queueItemID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to look up conflict", err)
	}
	return conflict, nil
}

// Resolve closes a conflict with the given resolution. A conflict can be
// resolved exactly once; repeat attempts fail with ALREADY_RESOLVED.
func (r *Resolver) Resolve(id string, resolution Resolution) (*models.SyncConflict, error) {
	if !resolution.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown resolution: %s", resolution)
	}

	conflict, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if conflict.IsResolved() {
		return nil, apperrors.Newf(apperrors.ErrAlreadyResolved,
			"conflict %s already resolved as %s", id, conflict.Resolution)
	}

	conflict.Resolution = string(resolution)
	conflict.ResolvedAt = time.Now().Unix()
	if err := r.store.UpdateConflict(conflict); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update conflict", err)
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": conflict.ID.String(),
		"entity_type": conflict.EntityType,
		"record_id":   conflict.RecordID,
		"resolution":  resolution,
	})

	return conflict, nil
}

// FieldDiff computes a field-level diff between client and server JSON
// objects. The result maps each diverging field to its two values; a field
// absent on one side appears as null. Non-object payloads (including a
// server tombstone) are compared as single values under "value".
func FieldDiff(clientData, serverData json.RawMessage) (json.RawMessage, error) {
	clientFields, clientOK := asObject(clientData)
	serverFields, serverOK := asObject(serverData)

	if !clientOK || !serverOK {
		var clientVal, serverVal interface{}
		if len(clientData) > 0 {
			if err := json.Unmarshal(clientData, &clientVal); err != nil {
				return nil, err
			}
		}
		if len(serverData) > 0 {
			if err := json.Unmarshal(serverData, &serverVal); err != nil {
				return nil, err
			}
		}
		if reflect.DeepEqual(clientVal, serverVal) {
			return json.RawMessage(`{}`), nil
		}
		return json.Marshal(map[string]interface{}{
			"value": map[string]interface{}{"client": clientVal, "server": serverVal},
		})
	}

	diff := make(map[string]interface{})
	for field, clientVal := range clientFields {
		serverVal, ok := serverFields[field]
		if !ok {
			diff[field] = map[string]interface{}{"client": clientVal, "server": nil}
			continue
		}
		if !reflect.DeepEqual(clientVal, serverVal) {
			diff[field] = map[string]interface{}{"client": clientVal, "server": serverVal}
		}
	}
	for field, serverVal := range serverFields {
		if _, ok := clientFields[field]; !ok {
			diff[field] = map[string]interface{}{"client": nil, "server": serverVal}
		}
	}

	return json.Marshal(diff)
}

// asObject unmarshals data as a JSON object, reporting whether it is one.
func asObject(data json.RawMessage) (map[string]interface{}, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false
	}
	return fields, true
}
