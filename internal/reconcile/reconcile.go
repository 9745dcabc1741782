// Package reconcile implements the server-of-record apply logic. It accepts
// pushed mutations, checks their version tokens against the current record
// state, and either applies them or reports a conflict.
package reconcile

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/herdwork/showbarn/backend/internal/db"
	apperrors "github.com/herdwork/showbarn/backend/internal/errors"
	"github.com/herdwork/showbarn/backend/internal/logging"
	"github.com/herdwork/showbarn/backend/internal/models"
	"github.com/herdwork/showbarn/backend/internal/sync/transport"
)

// Service applies pushed mutations against the server record store.
//
// A record the server has never seen expects version 1. A mutation is
// applied only when its version matches the record's current expectation;
// the accepted mutation bumps the expectation to version+1. Mutation IDs
// are remembered so a crashed client can resend an already applied mutation
// and get the original verdict back instead of a spurious conflict.
type Service struct {
	store db.ServerRecordStore

	mu      sync.Mutex
	applied map[string]int64 // mutation ID -> new version it produced
}

// NewService creates a reconcile service over the given record store.
func NewService(store db.ServerRecordStore) *Service {
	return &Service{
		store:   store,
		applied: make(map[string]int64),
	}
}

// Apply processes one pushed mutation and returns the verdict. A version
// mismatch is reported in the result, not as an error.
func (s *Service) Apply(req *transport.PushRequest) (*transport.PushResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replayed mutation: return the original verdict.
	if newVersion, ok := s.applied[req.MutationID]; ok {
		return &transport.PushResult{Applied: true, NewVersion: newVersion}, nil
	}

	record, err := s.store.GetServerRecord(req.EntityType, req.RecordID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load record", err)
	}

	currentVersion := int64(1)
	if record != nil {
		currentVersion = record.Version
	}

	if req.Version != currentVersion {
		logging.Info("Rejected stale mutation", map[string]interface{}{
			"mutation_id":     req.MutationID,
			"entity_type":     req.EntityType,
			"record_id":       req.RecordID,
			"client_version":  req.Version,
			"current_version": currentVersion,
		})
		result := &transport.PushResult{
			Applied:       false,
			ServerVersion: currentVersion,
		}
		if record != nil {
			result.ServerData = record.Data
			result.ServerDeleted = record.Deleted
		}
		return result, nil
	}

	newVersion := currentVersion + 1
	updated := &models.ServerRecord{
		EntityType: req.EntityType,
		RecordID:   req.RecordID,
		Version:    newVersion,
		UpdatedAt:  time.Now().Unix(),
	}
	if req.Operation == "delete" {
		updated.Deleted = true
	} else {
		updated.Data = req.Payload
	}

	if err := s.store.PutServerRecord(updated); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to store record", err)
	}
	s.applied[req.MutationID] = newVersion

	return &transport.PushResult{Applied: true, NewVersion: newVersion}, nil
}

// GetRecord returns the current server state for a record, or nil when the
// server has never seen it.
func (s *Service) GetRecord(entityType, recordID string) (*models.ServerRecord, error) {
	record, err := s.store.GetServerRecord(entityType, recordID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load record", err)
	}
	return record, nil
}

// ListRecords returns all live records of one entity type.
func (s *Service) ListRecords(entityType string) ([]*models.ServerRecord, error) {
	records, err := s.store.ListServerRecords(entityType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list records", err)
	}
	return records, nil
}

// validate rejects structurally invalid mutations before any store access.
func validate(req *transport.PushRequest) error {
	if req == nil {
		return apperrors.New(apperrors.ErrValidation, "request is required")
	}
	if req.MutationID == "" {
		return apperrors.New(apperrors.ErrValidation, "mutation ID is required")
	}
	if req.EntityType == "" || req.RecordID == "" {
		return apperrors.New(apperrors.ErrValidation, "entity type and record ID are required")
	}
	if req.Version < 1 {
		return apperrors.New(apperrors.ErrValidation, "version must be positive")
	}
	switch req.Operation {
	case "insert", "update":
		if len(req.Payload) == 0 || !json.Valid(req.Payload) {
			return apperrors.New(apperrors.ErrValidation, "payload must be valid JSON")
		}
	case "delete":
	default:
		return apperrors.Newf(apperrors.ErrValidation, "unknown operation: %s", req.Operation)
	}
	return nil
}
