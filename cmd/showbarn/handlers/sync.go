// Package handlers provides REST API handlers for the sync engine.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/herdwork/showbarn/backend/internal/errors"
	"github.com/herdwork/showbarn/backend/internal/sync"
	"github.com/herdwork/showbarn/backend/internal/sync/conflict"
	"github.com/herdwork/showbarn/backend/internal/sync/queue"
)

// SyncHandler handles mutation queue and conflict operations.
type SyncHandler struct {
	engine sync.EngineInterface
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine sync.EngineInterface) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps application error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrInvalidTransition, apperrors.ErrAlreadyResolved:
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]interface{}{
		"error":   string(code),
		"message": err.Error(),
	})
}

// EnqueueMutation handles POST /sync/queue
func (h *SyncHandler) EnqueueMutation(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Owner      string          `json:"owner"`
		EntityType string          `json:"entity_type"`
		RecordID   string          `json:"record_id"`
		Operation  string          `json:"operation"`
		Payload    json.RawMessage `json:"payload"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := h.engine.Enqueue(request.Owner, request.EntityType, request.RecordID,
		queue.Operation(request.Operation), request.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

// ListQueue handles GET /sync/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	status := queue.Status(r.URL.Query().Get("status"))

	offset := (page - 1) * perPage

	items, err := h.engine.ListQueue(status, perPage, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":    items,
		"page":     page,
		"per_page": perPage,
	})
}

// GetMutation handles GET /sync/queue/{id}
func (h *SyncHandler) GetMutation(w http.ResponseWriter, r *http.Request) {
	item, err := h.engine.GetMutation(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RetryMutation handles POST /sync/queue/{id}/retry
func (h *SyncHandler) RetryMutation(w http.ResponseWriter, r *http.Request) {
	item, err := h.engine.RetryMutation(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ListConflicts handles GET /sync/conflicts
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.engine.ListOpenConflicts(r.URL.Query().Get("entity_type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"total":     len(conflicts),
	})
}

// GetConflict handles GET /sync/conflicts/{id}
func (h *SyncHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetConflict(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ResolveConflict handles POST /sync/conflicts/{id}/resolve
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Resolution string          `json:"resolution"`
		Merged     json.RawMessage `json:"merged,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resolved, err := h.engine.ResolveConflict(r.PathValue("id"),
		conflict.Resolution(request.Resolution), request.Merged)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SetOnline handles POST /sync/online
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online bool `json:"online"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.engine.SetOnline(request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online": request.Online,
	})
}
