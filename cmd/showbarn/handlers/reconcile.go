// Package handlers provides REST API handlers for the sync engine.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/herdwork/showbarn/backend/internal/reconcile"
	"github.com/herdwork/showbarn/backend/internal/sync/transport"
)

// ReconcileHandler exposes the server-of-record apply endpoint. In local
// deployments the sync worker loops back to this same process.
type ReconcileHandler struct {
	service *reconcile.Service
}

// NewReconcileHandler creates a new ReconcileHandler.
func NewReconcileHandler(service *reconcile.Service) *ReconcileHandler {
	return &ReconcileHandler{service: service}
}

// Apply handles POST /v1/sync/apply
// A version mismatch answers 409 with the server's current state.
func (h *ReconcileHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var request transport.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.Apply(&request)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if !result.Applied {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// GetRecord handles GET /v1/sync/records/{entity_type}/{record_id}
func (h *ReconcileHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.GetRecord(r.PathValue("entity_type"), r.PathValue("record_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if record == nil {
		http.Error(w, "Record not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// ListRecords handles GET /v1/sync/records/{entity_type}
func (h *ReconcileHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListRecords(r.PathValue("entity_type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}
