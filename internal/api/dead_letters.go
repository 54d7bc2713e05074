package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/retailpoint/storesync/internal/deadletter"
	"github.com/retailpoint/storesync/internal/domain"
)

type DeadLetterHandler struct {
	service *deadletter.Service
}

func NewDeadLetterHandler(s *deadletter.Service) *DeadLetterHandler {
	return &DeadLetterHandler{service: s}
}

// List returns one page of dead-lettered entries with safe summaries.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			offset = n
		}
	}

	page, err := h.service.Items(r.Context(), tenant, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	respondJSON(w, http.StatusOK, page)
}

// Stats summarizes the tenant's dead-letter queue.
func (h *DeadLetterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	stats, err := h.service.Stats(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute dead letter stats")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

type manualDeadLetterRequest struct {
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ManualDeadLetter moves a pending entry to the dead-letter queue by
// operator decision.
func (h *DeadLetterHandler) ManualDeadLetter(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	id := chi.URLParam(r, "id")

	var req manualDeadLetterRequest
	if r.Body != nil {
		// Body is optional for manual dead-lettering.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	moved, err := h.service.DeadLetter(r.Context(), deadletter.Params{
		TenantID: tenant,
		ID:       id,
		Reason:   domain.ReasonManual,
		Category: domain.ErrorUnknown,
		Error:    req.Error,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to dead-letter entry")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"dead_lettered": moved})
}

// Restore returns one dead-lettered entry to the pending state.
// Restoring an entry that is not dead-lettered is a no-op, not an error.
func (h *DeadLetterHandler) Restore(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	id := chi.URLParam(r, "id")

	restored, err := h.service.Restore(r.Context(), tenant, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to restore entry")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"restored": restored})
}

type restoreManyRequest struct {
	IDs []string `json:"ids"`
}

// RestoreMany restores a batch of entries, reporting how many actually
// transitioned.
func (h *DeadLetterHandler) RestoreMany(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	var req restoreManyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		respondError(w, http.StatusBadRequest, "ids is required")
		return
	}

	count, err := h.service.RestoreMany(r.Context(), tenant, req.IDs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to restore entries")
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"restored": count})
}

// Cleanup deletes dead letters older than the requested retention
// window; the window is clamped to [7,365] days.
func (h *DeadLetterHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	days := 30
	if s := r.URL.Query().Get("older_than_days"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			days = n
		}
	}

	deleted, err := h.service.DeleteOlderThan(r.Context(), tenant, days)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete dead letters")
		return
	}

	respondJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
