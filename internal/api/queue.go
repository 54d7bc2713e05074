package api

import (
	"net/http"

	"github.com/retailpoint/storesync/internal/dispatch"
)

type QueueHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewQueueHandler(d *dispatch.Dispatcher) *QueueHandler {
	return &QueueHandler{dispatcher: d}
}

// Health reports queue depth, backoff, dead letters, and overload state.
func (h *QueueHandler) Health(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	health, err := h.dispatcher.GetQueueHealth(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute queue health")
		return
	}

	respondJSON(w, http.StatusOK, health)
}

// Partitions returns the batches the next dispatch pass would process.
func (h *QueueHandler) Partitions(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	batches, err := h.dispatcher.GetPartitionBatches(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to compute partition batches")
		return
	}
	if batches == nil {
		batches = []dispatch.PartitionBatch{}
	}

	respondJSON(w, http.StatusOK, batches)
}
