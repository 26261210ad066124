package api

import (
	"errors"
	"net/http"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PreviewReprocess handles GET /fraud/reprocess/preview.
func (h *Handler) PreviewReprocess(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	p, err := h.scheduler.Preview(r.Context(), rng)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// StartReprocess handles POST /fraud/reprocess. While a run is active the
// request is rejected with 409 and the current status.
func (h *Handler) StartReprocess(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.scheduler.Start(r.Context(), rng)
	if errors.Is(err, domain.ErrJobRunning) {
		writeJSON(w, http.StatusConflict, ConflictResponse{
			ErrorResponse: ErrorResponse{Error: err.Error(), Code: codeConflict},
			Current:       job,
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// ReprocessStatus handles GET /fraud/reprocess/status.
func (h *Handler) ReprocessStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

// StopReprocess handles POST /fraud/reprocess/stop.
func (h *Handler) StopReprocess(w http.ResponseWriter, r *http.Request) {
	stopping := h.scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"stopping": stopping,
		"status":   h.scheduler.Status(),
	})
}

// ReprocessFailures handles GET /fraud/reprocess/failures.
func (h *Handler) ReprocessFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.scheduler.Failures(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId": h.scheduler.Status().ID,
		"data":  failures,
	})
}
