package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/reporting"
)

// eventQuery holds the listing parameters that need bounds checks.
type eventQuery struct {
	DriverID string `validate:"omitempty,max=128"`
	Page     int    `validate:"gte=0"`
	Limit    int    `validate:"gte=0,lte=100"`
}

// StatusRequest is the body of PATCH /fraud/events/{id}/status.
type StatusRequest struct {
	Status  string `json:"status" validate:"required"`
	Comment string `json:"comment" validate:"max=2000"`
}

// ConflictResponse carries the current record with a 409 so the caller can
// re-fetch without another round trip.
type ConflictResponse struct {
	ErrorResponse
	Current any `json:"current,omitempty"`
}

// Dashboard handles GET /fraud/dashboard.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.reports.Dashboard(r.Context(), rng)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListEvents handles GET /fraud/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := eventQuery{DriverID: strings.TrimSpace(r.URL.Query().Get("driverId"))}
	if q.Page, err = intParam(r, "page", 1); err != nil {
		writeError(w, r, err)
		return
	}
	if q.Limit, err = intParam(r, "limit", domain.DefaultPageLimit); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.check(q); err != nil {
		writeError(w, r, err)
		return
	}

	statuses, err := domain.ParseStatusList(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	page, err := h.reports.ListEvents(r.Context(), domain.EventFilter{
		DriverID: q.DriverID,
		Range:    rng,
		Statuses: statuses,
		Page:     q.Page,
		Limit:    q.Limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetEvent handles GET /fraud/events/{id}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	detail, err := h.reports.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// UpdateEventStatus handles PATCH /fraud/events/{id}/status.
func (h *Handler) UpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "id")

	var req StatusRequest
	if err := h.decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	to, err := domain.ParseStatus(req.Status)
	if err != nil {
		h.metrics.RecordTransition(req.Status, err)
		writeError(w, r, err)
		return
	}

	manager := h.eval.Lifecycle()
	ev, err := manager.Transition(ctx, eventID, to, req.Comment, r.Header.Get(ActorHeader))
	h.metrics.RecordTransition(string(to), err)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			resp := ConflictResponse{ErrorResponse: ErrorResponse{Error: err.Error(), Code: codeConflict}}
			if detail, derr := h.reports.Detail(ctx, eventID); derr == nil {
				resp.Current = detail.Event
			}
			writeJSON(w, http.StatusConflict, resp)
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// Heatmap handles GET /fraud/heatmap.
func (h *Handler) Heatmap(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", reporting.DefaultHeatmapDays)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.reports.Heatmap(r.Context(), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days": len(out),
		"data": out,
	})
}

// TopDrivers handles GET /fraud/top-drivers.
func (h *Handler) TopDrivers(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", reporting.DefaultTopDrivers)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.reports.TopDrivers(r.Context(), rng, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": out,
	})
}
