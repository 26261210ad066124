package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/reporting"
	"github.com/opensource-finance/kestrel/internal/reprocess"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	eval        *evaluator.Evaluator
	reports     *reporting.Service
	scheduler   *reprocess.Scheduler
	metrics     *telemetry.Metrics
	ruleSetPath string
	version     string
	validate    *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		repo:        deps.Repo,
		cache:       deps.Cache,
		bus:         deps.Bus,
		eval:        deps.Evaluator,
		reports:     deps.Reports,
		scheduler:   deps.Scheduler,
		metrics:     deps.Metrics,
		ruleSetPath: deps.RuleSetPath,
		version:     deps.Version,
		validate:    validator.New(),
	}
}

// Error codes returned alongside the HTTP status.
const (
	codeValidation = "validation_error"
	codeNotFound   = "not_found"
	codeConflict   = "conflict"
	codeInternal   = "internal_error"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps the domain error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, codeConflict
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeBody reads a JSON body into dst and runs struct validation.
func (h *Handler) decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrValidation, err)
	}
	return h.check(dst)
}

// check runs struct validation and flattens the failures into one error.
func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(parts, "; "))
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}

	ctx := r.Context()
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("eventBus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether rules are loaded and the repository answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.eval == nil || h.eval.Engine().RulesCount() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready":  "false",
			"reason": "no rules loaded",
		})
		return
	}
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready":  "false",
				"reason": "repository unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// RuleSetResponse is the read-only view of the active rule set.
type RuleSetResponse struct {
	Source     string          `json:"source"`
	RulesCount int             `json:"rulesCount"`
	RuleSet    *domain.RuleSet `json:"ruleSet"`
}

func (h *Handler) ruleSetSource() string {
	if h.ruleSetPath == "" {
		return "embedded"
	}
	return h.ruleSetPath
}

// GetRuleSet handles GET /fraud/config.
func (h *Handler) GetRuleSet(w http.ResponseWriter, r *http.Request) {
	engine := h.eval.Engine()
	writeJSON(w, http.StatusOK, RuleSetResponse{
		Source:     h.ruleSetSource(),
		RulesCount: engine.RulesCount(),
		RuleSet:    engine.RuleSet(),
	})
}

// ReloadRuleSet handles POST /fraud/config/reload. A document that fails to
// parse or compile leaves the active rule set in place.
func (h *Handler) ReloadRuleSet(w http.ResponseWriter, r *http.Request) {
	engine := h.eval.Engine()
	previous := engine.RuleSet()

	set, err := rules.Load(h.ruleSetPath)
	if err != nil {
		slog.Error("failed to read rule set", "source", h.ruleSetSource(), "error", err)
		writeError(w, r, err)
		return
	}
	if err := engine.Load(set); err != nil {
		slog.Error("failed to load rule set into engine", "source", h.ruleSetSource(), "error", err)
		writeError(w, r, err)
		return
	}

	previousVersion := ""
	if previous != nil {
		previousVersion = previous.Version
		if !rules.IsNewer(set, previous) {
			slog.Warn("reloaded rule set is not newer than the active one",
				"version", set.Version,
				"previous_version", previousVersion,
			)
		}
	}

	slog.Info("rule set reloaded",
		"source", h.ruleSetSource(),
		"version", set.Version,
		"rules", engine.RulesCount(),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "rule set reloaded successfully",
		"version":         set.Version,
		"previousVersion": previousVersion,
		"rulesCount":      engine.RulesCount(),
	})
}

// EvaluateShift handles POST /shifts/{id}/evaluate.
func (h *Handler) EvaluateShift(w http.ResponseWriter, r *http.Request) {
	shiftID := chi.URLParam(r, "id")

	res, err := h.eval.EvaluateShift(r.Context(), shiftID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
