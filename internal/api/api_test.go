package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/reporting"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/reprocess"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

type testEnv struct {
	server    *Server
	repo      *repository.MemoryRepository
	eval      *evaluator.Evaluator
	scheduler *reprocess.Scheduler
	metrics   *telemetry.Metrics
}

type envOptions struct {
	ruleSetPath string
	shiftEval   reprocess.ShiftEvaluator
}

// newTestEnv wires the full pipeline on the in-memory repository.
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	cfg := domain.DefaultConfig()
	repo := repository.NewMemory()
	metrics := telemetry.NewMetrics()

	engine, err := rules.NewEngine(4)
	require.NoError(t, err)
	set, err := rules.Default()
	require.NoError(t, err)
	require.NoError(t, engine.Load(set))

	svc := baseline.NewService(repo, nil, baseline.Options{WindowDays: 30})
	ev := evaluator.New(repo, svc, engine, scoring.NewProcessor(), lifecycle.NewManager(repo, nil)).
		WithMetrics(metrics)

	calc, err := audit.NewCalculator(cfg.Audit)
	require.NoError(t, err)

	var shiftEval reprocess.ShiftEvaluator = ev
	if opts.shiftEval != nil {
		shiftEval = opts.shiftEval
	}
	sched := reprocess.NewScheduler(repo, shiftEval, nil, cfg.Reprocess).WithMetrics(metrics)

	srv := NewServer(cfg.Server, Dependencies{
		Repo:        repo,
		Evaluator:   ev,
		Reports:     reporting.NewService(repo, calc),
		Scheduler:   sched,
		Metrics:     metrics,
		RuleSetPath: opts.ruleSetPath,
		MetricsPath: "/metrics",
		Version:     "test-v1",
	})
	return &testEnv{server: srv, repo: repo, eval: ev, scheduler: sched, metrics: metrics}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "admin-1")

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

var shiftDay = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

// saveShift stores a finalized shift. km 0 with revenue trips the
// revenue-without-distance rule.
func (e *testEnv) saveShift(t *testing.T, id, driver string, start time.Time, km float64) {
	t.Helper()
	require.NoError(t, e.repo.SaveShift(context.Background(), &domain.ShiftRecord{
		ID:            id,
		DriverID:      driver,
		VehicleID:     "vehicle-" + id,
		StartAt:       start,
		EndAt:         start.Add(8 * time.Hour),
		StartOdometer: 10000,
		EndOdometer:   10000 + km,
		GrossRevenue:  decimal.NewFromInt(500),
		RideCount:     20,
		Finalized:     true,
	}))
}

// flagShift stores a suspicious shift and evaluates it, returning its event.
func (e *testEnv) flagShift(t *testing.T, id, driver string, start time.Time) *domain.FraudEvent {
	t.Helper()
	e.saveShift(t, id, driver, start, 0)
	res, err := e.eval.EvaluateShift(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	return res.Event
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	health := decode[map[string]any](t, rr)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test-v1", health["version"])

	rr = env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))
	assert.NotEmpty(t, rr.Header().Get(TraceIDHeader))
}

func TestEvaluateShiftEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.saveShift(t, "s-a", "driver-001", shiftDay, 0)

	t.Run("CreatesEvent", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/shifts/s-a/evaluate", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		res := decode[evaluator.Result](t, rr)
		assert.Equal(t, lifecycle.OutcomeCreated, res.Outcome)
		require.NotNil(t, res.Event)
		assert.Equal(t, domain.StatusPending, res.Event.Status)
		assert.NotEqual(t, domain.RiskNormal, res.Assessment.RiskLevel)
	})

	t.Run("SecondRunRefreshes", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/shifts/s-a/evaluate", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, lifecycle.OutcomeRefreshed, decode[evaluator.Result](t, rr).Outcome)
	})

	t.Run("UnknownShift", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/shifts/nope/evaluate", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, codeNotFound, decode[ErrorResponse](t, rr).Code)
	})

	t.Run("OpenShift", func(t *testing.T) {
		require.NoError(t, env.repo.SaveShift(context.Background(), &domain.ShiftRecord{
			ID:       "s-open",
			DriverID: "driver-001",
			StartAt:  shiftDay,
		}))
		rr := env.do(t, http.MethodPost, "/shifts/s-open/evaluate", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	manager := env.eval.Lifecycle()

	for i := 0; i < 35; i++ {
		ev := env.flagShift(t, fmt.Sprintf("shift-%02d", i), "driver-001", shiftDay.Add(time.Duration(i)*time.Hour))
		if i%5 == 0 {
			_, err := manager.Transition(ctx, ev.ID, domain.StatusInReview, "", "admin")
			require.NoError(t, err)
		}
	}
	extra := env.flagShift(t, "shift-dismissed", "driver-002", shiftDay)
	_, err := manager.Transition(ctx, extra.ID, domain.StatusDismissed, "false positive", "admin")
	require.NoError(t, err)

	t.Run("StatusFilterAndLimit", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/events?status=pendente,em_analise&limit=30", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		page := decode[domain.EventPage](t, rr)
		assert.Len(t, page.Data, 30)
		assert.Equal(t, 35, page.Meta.Total)
		assert.Equal(t, 2, page.Meta.TotalPages)
		assert.Equal(t, 1, page.Meta.Page)
		for _, ev := range page.Data {
			assert.Contains(t, []domain.Status{domain.StatusPending, domain.StatusInReview}, ev.Status)
		}
	})

	t.Run("SecondPage", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/events?status=pending,in_review&limit=30&page=2", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		page := decode[domain.EventPage](t, rr)
		assert.Len(t, page.Data, 5)
		assert.Equal(t, 35, page.Meta.Total)
	})

	t.Run("DriverFilter", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/events?driverId=driver-002", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		page := decode[domain.EventPage](t, rr)
		require.Len(t, page.Data, 1)
		assert.Equal(t, domain.StatusDismissed, page.Data[0].Status)
	})

	t.Run("DateRange", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/events?from=2026-03-10&to=2026-03-10&limit=100", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		page := decode[domain.EventPage](t, rr)
		// 16 hourly shifts start on the 10th plus the dismissed one.
		assert.Equal(t, 17, page.Meta.Total)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		for _, path := range []string{
			"/fraud/events?status=approved",
			"/fraud/events?limit=500",
			"/fraud/events?page=-1",
			"/fraud/events?limit=ten",
			"/fraud/events?from=yesterday",
			"/fraud/events?from=2026-03-12&to=2026-03-10",
		} {
			rr := env.do(t, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code, path)
		}
	})
}

func TestEventDetail(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ev := env.flagShift(t, "s-detail", "driver-001", shiftDay)

	rr := env.do(t, http.MethodGet, "/fraud/events/"+ev.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var detail struct {
		Event *domain.FraudEvent  `json:"event"`
		Shift *domain.ShiftRecord `json:"shift"`
		Audit *audit.Report       `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, ev.ID, detail.Event.ID)
	assert.Equal(t, "s-detail", detail.Shift.ID)
	require.NotNil(t, detail.Audit)

	rr = env.do(t, http.MethodGet, "/fraud/events/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpdateEventStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ev := env.flagShift(t, "s-d", "driver-001", shiftDay)
	path := "/fraud/events/" + ev.ID + "/status"

	t.Run("UnknownStatus", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, path, StatusRequest{Status: "approved"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("MissingStatus", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, path, StatusRequest{Comment: "no status"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, decode[ErrorResponse](t, rr).Error, "Status")
	})

	t.Run("MalformedBody", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, path, "{not json")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("UnknownEvent", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/fraud/events/missing/status", StatusRequest{Status: "confirmado"})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("Confirm", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, path, StatusRequest{Status: "confirmado", Comment: "odometer tampered"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		updated := decode[domain.FraudEvent](t, rr)
		assert.Equal(t, domain.StatusConfirmed, updated.Status)
		assert.Equal(t, "odometer tampered", updated.Comment)
		assert.True(t, updated.UpdatedAt.After(ev.UpdatedAt) || updated.UpdatedAt.Equal(ev.UpdatedAt))

		trail, err := env.eval.Lifecycle().Trail(context.Background(), ev.ID)
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, "admin-1", trail[0].Actor)
	})

	t.Run("TerminalIsConflict", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, path, StatusRequest{Status: "blocked"})
		require.Equal(t, http.StatusConflict, rr.Code)

		var resp struct {
			Code    string             `json:"code"`
			Current *domain.FraudEvent `json:"current"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, codeConflict, resp.Code)
		require.NotNil(t, resp.Current)
		assert.Equal(t, domain.StatusConfirmed, resp.Current.Status)
	})

	t.Run("ReprocessLeavesAdjudicatedEvent", func(t *testing.T) {
		before, err := env.repo.GetEvent(context.Background(), ev.ID)
		require.NoError(t, err)

		rr := env.do(t, http.MethodPost, "/fraud/reprocess", nil)
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, env.scheduler.Wait(ctx))

		after, err := env.repo.GetEvent(context.Background(), ev.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, before.Comment, after.Comment)
		assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
		assert.Equal(t, int64(1), env.scheduler.Status().Skipped)
	})
}

type gateEvaluator struct {
	release chan struct{}
}

func (g *gateEvaluator) EvaluateShift(ctx context.Context, shiftID string) (*evaluator.Result, error) {
	<-g.release
	return &evaluator.Result{
		Assessment: &domain.Assessment{ShiftID: shiftID, RiskLevel: domain.RiskNormal},
		Outcome:    lifecycle.OutcomeNoOp,
	}, nil
}

func TestReprocessEndpoints(t *testing.T) {
	gate := &gateEvaluator{release: make(chan struct{})}
	env := newTestEnv(t, envOptions{shiftEval: gate})
	for _, id := range []string{"r1", "r2", "r3"} {
		env.saveShift(t, id, "driver-001", shiftDay, 200)
	}

	t.Run("StatusBeforeAnyRun", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/reprocess/status", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		job := decode[domain.ReprocessJob](t, rr)
		assert.False(t, job.IsRunning)
		assert.Empty(t, job.ID)
	})

	t.Run("Preview", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/reprocess/preview?from=2026-03-01&to=2026-03-31", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		p := decode[domain.ReprocessPreview](t, rr)
		assert.Equal(t, 3, p.TotalShifts)
		assert.NotEmpty(t, p.EstimatedTime)

		rr = env.do(t, http.MethodGet, "/fraud/reprocess/preview?from=2026-04-01&to=2026-03-01", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	var started domain.ReprocessJob
	t.Run("Start", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/reprocess", nil)
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		started = decode[domain.ReprocessJob](t, rr)
		assert.True(t, started.IsRunning)
		assert.Equal(t, int64(3), started.Total)
	})

	t.Run("SecondStartIsRejected", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/reprocess", nil)
		require.Equal(t, http.StatusConflict, rr.Code)

		var resp struct {
			Code    string              `json:"code"`
			Current domain.ReprocessJob `json:"current"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, codeConflict, resp.Code)
		assert.Equal(t, started.ID, resp.Current.ID)
		assert.True(t, resp.Current.IsRunning)
	})

	t.Run("StopAndComplete", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/reprocess/stop", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, true, decode[map[string]any](t, rr)["stopping"])

		close(gate.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, env.scheduler.Wait(ctx))

		rr = env.do(t, http.MethodGet, "/fraud/reprocess/status", nil)
		job := decode[domain.ReprocessJob](t, rr)
		assert.False(t, job.IsRunning)
		assert.Equal(t, started.ID, job.ID)
		assert.NotNil(t, job.CompletedAt)
		assert.NotNil(t, job.Duration)
		assert.LessOrEqual(t, job.Processed, job.Total)
	})

	t.Run("Failures", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/reprocess/failures", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		body := decode[map[string]any](t, rr)
		assert.Equal(t, started.ID, body["jobId"])
	})
}

func TestReportingEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.flagShift(t, "s-1", "driver-001", shiftDay)
	env.flagShift(t, "s-2", "driver-002", shiftDay.Add(2*time.Hour))
	env.saveShift(t, "s-clean", "driver-003", shiftDay, 200)

	t.Run("Dashboard", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/dashboard?from=2026-03-01&to=2026-03-31", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		d := decode[reporting.Dashboard](t, rr)
		assert.Equal(t, 2, d.ActiveAlerts)
		assert.Equal(t, 3, d.ProcessedShifts)
	})

	t.Run("Heatmap", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/heatmap?days=7", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		body := decode[struct {
			Days int                    `json:"days"`
			Data []reporting.HeatmapDay `json:"data"`
		}](t, rr)
		assert.Equal(t, 7, body.Days)
		assert.Len(t, body.Data, 7)

		rr = env.do(t, http.MethodGet, "/fraud/heatmap?days=1000", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("TopDrivers", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/top-drivers?limit=1", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		body := decode[struct {
			Data []reporting.DriverRisk `json:"data"`
		}](t, rr)
		assert.Len(t, body.Data, 1)
	})
}

func TestRuleSetEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 2.0.0
name: reload-test
thresholds:
  max_shift_hours: 10.0
rules:
  - code: DUR_LONG
    label: Shift longer than allowed
    category: duration
    severity: low
    expression: m.duration_hours > th.max_shift_hours
`), 0o600))

	env := newTestEnv(t, envOptions{ruleSetPath: path})

	t.Run("ReadOnlyView", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/fraud/config", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[RuleSetResponse](t, rr)
		assert.Equal(t, path, resp.Source)
		require.NotNil(t, resp.RuleSet)
		assert.Equal(t, "1.0.0", resp.RuleSet.Version)
		assert.Greater(t, resp.RulesCount, 1)
		assert.NotEmpty(t, resp.RuleSet.Thresholds)
	})

	t.Run("Reload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/fraud/config/reload", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		body := decode[map[string]any](t, rr)
		assert.Equal(t, "2.0.0", body["version"])
		assert.Equal(t, "1.0.0", body["previousVersion"])
		assert.Equal(t, float64(1), body["rulesCount"])
	})

	t.Run("InvalidDocumentKeepsActiveSet", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`
version: 3.0.0
rules:
  - code: BROKEN
    label: broken
    category: duration
    severity: low
    expression: m.duration_hours >
`), 0o600))

		rr := env.do(t, http.MethodPost, "/fraud/config/reload", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "2.0.0", env.eval.Engine().RuleSet().Version)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.do(t, http.MethodGet, "/health", nil)

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "kestrel_http_requests_total")
	assert.Contains(t, rr.Body.String(), `route="/health"`)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	req := httptest.NewRequest(http.MethodOptions, "/fraud/events", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://admin.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}
