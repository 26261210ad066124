package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordEvaluation("created", []string{"DUR_LONG", "PHY_ODOMETER_JUMP"}, []string{"low", "critical"}, 10*time.Millisecond, nil)
	m.RecordEvaluation("", nil, nil, time.Millisecond, errors.New("boom"))
	m.RecordTransition("confirmado", nil)
	m.RecordTransition("confirmado", errors.New("conflict"))
	m.ReprocessStarted()

	if got := testutil.ToFloat64(m.ShiftsEvaluated.WithLabelValues("created")); got != 1 {
		t.Errorf("expected 1 created shift, got %v", got)
	}
	if got := testutil.ToFloat64(m.RuleMatches.WithLabelValues("DUR_LONG", "low")); got != 1 {
		t.Errorf("expected 1 DUR_LONG match, got %v", got)
	}
	if got := testutil.ToFloat64(m.EvaluationErrors); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(m.StatusTransitions.WithLabelValues("confirmado", "rejected")); got != 1 {
		t.Errorf("expected 1 rejected transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.ReprocessRunning); got != 1 {
		t.Errorf("expected running gauge 1, got %v", got)
	}

	m.ReprocessFinished("completed", 3*time.Second)
	if got := testutil.ToFloat64(m.ReprocessRunning); got != 0 {
		t.Errorf("expected running gauge 0, got %v", got)
	}

	m.RecordHTTP("GET", "/fraud/events", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"kestrel_evaluation_shifts_total",
		"kestrel_reprocess_runs_total",
		`kestrel_http_requests_total{code="200",method="GET",route="/fraud/events"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	m.RecordEvaluation("created", nil, nil, time.Millisecond, nil)
	m.RecordTransition("bloqueado", nil)
	m.RecordReprocessShift("refreshed")
	m.ReprocessStarted()
	m.ReprocessFinished("completed", time.Second)
	m.RecordHTTP("GET", "/", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from nil metrics, got %d", rec.Code)
	}
}
