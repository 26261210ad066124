// Package evaluator runs one shift through the detection pipeline: metric
// derivation, baseline, rules, scoring and the event lifecycle. The worker,
// the API and the reprocess scheduler all evaluate shifts through it.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/shiftmetrics"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Result is the outcome of evaluating one shift.
type Result struct {
	Assessment *domain.Assessment `json:"assessment"`
	Outcome    lifecycle.Outcome  `json:"outcome"`
	Event      *domain.FraudEvent `json:"event,omitempty"`
}

// Evaluator wires the pipeline stages together.
type Evaluator struct {
	shifts    domain.ShiftStore
	baselines *baseline.Service
	engine    *rules.Engine
	processor *scoring.Processor
	lifecycle *lifecycle.Manager
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// New creates an evaluator.
func New(shifts domain.ShiftStore, baselines *baseline.Service, engine *rules.Engine, processor *scoring.Processor, manager *lifecycle.Manager) *Evaluator {
	return &Evaluator{
		shifts:    shifts,
		baselines: baselines,
		engine:    engine,
		processor: processor,
		lifecycle: manager,
		tracer:    otel.Tracer("kestrel/evaluator"),
	}
}

// WithMetrics records evaluations on m.
func (e *Evaluator) WithMetrics(m *telemetry.Metrics) *Evaluator {
	e.metrics = m
	return e
}

// Assess derives metrics, loads the driver baseline and scores the shift
// without touching any event. Identical inputs give identical assessments.
func (e *Evaluator) Assess(ctx context.Context, shift *domain.ShiftRecord) (*domain.Assessment, error) {
	metrics := shiftmetrics.Derive(shift)

	b, err := e.baselines.ForShift(ctx, shift)
	if err != nil {
		return nil, fmt.Errorf("baseline for shift %s: %w", shift.ID, err)
	}

	res, err := e.engine.Evaluate(ctx, &rules.Input{Metrics: metrics, Baseline: b})
	if err != nil {
		return nil, fmt.Errorf("rules for shift %s: %w", shift.ID, err)
	}

	return e.processor.Process(&scoring.DecisionInput{
		ShiftID:  shift.ID,
		DriverID: shift.DriverID,
		Metrics:  metrics,
		Baseline: b,
		Result:   res,
	}), nil
}

// EvaluateShift loads a finalized shift, assesses it and records the result.
func (e *Evaluator) EvaluateShift(ctx context.Context, shiftID string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "evaluator.EvaluateShift",
		trace.WithAttributes(attribute.String("shift.id", shiftID)))
	defer span.End()

	start := time.Now()
	res, err := e.evaluate(ctx, shiftID)

	var (
		outcome    string
		codeList   []string
		severities []string
	)
	if res != nil {
		outcome = string(res.Outcome)
		for _, m := range res.Assessment.Matches {
			codeList = append(codeList, m.Code)
			severities = append(severities, string(m.Severity))
		}
	}
	e.metrics.RecordEvaluation(outcome, codeList, severities, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("evaluation.outcome", outcome),
		attribute.Float64("evaluation.risk_score", res.Assessment.RiskScore),
	)

	slog.Debug("shift evaluated",
		"shift_id", shiftID,
		"outcome", res.Outcome,
		"risk_score", res.Assessment.RiskScore,
		"risk_level", res.Assessment.RiskLevel,
		"matches", len(res.Assessment.Matches),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (e *Evaluator) evaluate(ctx context.Context, shiftID string) (*Result, error) {
	if shiftID == "" {
		return nil, fmt.Errorf("%w: shift id is required", domain.ErrValidation)
	}

	shift, err := e.shifts.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if !shift.Finalized {
		return nil, fmt.Errorf("%w: shift %s is not finalized", domain.ErrValidation, shiftID)
	}

	a, err := e.Assess(ctx, shift)
	if err != nil {
		return nil, err
	}

	rec, err := e.lifecycle.Record(ctx, a, shift)
	if err != nil {
		return nil, fmt.Errorf("record shift %s: %w", shiftID, err)
	}

	return &Result{Assessment: a, Outcome: rec.Outcome, Event: rec.Event}, nil
}

// Shift returns a shift by id.
func (e *Evaluator) Shift(ctx context.Context, shiftID string) (*domain.ShiftRecord, error) {
	return e.shifts.GetShift(ctx, shiftID)
}

// Engine exposes the rule engine, for reloads and the read-only config view.
func (e *Evaluator) Engine() *rules.Engine {
	return e.engine
}

// Lifecycle exposes the event lifecycle manager.
func (e *Evaluator) Lifecycle() *lifecycle.Manager {
	return e.lifecycle
}
