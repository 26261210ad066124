// Package reprocess runs the historical re-scoring job: every finalized shift
// in scope goes through the evaluator again under the current rule set.
// Only one run may be active at a time.
package reprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// checkpointEvery is how many processed shifts pass between job saves.
const checkpointEvery = 100

// ShiftEvaluator evaluates and records one shift.
type ShiftEvaluator interface {
	EvaluateShift(ctx context.Context, shiftID string) (*evaluator.Result, error)
}

// Store is the persistence the scheduler needs.
type Store interface {
	ListFinalizedShiftIDs(ctx context.Context, r domain.DateRange) ([]string, error)
	CountFinalizedShifts(ctx context.Context, r domain.DateRange) (int, error)
	domain.JobStore
}

// Scheduler owns the singleton reprocess job.
type Scheduler struct {
	store     Store
	evaluator ShiftEvaluator
	bus       domain.EventBus
	metrics   *telemetry.Metrics
	clock     clockz.Clock
	tracer    trace.Tracer

	workers      int
	limit        rate.Limit
	estimate     time.Duration
	failureLimit int

	// mu serializes Start and guards job, the live record of the current or
	// last run. Readers use snapshot, republished after every change.
	mu       sync.Mutex
	job      *domain.ReprocessJob
	snapshot atomic.Pointer[domain.ReprocessJob]
	stop     atomic.Bool
	done     chan struct{}
}

// NewScheduler creates a scheduler. bus may be nil.
func NewScheduler(store Store, eval ShiftEvaluator, bus domain.EventBus, cfg domain.ReprocessConfig) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	estimate := cfg.EstimatePerShift
	if estimate <= 0 {
		estimate = 50 * time.Millisecond
	}
	failureLimit := cfg.FailureLogLimit
	if failureLimit <= 0 {
		failureLimit = 100
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Scheduler{
		store:        store,
		evaluator:    eval,
		bus:          bus,
		clock:        clockz.RealClock,
		tracer:       otel.Tracer("kestrel/reprocess"),
		workers:      workers,
		limit:        limit,
		estimate:     estimate,
		failureLimit: failureLimit,
	}
}

// WithClock sets the clock used for job timestamps and durations.
func (s *Scheduler) WithClock(clock clockz.Clock) *Scheduler {
	s.clock = clock
	return s
}

// WithMetrics records runs on m.
func (s *Scheduler) WithMetrics(m *telemetry.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Recover loads the last persisted job. A job still marked running was cut
// short by a restart: it is closed as interrupted.
func (s *Scheduler) Recover(ctx context.Context) error {
	job, err := s.store.LatestJob(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load last reprocess job: %w", err)
	}

	if job.IsRunning {
		s.complete(job)
		job.Interrupted = true
		if err := s.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to close interrupted job: %w", err)
		}
		slog.Warn("reprocess job interrupted by restart",
			"job_id", job.ID,
			"processed", job.Processed,
			"total", job.Total,
		)
	}

	s.mu.Lock()
	s.job = job
	s.publishLocked()
	s.mu.Unlock()
	return nil
}

// Start begins a run over the finalized shifts in r. While a run is active it
// returns the current status unchanged together with domain.ErrJobRunning.
func (s *Scheduler) Start(ctx context.Context, r domain.DateRange) (*domain.ReprocessJob, error) {
	if err := validateRange(r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job != nil && s.job.IsRunning {
		return s.job.Clone(), domain.ErrJobRunning
	}

	ids, err := s.store.ListFinalizedShiftIDs(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate shifts: %w", err)
	}

	job := &domain.ReprocessJob{
		ID:        uuid.New().String(),
		IsRunning: true,
		Total:     int64(len(ids)),
		StartTime: s.clock.Now().UTC(),
		Range:     r,
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	s.job = job
	s.stop.Store(false)
	s.done = make(chan struct{})
	s.publishLocked()
	s.metrics.ReprocessStarted()

	slog.Info("reprocess job started",
		"job_id", job.ID,
		"total", job.Total,
		"workers", s.workers,
	)

	go s.run(context.WithoutCancel(ctx), job.ID, ids, s.done)
	return job.Clone(), nil
}

// Status returns the current or last job. Before any run it returns an idle
// job with no id.
func (s *Scheduler) Status() *domain.ReprocessJob {
	if snap := s.snapshot.Load(); snap != nil {
		return snap.Clone()
	}
	return &domain.ReprocessJob{}
}

// Stop asks the active run to finish after the shifts already dispatched.
// It reports whether a run was active.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil || !s.job.IsRunning {
		return false
	}
	s.stop.Store(true)
	return true
}

// Wait blocks until the active run, if any, has completed.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Preview counts the shifts a run over r would process without starting it.
func (s *Scheduler) Preview(ctx context.Context, r domain.DateRange) (*domain.ReprocessPreview, error) {
	if err := validateRange(r); err != nil {
		return nil, err
	}
	n, err := s.store.CountFinalizedShifts(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to count shifts: %w", err)
	}

	est := time.Duration(n) * s.estimate / time.Duration(s.workers)
	if s.limit != rate.Inf {
		if floor := time.Duration(float64(n) / float64(s.limit) * float64(time.Second)); floor > est {
			est = floor
		}
	}
	est = est.Round(time.Second)

	return &domain.ReprocessPreview{
		TotalShifts:      n,
		EstimatedTime:    est.String(),
		EstimatedSeconds: est.Seconds(),
		Range:            r,
	}, nil
}

// Failures returns the failure log of the current or last run.
func (s *Scheduler) Failures(ctx context.Context) ([]*domain.JobFailure, error) {
	job := s.Status()
	if job.ID == "" {
		return []*domain.JobFailure{}, nil
	}
	return s.store.ListFailures(ctx, job.ID, s.failureLimit)
}

func (s *Scheduler) run(ctx context.Context, jobID string, ids []string, done chan struct{}) {
	defer close(done)

	ctx, span := s.tracer.Start(ctx, "reprocess.Run",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.Int("job.total", len(ids)),
		))
	defer span.End()

	limiter := rate.NewLimiter(s.limit, 1)
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for _, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		sem <- struct{}{}
		if s.stop.Load() {
			<-sem
			break
		}
		wg.Add(1)
		go func(shiftID string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.evaluate(ctx, shiftID)
			s.recordShift(ctx, jobID, shiftID, res, err)
		}(id)
	}
	wg.Wait()

	s.mu.Lock()
	job := s.job
	s.complete(job)
	job.Stopped = s.stop.Load() && job.Processed < job.Total
	final := job.Clone()
	s.publishLocked()
	s.mu.Unlock()

	if err := s.store.SaveJob(ctx, final); err != nil {
		slog.Error("failed to save completed job", "job_id", jobID, "error", err)
	}

	result := "completed"
	if final.Stopped {
		result = "stopped"
	}
	s.metrics.ReprocessFinished(result, time.Duration(*final.Duration)*time.Millisecond)
	span.SetAttributes(
		attribute.Int64("job.processed", final.Processed),
		attribute.Int64("job.errors", final.Errors),
	)

	slog.Info("reprocess job finished",
		"job_id", jobID,
		"result", result,
		"processed", final.Processed,
		"errors", final.Errors,
		"created", final.Created,
		"refreshed", final.Refreshed,
		"skipped", final.Skipped,
		"superseded", final.Superseded,
		"duration_ms", *final.Duration,
	)

	s.publishCompleted(ctx, final)
}

// evaluate isolates a shift: a panic becomes an error for that shift only.
func (s *Scheduler) evaluate(ctx context.Context, shiftID string) (res *evaluator.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.evaluator.EvaluateShift(ctx, shiftID)
}

func (s *Scheduler) recordShift(ctx context.Context, jobID, shiftID string, res *evaluator.Result, err error) {
	outcome := "error"
	if err == nil && res != nil {
		outcome = string(res.Outcome)
	}

	s.mu.Lock()
	job := s.job
	job.Processed++
	switch outcome {
	case "error":
		job.Errors++
	case string(lifecycle.OutcomeCreated):
		job.Created++
	case string(lifecycle.OutcomeRefreshed):
		job.Refreshed++
	case string(lifecycle.OutcomeSkipped):
		job.Skipped++
	case string(lifecycle.OutcomeSuperseded):
		job.Superseded++
	}
	var checkpoint *domain.ReprocessJob
	if job.Processed%checkpointEvery == 0 && job.Processed < job.Total {
		checkpoint = job.Clone()
	}
	s.publishLocked()
	s.mu.Unlock()

	s.metrics.RecordReprocessShift(outcome)

	if err != nil {
		slog.Error("reprocess shift failed",
			"job_id", jobID,
			"shift_id", shiftID,
			"error", err,
		)
		failure := &domain.JobFailure{
			JobID:      jobID,
			ShiftID:    shiftID,
			Message:    err.Error(),
			OccurredAt: s.clock.Now().UTC(),
		}
		if ferr := s.store.RecordFailure(ctx, failure); ferr != nil {
			slog.Warn("failed to record reprocess failure", "job_id", jobID, "shift_id", shiftID, "error", ferr)
		}
	}

	if checkpoint != nil {
		if cerr := s.store.SaveJob(ctx, checkpoint); cerr != nil {
			slog.Warn("failed to checkpoint job", "job_id", jobID, "error", cerr)
		}
	}
}

// complete marks job finished at the current clock time.
func (s *Scheduler) complete(job *domain.ReprocessJob) {
	now := s.clock.Now().UTC()
	d := now.Sub(job.StartTime).Milliseconds()
	if d < 0 {
		d = 0
	}
	job.IsRunning = false
	job.CompletedAt = &now
	job.Duration = &d
}

func (s *Scheduler) publishLocked() {
	s.snapshot.Store(s.job.Clone())
}

func (s *Scheduler) publishCompleted(ctx context.Context, job *domain.ReprocessJob) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicReprocessCompleted, payload); err != nil {
		slog.Warn("failed to publish job completion", "job_id", job.ID, "error", err)
	}
}

func validateRange(r domain.DateRange) error {
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return fmt.Errorf("%w: range start must be before its end", domain.ErrValidation)
	}
	return nil
}
