// Package worker evaluates shifts announced as finalized on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
)

// ShiftEvaluator runs the per-shift pipeline.
type ShiftEvaluator interface {
	EvaluateShift(ctx context.Context, shiftID string) (*evaluator.Result, error)
}

// Worker consumes TopicShiftFinalized messages. Each message is handed to a
// goroutine, bounded by Config.Concurrency.
type Worker struct {
	bus  domain.EventBus
	eval ShiftEvaluator

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of shifts evaluated at once.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, eval ShiftEvaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		eval:   eval,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to finalized-shift announcements.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.subscriptions) > 0 {
		return fmt.Errorf("worker already started")
	}

	w.sem = make(chan struct{}, cfg.Concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicShiftFinalized, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicShiftFinalized,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// handleMessage decodes the announcement and schedules the evaluation.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var fin domain.ShiftFinalizedMessage
	if err := json.Unmarshal(msg.Payload, &fin); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse shift message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if fin.ShiftID == "" {
		w.failed.Add(1)
		return fmt.Errorf("%w: shift message without shiftId", domain.ErrValidation)
	}

	traceID := fin.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.processShift(fin.ShiftID, traceID)
	}()
	return nil
}

// processShift evaluates one shift and records the outcome.
func (w *Worker) processShift(shiftID, traceID string) {
	start := time.Now()

	slog.Debug("processing shift",
		"shift_id", shiftID,
		"trace_id", traceID,
	)

	res, err := w.eval.EvaluateShift(w.ctx, shiftID)
	if err != nil {
		w.failed.Add(1)
		slog.Error("shift evaluation failed",
			"shift_id", shiftID,
			"trace_id", traceID,
			"error", err,
		)
		return
	}

	w.processed.Add(1)
	slog.Info("shift processed",
		"shift_id", shiftID,
		"trace_id", traceID,
		"risk_level", res.Assessment.RiskLevel,
		"risk_score", res.Assessment.RiskScore,
		"outcome", res.Outcome,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes, waits for in-flight evaluations and releases the worker.
func (w *Worker) Stop() error {
	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()
	w.cancel()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
