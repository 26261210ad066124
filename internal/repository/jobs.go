package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveJob inserts or updates a reprocess job record.
func (r *SQLRepository) SaveJob(ctx context.Context, job *domain.ReprocessJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}

	var duration sql.NullInt64
	if job.Duration != nil {
		duration = sql.NullInt64{Int64: *job.Duration, Valid: true}
	}

	query := `
		INSERT INTO reprocess_jobs (
			id, is_running, processed, total, errors, created, refreshed, skipped, superseded,
			start_time, completed_at, duration_ms, range_from, range_to, stopped, interrupted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_running = excluded.is_running,
			processed = excluded.processed,
			total = excluded.total,
			errors = excluded.errors,
			created = excluded.created,
			refreshed = excluded.refreshed,
			skipped = excluded.skipped,
			superseded = excluded.superseded,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			stopped = excluded.stopped,
			interrupted = excluded.interrupted
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		job.ID, boolInt(job.IsRunning), job.Processed, job.Total, job.Errors,
		job.Created, job.Refreshed, job.Skipped, job.Superseded,
		job.StartTime.UTC(), nullTime(job.CompletedAt), duration,
		zeroNullTime(job.Range.From), zeroNullTime(job.Range.To),
		boolInt(job.Stopped), boolInt(job.Interrupted),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// LatestJob returns the most recently started job.
func (r *SQLRepository) LatestJob(ctx context.Context) (*domain.ReprocessJob, error) {
	query := `
		SELECT id, is_running, processed, total, errors, created, refreshed, skipped, superseded,
		       start_time, completed_at, duration_ms, range_from, range_to, stopped, interrupted
		FROM reprocess_jobs
		ORDER BY start_time DESC
		LIMIT 1
	`

	var job domain.ReprocessJob
	var running, stopped, interrupted int
	var completed, from, to sql.NullTime
	var duration sql.NullInt64

	err := r.db.QueryRowContext(ctx, query).Scan(
		&job.ID, &running, &job.Processed, &job.Total, &job.Errors,
		&job.Created, &job.Refreshed, &job.Skipped, &job.Superseded,
		&job.StartTime, &completed, &duration, &from, &to, &stopped, &interrupted,
	)
	if err != nil {
		return nil, notFound(err, "job", "latest")
	}

	job.IsRunning = running == 1
	job.Stopped = stopped == 1
	job.Interrupted = interrupted == 1
	job.StartTime = job.StartTime.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		job.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		job.Duration = &d
	}
	if from.Valid {
		job.Range.From = from.Time.UTC()
	}
	if to.Valid {
		job.Range.To = to.Time.UTC()
	}
	return &job, nil
}

// RecordFailure appends to the failure log.
func (r *SQLRepository) RecordFailure(ctx context.Context, f *domain.JobFailure) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO reprocess_failures (id, job_id, shift_id, message, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`), uuid.New().String(), f.JobID, f.ShiftID, f.Message, f.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// ListFailures returns up to limit failures of a job, oldest first.
func (r *SQLRepository) ListFailures(ctx context.Context, jobID string, limit int) ([]*domain.JobFailure, error) {
	query := `
		SELECT job_id, shift_id, message, occurred_at
		FROM reprocess_failures
		WHERE job_id = ?
		ORDER BY occurred_at, id
	`
	args := []any{jobID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	failures := []*domain.JobFailure{}
	for rows.Next() {
		var f domain.JobFailure
		if err := rows.Scan(&f.JobID, &f.ShiftID, &f.Message, &f.OccurredAt); err != nil {
			return nil, err
		}
		f.OccurredAt = f.OccurredAt.UTC()
		failures = append(failures, &f)
	}
	return failures, rows.Err()
}
