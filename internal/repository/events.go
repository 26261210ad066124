package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const eventColumns = `
	id, shift_id, driver_id, shift_start, status, risk_score, risk_level,
	rule_matches, comment, detected_at, updated_at, supersedes_id, rule_set_version`

// CreateEvent stores a new fraud event.
func (r *SQLRepository) CreateEvent(ctx context.Context, ev *domain.FraudEvent) error {
	if ev == nil || ev.ID == "" || ev.ShiftID == "" {
		return fmt.Errorf("%w: event id and shift id are required", domain.ErrValidation)
	}

	matches, err := json.Marshal(ev.RuleMatches)
	if err != nil {
		return fmt.Errorf("failed to encode rule matches: %w", err)
	}

	query := `INSERT INTO fraud_events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, ev.ShiftID, ev.DriverID, ev.ShiftStart.UTC(), string(ev.Status),
		ev.RiskScore, string(ev.RiskLevel), string(matches), ev.Comment,
		ev.DetectedAt.UTC(), ev.UpdatedAt.UTC(), ev.SupersedesID, ev.RuleSetVersion,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: shift %s", domain.ErrEventExists, ev.ShiftID)
	}
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// GetEvent retrieves a fraud event by ID.
func (r *SQLRepository) GetEvent(ctx context.Context, eventID string) (*domain.FraudEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM fraud_events WHERE id = ?`

	ev, err := scanEvent(r.db.QueryRowContext(ctx, r.rebind(query), eventID))
	if err != nil {
		return nil, notFound(err, "event", eventID)
	}
	return ev, nil
}

// LatestEventForShift returns the head of the shift's event chain: the event
// no other event supersedes.
func (r *SQLRepository) LatestEventForShift(ctx context.Context, shiftID string) (*domain.FraudEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM fraud_events e
		WHERE e.shift_id = ?
		  AND NOT EXISTS (SELECT 1 FROM fraud_events n WHERE n.supersedes_id = e.id)
		ORDER BY e.detected_at DESC, e.id DESC
		LIMIT 1
	`

	ev, err := scanEvent(r.db.QueryRowContext(ctx, r.rebind(query), shiftID))
	if err != nil {
		return nil, notFound(err, "event for shift", shiftID)
	}
	return ev, nil
}

// ReplaceSnapshot overwrites the evaluation snapshot while the status is expected.
func (r *SQLRepository) ReplaceSnapshot(ctx context.Context, ev *domain.FraudEvent, expected domain.Status) error {
	matches, err := json.Marshal(ev.RuleMatches)
	if err != nil {
		return fmt.Errorf("failed to encode rule matches: %w", err)
	}

	query := `
		UPDATE fraud_events
		SET risk_score = ?, risk_level = ?, rule_matches = ?, rule_set_version = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.RiskScore, string(ev.RiskLevel), string(matches), ev.RuleSetVersion, ev.UpdatedAt.UTC(),
		ev.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return r.checkCAS(ctx, r.db, res, ev.ID)
}

// TransitionStatus applies a status change and records it in one transaction.
func (r *SQLRepository) TransitionStatus(ctx context.Context, change *domain.StatusChange) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE fraud_events
			SET status = ?,
			    comment = CASE WHEN ? <> '' THEN ? ELSE comment END,
			    updated_at = ?
			WHERE id = ? AND status = ?
		`
		res, err := tx.ExecContext(ctx, r.rebind(query),
			string(change.To), change.Comment, change.Comment, change.ChangedAt.UTC(),
			change.EventID, string(change.From),
		)
		if err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		if err := r.checkCAS(ctx, tx, res, change.EventID); err != nil {
			return err
		}

		insert := `
			INSERT INTO event_status_changes (id, event_id, from_status, to_status, comment, actor, changed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, r.rebind(insert),
			change.ID, change.EventID, string(change.From), string(change.To),
			change.Comment, change.Actor, change.ChangedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to record status change: %w", err)
		}
		return nil
	})
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkCAS turns a zero-row conditional update into ErrNotFound or ErrStaleStatus.
func (r *SQLRepository) checkCAS(ctx context.Context, q queryer, res sql.Result, eventID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var one int
	err = q.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM fraud_events WHERE id = ?`), eventID).Scan(&one)
	if err != nil {
		return notFound(err, "event", eventID)
	}
	return domain.ErrStaleStatus
}

// ListEvents returns one page of events, newest shift first, and the total match count.
func (r *SQLRepository) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.FraudEvent, int, error) {
	var where []string
	var args []any

	if filter.DriverID != "" {
		where = append(where, "driver_id = ?")
		args = append(args, filter.DriverID)
	}
	where, args = rangeClause("shift_start", filter.Range, where, args)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM fraud_events` + whereSQL(where)
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	query := `SELECT ` + eventColumns + ` FROM fraud_events` + whereSQL(where) + ` ORDER BY shift_start DESC, detected_at DESC, id`
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, (page-1)*filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*domain.FraudEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

// ListStatusChanges returns an event's decision trail, oldest first.
func (r *SQLRepository) ListStatusChanges(ctx context.Context, eventID string) ([]*domain.StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, event_id, from_status, to_status, comment, actor, changed_at
		FROM event_status_changes
		WHERE event_id = ?
		ORDER BY changed_at, id
	`), eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status changes: %w", err)
	}
	defer rows.Close()

	var changes []*domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		var from, to string
		if err := rows.Scan(&c.ID, &c.EventID, &from, &to, &c.Comment, &c.Actor, &c.ChangedAt); err != nil {
			return nil, err
		}
		c.From = domain.Status(from)
		c.To = domain.Status(to)
		c.ChangedAt = c.ChangedAt.UTC()
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}

func scanEvent(row rowScanner) (*domain.FraudEvent, error) {
	var ev domain.FraudEvent
	var status, level, matches string

	if err := row.Scan(
		&ev.ID, &ev.ShiftID, &ev.DriverID, &ev.ShiftStart, &status, &ev.RiskScore, &level,
		&matches, &ev.Comment, &ev.DetectedAt, &ev.UpdatedAt, &ev.SupersedesID, &ev.RuleSetVersion,
	); err != nil {
		return nil, err
	}

	ev.Status = domain.Status(status)
	ev.RiskLevel = domain.RiskLevel(level)
	ev.ShiftStart = ev.ShiftStart.UTC()
	ev.DetectedAt = ev.DetectedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	if matches != "" {
		if err := json.Unmarshal([]byte(matches), &ev.RuleMatches); err != nil {
			return nil, fmt.Errorf("failed to decode rule matches for %s: %w", ev.ID, err)
		}
	}
	return &ev, nil
}
