package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const shiftColumns = `
	s.id, s.driver_id, s.vehicle_id, s.start_at, s.end_at,
	s.start_odometer, s.end_odometer, s.gross_revenue, s.ride_count, s.finalized,
	(SELECT p.end_odometer FROM shifts p
	  WHERE p.vehicle_id = s.vehicle_id AND p.start_at < s.start_at
	  ORDER BY p.start_at DESC LIMIT 1) AS prior_end_odometer`

// SaveShift inserts or replaces a shift and its rides.
func (r *SQLRepository) SaveShift(ctx context.Context, shift *domain.ShiftRecord) error {
	if shift == nil || shift.ID == "" {
		return fmt.Errorf("%w: shift id is required", domain.ErrValidation)
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO shifts (
				id, driver_id, vehicle_id, start_at, end_at,
				start_odometer, end_odometer, gross_revenue, ride_count, finalized
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				driver_id = excluded.driver_id,
				vehicle_id = excluded.vehicle_id,
				start_at = excluded.start_at,
				end_at = excluded.end_at,
				start_odometer = excluded.start_odometer,
				end_odometer = excluded.end_odometer,
				gross_revenue = excluded.gross_revenue,
				ride_count = excluded.ride_count,
				finalized = excluded.finalized
		`
		if _, err := tx.ExecContext(ctx, r.rebind(query),
			shift.ID, shift.DriverID, shift.VehicleID,
			shift.StartAt.UTC(), shift.EndAt.UTC(),
			shift.StartOdometer, shift.EndOdometer,
			shift.GrossRevenue.String(), shift.RideCount, boolInt(shift.Finalized),
		); err != nil {
			return fmt.Errorf("failed to save shift: %w", err)
		}

		if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM rides WHERE shift_id = ?`), shift.ID); err != nil {
			return fmt.Errorf("failed to clear rides: %w", err)
		}

		insert := r.rebind(`INSERT INTO rides (id, shift_id, source, value, occurred_at) VALUES (?, ?, ?, ?, ?)`)
		for i, ride := range shift.Rides {
			id := ride.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", shift.ID, i+1)
			}
			if _, err := tx.ExecContext(ctx, insert,
				id, shift.ID, string(ride.Source), ride.Value.String(), ride.OccurredAt.UTC(),
			); err != nil {
				return fmt.Errorf("failed to save ride: %w", err)
			}
		}
		return nil
	})
}

// GetShift retrieves a shift with its rides and the vehicle's prior ending odometer.
func (r *SQLRepository) GetShift(ctx context.Context, shiftID string) (*domain.ShiftRecord, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts s WHERE s.id = ?`

	shift, err := scanShift(r.db.QueryRowContext(ctx, r.rebind(query), shiftID))
	if err != nil {
		return nil, notFound(err, "shift", shiftID)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, source, value, occurred_at
		FROM rides
		WHERE shift_id = ?
		ORDER BY occurred_at, id
	`), shiftID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ride domain.Ride
		var source string
		if err := rows.Scan(&ride.ID, &source, &ride.Value, &ride.OccurredAt); err != nil {
			return nil, err
		}
		ride.Source = domain.RideSource(source)
		ride.OccurredAt = ride.OccurredAt.UTC()
		shift.Rides = append(shift.Rides, ride)
	}

	return shift, rows.Err()
}

// ListDriverShifts returns the driver's finalized shifts starting within rg.
// Rides are not loaded.
func (r *SQLRepository) ListDriverShifts(ctx context.Context, driverID string, rg domain.DateRange) ([]*domain.ShiftRecord, error) {
	where := []string{"s.driver_id = ?", "s.finalized = 1"}
	args := []any{driverID}
	where, args = rangeClause("s.start_at", rg, where, args)

	query := `SELECT ` + shiftColumns + ` FROM shifts s` + whereSQL(where) + ` ORDER BY s.start_at, s.id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list driver shifts: %w", err)
	}
	defer rows.Close()

	var shifts []*domain.ShiftRecord
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, shift)
	}
	return shifts, rows.Err()
}

// ListFinalizedShiftIDs enumerates finalized shifts in start order.
func (r *SQLRepository) ListFinalizedShiftIDs(ctx context.Context, rg domain.DateRange) ([]string, error) {
	where, args := rangeClause("start_at", rg, []string{"finalized = 1"}, nil)
	query := `SELECT id FROM shifts` + whereSQL(where) + ` ORDER BY start_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list finalized shifts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountFinalizedShifts counts finalized shifts starting within rg.
func (r *SQLRepository) CountFinalizedShifts(ctx context.Context, rg domain.DateRange) (int, error) {
	where, args := rangeClause("start_at", rg, []string{"finalized = 1"}, nil)

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM shifts`+whereSQL(where)), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count finalized shifts: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShift(row rowScanner) (*domain.ShiftRecord, error) {
	var s domain.ShiftRecord
	var finalized int
	var prior sql.NullFloat64

	if err := row.Scan(
		&s.ID, &s.DriverID, &s.VehicleID, &s.StartAt, &s.EndAt,
		&s.StartOdometer, &s.EndOdometer, &s.GrossRevenue, &s.RideCount, &finalized,
		&prior,
	); err != nil {
		return nil, err
	}

	s.StartAt = s.StartAt.UTC()
	s.EndAt = s.EndAt.UTC()
	s.Finalized = finalized == 1
	if prior.Valid {
		v := prior.Float64
		s.PriorEndOdometer = &v
	}
	return &s, nil
}
