package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RideSource tells where a ride was booked.
type RideSource string

const (
	// RideSourceApp is a ride dispatched by a ride-hailing app.
	RideSourceApp RideSource = "app"

	// RideSourcePrivate is a street hail or a ride agreed directly with the passenger.
	RideSourcePrivate RideSource = "private"
)

// Ride is one fare within a shift.
type Ride struct {
	ID         string          `json:"id"`
	Source     RideSource      `json:"source"`
	Value      decimal.Decimal `json:"value"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// ShiftRecord is a driver's work session as received from the fleet system.
// Records are read-only here and immutable once Finalized is set.
type ShiftRecord struct {
	ID            string          `json:"id"`
	DriverID      string          `json:"driverId"`
	VehicleID     string          `json:"vehicleId"`
	StartAt       time.Time       `json:"startAt"`
	EndAt         time.Time       `json:"endAt"`
	StartOdometer float64         `json:"startOdometer"`
	EndOdometer   float64         `json:"endOdometer"`
	GrossRevenue  decimal.Decimal `json:"grossRevenue"`
	RideCount     int             `json:"rideCount"`
	Rides         []Ride          `json:"rides,omitempty"`
	Finalized     bool            `json:"finalized"`

	// PriorEndOdometer is the ending odometer of the vehicle's previous shift.
	// Nil when the vehicle has no earlier shift.
	PriorEndOdometer *float64 `json:"priorEndOdometer,omitempty"`
}

// DateRange bounds a query by shift start time. Zero values mean unbounded.
// From is inclusive, To is exclusive.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// IsZero reports whether the range is unbounded on both sides.
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}
