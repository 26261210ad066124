// Package shiftmetrics derives the normalized figures of a shift.
package shiftmetrics

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Derive computes the metrics of one shift. It is pure and never fails:
// ratios whose denominator is zero or negative are reported as 0, and a
// non-positive distance is preserved so the physical rules can see it.
func Derive(shift *domain.ShiftRecord) domain.DerivedMetrics {
	var m domain.DerivedMetrics
	if shift == nil {
		return m
	}

	m.GrossRevenue = shift.GrossRevenue.InexactFloat64()
	m.KmTotal = shift.EndOdometer - shift.StartOdometer

	m.RideCount = shift.RideCount
	if m.RideCount <= 0 {
		m.RideCount = len(shift.Rides)
	}

	hours := shift.EndAt.Sub(shift.StartAt).Hours()
	if hours > 0 {
		m.ValidDuration = true
		m.DurationHours = hours
		m.RevenuePerHour = m.GrossRevenue / hours
		m.RidesPerHour = float64(m.RideCount) / hours
	}

	if m.KmTotal > 0 {
		m.RevenuePerKm = m.GrossRevenue / m.KmTotal
	}
	if m.RideCount > 0 {
		m.TicketAverage = m.GrossRevenue / float64(m.RideCount)
	}

	app, private := splitRevenue(shift.Rides)
	m.AppRevenue = app.InexactFloat64()
	m.PrivateRevenue = private.InexactFloat64()
	if shift.GrossRevenue.IsPositive() {
		share := private.Div(shift.GrossRevenue).InexactFloat64()
		m.PrivateShare = clamp01(share)
	}

	if shift.PriorEndOdometer != nil {
		m.HasPrior = true
		m.OdometerGap = shift.StartOdometer - *shift.PriorEndOdometer
	}

	m.MaxIdenticalValues, m.LongestIdenticalRun = valuePatterns(shift.Rides)
	return m
}

func splitRevenue(rides []domain.Ride) (app, private decimal.Decimal) {
	for _, r := range rides {
		if r.Source == domain.RideSourcePrivate {
			private = private.Add(r.Value)
		} else {
			app = app.Add(r.Value)
		}
	}
	return app, private
}

// valuePatterns returns the size of the largest group of rides sharing one
// value and the longest run of consecutive rides (in time order) with equal values.
func valuePatterns(rides []domain.Ride) (maxGroup, longestRun int) {
	if len(rides) == 0 {
		return 0, 0
	}

	ordered := make([]domain.Ride, len(rides))
	copy(ordered, rides)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
	})

	groups := make(map[string]int, len(ordered))
	run := 0
	prev := ""
	for i, r := range ordered {
		key := r.Value.StringFixed(2)
		groups[key]++
		if groups[key] > maxGroup {
			maxGroup = groups[key]
		}
		if i > 0 && key == prev {
			run++
		} else {
			run = 1
		}
		if run > longestRun {
			longestRun = run
		}
		prev = key
	}
	return maxGroup, longestRun
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
