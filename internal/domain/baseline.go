package domain

import "time"

// DefaultMinBaselineSample is the smallest sample that makes a baseline usable.
const DefaultMinBaselineSample = 6

// DriverBaseline holds a driver's trailing averages over prior finalized shifts.
type DriverBaseline struct {
	DriverID          string    `json:"driverId"`
	WindowDays        int       `json:"windowDays"`
	AsOf              time.Time `json:"asOf"`
	SampleSize        int       `json:"sampleSize"`
	MinSampleSize     int       `json:"minSampleSize"`
	AvgRevenuePerKm   float64   `json:"avgRevenuePerKm"`
	AvgRevenuePerHour float64   `json:"avgRevenuePerHour"`
	AvgRidesPerHour   float64   `json:"avgRidesPerHour"`
	AvgTicket         float64   `json:"avgTicket"`
}

// Usable reports whether the sample is large enough for deviation rules.
// A MinSampleSize below DefaultMinBaselineSample never lowers the bar.
func (b *DriverBaseline) Usable() bool {
	if b == nil {
		return false
	}
	return b.SampleSize >= max(b.MinSampleSize, DefaultMinBaselineSample)
}

// Vars exposes the averages to rule predicates.
func (b *DriverBaseline) Vars() map[string]float64 {
	if b == nil {
		return map[string]float64{
			"sample_size":          0,
			"avg_revenue_per_km":   0,
			"avg_revenue_per_hour": 0,
			"avg_rides_per_hour":   0,
			"avg_ticket":           0,
		}
	}
	return map[string]float64{
		"sample_size":          float64(b.SampleSize),
		"avg_revenue_per_km":   b.AvgRevenuePerKm,
		"avg_revenue_per_hour": b.AvgRevenuePerHour,
		"avg_rides_per_hour":   b.AvgRidesPerHour,
		"avg_ticket":           b.AvgTicket,
	}
}
