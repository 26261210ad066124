package domain

// DerivedMetrics are the normalized figures of one shift.
// They are recomputed for every evaluation and never persisted.
type DerivedMetrics struct {
	GrossRevenue   float64 `json:"grossRevenue"`
	KmTotal        float64 `json:"kmTotal"`
	DurationHours  float64 `json:"durationHours"`
	RideCount      int     `json:"rideCount"`
	RevenuePerKm   float64 `json:"revenuePerKm"`
	RevenuePerHour float64 `json:"revenuePerHour"`
	RidesPerHour   float64 `json:"ridesPerHour"`
	TicketAverage  float64 `json:"ticketAverage"`
	AppRevenue     float64 `json:"appRevenue"`
	PrivateRevenue float64 `json:"privateRevenue"`
	PrivateShare   float64 `json:"privateShare"`

	// ValidDuration is false when end <= start.
	ValidDuration bool `json:"validDuration"`

	// Odometer continuity against the vehicle's previous shift.
	HasPrior    bool    `json:"hasPrior"`
	OdometerGap float64 `json:"odometerGap"` // start odometer minus prior end odometer

	// Ride value patterns.
	MaxIdenticalValues  int `json:"maxIdenticalValues"`  // largest group of rides sharing one value
	LongestIdenticalRun int `json:"longestIdenticalRun"` // longest run of consecutive equal values
}

// Vars exposes the metrics as the numeric variable map seen by rule predicates.
func (m DerivedMetrics) Vars() map[string]float64 {
	return map[string]float64{
		"gross_revenue":         m.GrossRevenue,
		"km_total":              m.KmTotal,
		"duration_hours":        m.DurationHours,
		"ride_count":            float64(m.RideCount),
		"revenue_per_km":        m.RevenuePerKm,
		"revenue_per_hour":      m.RevenuePerHour,
		"rides_per_hour":        m.RidesPerHour,
		"ticket_average":        m.TicketAverage,
		"app_revenue":           m.AppRevenue,
		"private_revenue":       m.PrivateRevenue,
		"private_share":         m.PrivateShare,
		"odometer_gap":          m.OdometerGap,
		"max_identical_values":  float64(m.MaxIdenticalValues),
		"longest_identical_run": float64(m.LongestIdenticalRun),
	}
}
