// Package audit computes the supplementary analytics shown next to a fraud
// event: time-of-day slots, ride gaps, the private-ride adjusted score and a
// pace class. Nothing here feeds back into the persisted risk score.
package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Pace is a coarse classification of a shift.
type Pace string

const (
	PaceGood Pace = "good"
	PacePoor Pace = "poor"
)

// Adjuster maps a raw risk score and the private-revenue share to the
// contextual score.
type Adjuster func(raw, privateShare float64) float64

// PrivateShareAdjuster discounts raw by privateShare × discount, so a shift
// made only of private rides keeps (1 − discount) of its score.
func PrivateShareAdjuster(discount float64) Adjuster {
	if discount < 0 {
		discount = 0
	}
	if discount > 1 {
		discount = 1
	}
	return func(raw, privateShare float64) float64 {
		share := min(max(privateShare, 0), 1)
		return raw * (1 - share*discount)
	}
}

// SlotStats summarizes the rides of one time-of-day slot.
type SlotStats struct {
	Name         string          `json:"name"`
	StartHour    int             `json:"startHour"`
	EndHour      int             `json:"endHour"`
	Rides        int             `json:"rides"`
	Revenue      decimal.Decimal `json:"revenue"`
	Hours        float64         `json:"hours"` // shift time spent inside the slot
	RidesPerHour float64         `json:"ridesPerHour"`
}

// GapAnalysis describes the longest idle interval between consecutive rides.
type GapAnalysis struct {
	MaxGapMinutes float64    `json:"maxGapMinutes"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	DuringPeak    bool       `json:"duringPeak"`
	Threshold     float64    `json:"thresholdMinutes"`
	Anomalous     bool       `json:"anomalous"`
}

// Report is the audit view of one shift.
type Report struct {
	ShiftID       string      `json:"shiftId"`
	Slots         []SlotStats `json:"slots"`
	Gap           GapAnalysis `json:"gap"`
	RawScore      float64     `json:"rawScore"`
	PrivateShare  float64     `json:"privateShare"`
	AdjustedScore float64     `json:"adjustedScore"`
	Pace          Pace        `json:"pace"`
}

// Calculator computes audit reports. It is safe for concurrent use.
type Calculator struct {
	slots       []domain.TimeSlot
	peaks       []domain.PeakWindow
	gap         float64
	peakGap     float64
	goodPaceMax float64
	adjust      Adjuster
	loc         *time.Location
}

// NewCalculator builds a calculator from cfg. Missing slots fall back to
// the default day partition.
func NewCalculator(cfg domain.AuditConfig) (*Calculator, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: audit timezone %q: %v", domain.ErrValidation, cfg.Timezone, err)
		}
		loc = l
	}

	slots := cfg.Slots
	if len(slots) == 0 {
		slots = domain.DefaultAuditSlots()
	}
	for _, s := range slots {
		if s.StartHour < 0 || s.EndHour > 24 || s.StartHour >= s.EndHour {
			return nil, fmt.Errorf("%w: audit slot %q has hours %d-%d", domain.ErrValidation, s.Name, s.StartHour, s.EndHour)
		}
	}

	peakGap := cfg.PeakGapThresholdMinutes
	if peakGap <= 0 {
		peakGap = cfg.GapThresholdMinutes
	}

	return &Calculator{
		slots:       slots,
		peaks:       cfg.Peaks,
		gap:         cfg.GapThresholdMinutes,
		peakGap:     peakGap,
		goodPaceMax: cfg.GoodPaceMaxScore,
		adjust:      PrivateShareAdjuster(cfg.PrivateDiscount),
		loc:         loc,
	}, nil
}

// WithAdjuster replaces the score adjustment function.
func (c *Calculator) WithAdjuster(fn Adjuster) *Calculator {
	c.adjust = fn
	return c
}

// Compute builds the audit report of shift given its metrics and raw risk score.
func (c *Calculator) Compute(shift *domain.ShiftRecord, metrics domain.DerivedMetrics, rawScore float64) *Report {
	adjusted := c.adjust(rawScore, metrics.PrivateShare)

	pace := PacePoor
	if adjusted <= c.goodPaceMax {
		pace = PaceGood
	}

	return &Report{
		ShiftID:       shift.ID,
		Slots:         c.Slots(shift),
		Gap:           c.Gaps(shift.Rides),
		RawScore:      rawScore,
		PrivateShare:  metrics.PrivateShare,
		AdjustedScore: adjusted,
		Pace:          pace,
	}
}

// Slots partitions the rides of shift into the configured time-of-day slots.
func (c *Calculator) Slots(shift *domain.ShiftRecord) []SlotStats {
	stats := make([]SlotStats, len(c.slots))
	for i, s := range c.slots {
		stats[i] = SlotStats{
			Name:      s.Name,
			StartHour: s.StartHour,
			EndHour:   s.EndHour,
			Revenue:   decimal.Zero,
			Hours:     c.overlapHours(shift.StartAt, shift.EndAt, s),
		}
	}

	for _, r := range shift.Rides {
		hour := r.OccurredAt.In(c.loc).Hour()
		for i, s := range c.slots {
			if hour >= s.StartHour && hour < s.EndHour {
				stats[i].Rides++
				stats[i].Revenue = stats[i].Revenue.Add(r.Value)
				break
			}
		}
	}

	for i := range stats {
		if stats[i].Hours > 0 {
			stats[i].RidesPerHour = float64(stats[i].Rides) / stats[i].Hours
		}
	}
	return stats
}

// overlapHours is the time between start and end that falls inside slot,
// summed over every calendar day the interval touches.
func (c *Calculator) overlapHours(start, end time.Time, slot domain.TimeSlot) float64 {
	if !end.After(start) {
		return 0
	}
	start, end = start.In(c.loc), end.In(c.loc)

	var total time.Duration
	y, m, d := start.Date()
	for day := time.Date(y, m, d, 0, 0, 0, 0, c.loc); day.Before(end); day = day.AddDate(0, 0, 1) {
		from := day.Add(time.Duration(slot.StartHour) * time.Hour)
		to := day.Add(time.Duration(slot.EndHour) * time.Hour)
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		if to.After(from) {
			total += to.Sub(from)
		}
	}
	return total.Hours()
}

// Gaps finds the longest interval between consecutive rides. The peak
// threshold applies when any part of that gap falls inside a peak window.
func (c *Calculator) Gaps(rides []domain.Ride) GapAnalysis {
	res := GapAnalysis{Threshold: c.gap}
	if len(rides) < 2 {
		return res
	}

	times := make([]time.Time, len(rides))
	for i, r := range rides {
		times[i] = r.OccurredAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	var from, to time.Time
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1]).Minutes()
		if gap > res.MaxGapMinutes {
			res.MaxGapMinutes = gap
			from, to = times[i-1], times[i]
		}
	}
	if res.MaxGapMinutes == 0 {
		return res
	}

	res.From, res.To = &from, &to
	res.DuringPeak = c.overlapsPeak(from, to)
	if res.DuringPeak {
		res.Threshold = c.peakGap
	}
	res.Anomalous = res.Threshold > 0 && res.MaxGapMinutes > res.Threshold
	return res
}

func (c *Calculator) overlapsPeak(from, to time.Time) bool {
	for _, p := range c.peaks {
		window := domain.TimeSlot{StartHour: p.StartHour, EndHour: p.EndHour}
		if c.overlapHours(from, to, window) > 0 {
			return true
		}
	}
	return false
}
