// Package reporting builds the read-only views over fraud events: listings,
// event detail, the dashboard, the daily heatmap and the driver ranking.
package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/shiftmetrics"
)

// Limits of the aggregate views.
const (
	DefaultHeatmapDays = 30
	MaxHeatmapDays     = 366
	DefaultTopDrivers  = 10
	MaxTopDrivers      = 100
)

// Store is the persistence reporting reads from.
type Store interface {
	GetShift(ctx context.Context, shiftID string) (*domain.ShiftRecord, error)
	CountFinalizedShifts(ctx context.Context, r domain.DateRange) (int, error)
	GetEvent(ctx context.Context, eventID string) (*domain.FraudEvent, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.FraudEvent, int, error)
	ListStatusChanges(ctx context.Context, eventID string) ([]*domain.StatusChange, error)
}

// Dashboard is the headline aggregate over a date range.
type Dashboard struct {
	OverallRiskScore float64          `json:"overallRiskScore"`
	ActiveAlerts     int              `json:"activeAlerts"`
	ProcessedShifts  int              `json:"processedShifts"`
	HighRiskDrivers  int              `json:"highRiskDrivers"`
	EventsByStatus   map[string]int   `json:"eventsByStatus"`
	EventsByLevel    map[string]int   `json:"eventsByLevel"`
	Range            domain.DateRange `json:"range"`
}

// HeatmapDay is one day of the alert time series.
type HeatmapDay struct {
	Date     string  `json:"date"` // YYYY-MM-DD
	Count    int     `json:"count"`
	AvgScore float64 `json:"avgScore"`
	MaxScore float64 `json:"maxScore"`
}

// DriverRisk is one row of the driver ranking.
type DriverRisk struct {
	DriverID       string  `json:"driverId"`
	Events         int     `json:"events"`
	AvgScore       float64 `json:"avgScore"`
	MaxScore       float64 `json:"maxScore"`
	CriticalEvents int     `json:"criticalEvents"`
	ActiveEvents   int     `json:"activeEvents"`
}

// EventDetail is an event with what an auditor needs to judge it.
type EventDetail struct {
	Event   *domain.FraudEvent     `json:"event"`
	Shift   *domain.ShiftRecord    `json:"shift"`
	Metrics domain.DerivedMetrics  `json:"metrics"`
	Audit   *audit.Report          `json:"audit"`
	Trail   []*domain.StatusChange `json:"trail"`
}

// Service computes the reporting views.
type Service struct {
	store Store
	audit *audit.Calculator
	clock clockz.Clock
}

// NewService creates a reporting service.
func NewService(store Store, calc *audit.Calculator) *Service {
	return &Service{
		store: store,
		audit: calc,
		clock: clockz.RealClock,
	}
}

// WithClock sets the clock that anchors the heatmap window.
func (s *Service) WithClock(clock clockz.Clock) *Service {
	s.clock = clock
	return s
}

// ListEvents returns one page of events. Page and limit are normalized to
// the allowed bounds.
func (s *Service) ListEvents(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = domain.DefaultPageLimit
	}
	if filter.Limit > domain.MaxPageLimit {
		filter.Limit = domain.MaxPageLimit
	}

	events, total, err := s.store.ListEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if events == nil {
		events = []*domain.FraudEvent{}
	}
	return &domain.EventPage{
		Data: events,
		Meta: domain.NewPageMeta(total, filter.Page, filter.Limit),
	}, nil
}

// Detail returns an event with its shift, metrics, audit report and trail.
func (s *Service) Detail(ctx context.Context, eventID string) (*EventDetail, error) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	shift, err := s.store.GetShift(ctx, ev.ShiftID)
	if err != nil {
		return nil, fmt.Errorf("shift of event %s: %w", eventID, err)
	}
	trail, err := s.store.ListStatusChanges(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("trail of event %s: %w", eventID, err)
	}
	if trail == nil {
		trail = []*domain.StatusChange{}
	}

	metrics := shiftmetrics.Derive(shift)
	return &EventDetail{
		Event:   ev,
		Shift:   shift,
		Metrics: metrics,
		Audit:   s.audit.Compute(shift, metrics, ev.RiskScore),
		Trail:   trail,
	}, nil
}

// Dashboard aggregates the events and shifts that started within r.
func (s *Service) Dashboard(ctx context.Context, r domain.DateRange) (*Dashboard, error) {
	events, err := s.current(ctx, r)
	if err != nil {
		return nil, err
	}
	processed, err := s.store.CountFinalizedShifts(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to count shifts: %w", err)
	}

	d := &Dashboard{
		ProcessedShifts: processed,
		EventsByStatus:  make(map[string]int),
		EventsByLevel:   make(map[string]int),
		Range:           r,
	}

	highRisk := make(map[string]bool)
	var sum float64
	for _, ev := range events {
		sum += ev.RiskScore
		d.EventsByStatus[string(ev.Status)]++
		d.EventsByLevel[string(ev.RiskLevel)]++
		if !ev.Status.Terminal() {
			d.ActiveAlerts++
		}
		if ev.RiskLevel == domain.RiskCritical {
			highRisk[ev.DriverID] = true
		}
	}
	if len(events) > 0 {
		d.OverallRiskScore = sum / float64(len(events))
	}
	d.HighRiskDrivers = len(highRisk)
	return d, nil
}

// Heatmap returns per-day event counts and scores for the last days days,
// today included, oldest first. Days without events are present with zeros.
func (s *Service) Heatmap(ctx context.Context, days int) ([]HeatmapDay, error) {
	if days <= 0 {
		days = DefaultHeatmapDays
	}
	if days > MaxHeatmapDays {
		return nil, fmt.Errorf("%w: heatmap is limited to %d days", domain.ErrValidation, MaxHeatmapDays)
	}

	y, m, d := s.clock.Now().UTC().Date()
	tomorrow := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	from := tomorrow.AddDate(0, 0, -days)

	events, err := s.current(ctx, domain.DateRange{From: from, To: tomorrow})
	if err != nil {
		return nil, err
	}

	out := make([]HeatmapDay, days)
	index := make(map[string]int, days)
	for i := range out {
		key := from.AddDate(0, 0, i).Format(time.DateOnly)
		out[i].Date = key
		index[key] = i
	}

	for _, ev := range events {
		i, ok := index[ev.ShiftStart.UTC().Format(time.DateOnly)]
		if !ok {
			continue
		}
		out[i].Count++
		out[i].AvgScore += ev.RiskScore
		if ev.RiskScore > out[i].MaxScore {
			out[i].MaxScore = ev.RiskScore
		}
	}
	for i := range out {
		if out[i].Count > 0 {
			out[i].AvgScore /= float64(out[i].Count)
		}
	}
	return out, nil
}

// TopDrivers ranks drivers by average event score, then by critical events.
func (s *Service) TopDrivers(ctx context.Context, r domain.DateRange, limit int) ([]DriverRisk, error) {
	if limit <= 0 {
		limit = DefaultTopDrivers
	}
	if limit > MaxTopDrivers {
		limit = MaxTopDrivers
	}

	events, err := s.current(ctx, r)
	if err != nil {
		return nil, err
	}

	byDriver := make(map[string]*DriverRisk)
	for _, ev := range events {
		dr, ok := byDriver[ev.DriverID]
		if !ok {
			dr = &DriverRisk{DriverID: ev.DriverID}
			byDriver[ev.DriverID] = dr
		}
		dr.Events++
		dr.AvgScore += ev.RiskScore
		if ev.RiskScore > dr.MaxScore {
			dr.MaxScore = ev.RiskScore
		}
		if ev.RiskLevel == domain.RiskCritical {
			dr.CriticalEvents++
		}
		if !ev.Status.Terminal() {
			dr.ActiveEvents++
		}
	}

	ranked := make([]DriverRisk, 0, len(byDriver))
	for _, dr := range byDriver {
		dr.AvgScore /= float64(dr.Events)
		ranked = append(ranked, *dr)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.AvgScore != b.AvgScore {
			return a.AvgScore > b.AvgScore
		}
		if a.CriticalEvents != b.CriticalEvents {
			return a.CriticalEvents > b.CriticalEvents
		}
		return a.DriverID < b.DriverID
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// current returns the events of shifts started within r, leaving out events
// that a newer event supersedes.
func (s *Service) current(ctx context.Context, r domain.DateRange) ([]*domain.FraudEvent, error) {
	events, _, err := s.store.ListEvents(ctx, domain.EventFilter{Range: r})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	superseded := make(map[string]bool)
	for _, ev := range events {
		if ev.SupersedesID != "" {
			superseded[ev.SupersedesID] = true
		}
	}

	out := events[:0]
	for _, ev := range events {
		if !superseded[ev.ID] {
			out = append(out, ev)
		}
	}
	return out, nil
}
