package reporting

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

type fixture struct {
	repo  *repository.MemoryRepository
	svc   *Service
	today time.Time
	n     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	calc, err := audit.NewCalculator(domain.DefaultConfig().Audit)
	require.NoError(t, err)

	clock := clockz.NewFakeClock()
	y, m, d := clock.Now().UTC().Date()
	repo := repository.NewMemory()
	return &fixture{
		repo:  repo,
		svc:   NewService(repo, calc).WithClock(clock),
		today: time.Date(y, m, d, 9, 0, 0, 0, time.UTC),
	}
}

// event stores a shift started daysAgo days before today and an event for it.
func (f *fixture) event(t *testing.T, driver string, daysAgo int, status domain.Status, score float64) *domain.FraudEvent {
	t.Helper()
	f.n++
	start := f.today.AddDate(0, 0, -daysAgo)
	shift := &domain.ShiftRecord{
		ID:            fmt.Sprintf("shift-%03d", f.n),
		DriverID:      driver,
		VehicleID:     "vehicle-" + driver,
		StartAt:       start,
		EndAt:         start.Add(8 * time.Hour),
		StartOdometer: 1000,
		EndOdometer:   1200,
		GrossRevenue:  decimal.NewFromInt(480),
		RideCount:     2,
		Rides: []domain.Ride{
			{ID: "r1", Source: domain.RideSourceApp, Value: decimal.NewFromInt(240), OccurredAt: start.Add(time.Hour)},
			{ID: "r2", Source: domain.RideSourcePrivate, Value: decimal.NewFromInt(240), OccurredAt: start.Add(3 * time.Hour)},
		},
		Finalized: true,
	}
	require.NoError(t, f.repo.SaveShift(context.Background(), shift))

	level := domain.RiskNormal
	switch {
	case score >= 50:
		level = domain.RiskCritical
	case score >= 20:
		level = domain.RiskSuspect
	}
	ev := &domain.FraudEvent{
		ID:         fmt.Sprintf("event-%03d", f.n),
		ShiftID:    shift.ID,
		DriverID:   driver,
		ShiftStart: start,
		Status:     status,
		RiskScore:  score,
		RiskLevel:  level,
		DetectedAt: f.today,
		UpdatedAt:  f.today,
	}
	require.NoError(t, f.repo.CreateEvent(context.Background(), ev))
	return ev
}

func TestListEventsPaging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		f.event(t, "d1", i%10, domain.StatusPending, 20)
	}
	for i := 0; i < 15; i++ {
		f.event(t, "d2", i%10, domain.StatusInReview, 30)
	}
	for i := 0; i < 15; i++ {
		f.event(t, "d3", i%10, domain.StatusConfirmed, 40)
	}

	statuses, err := domain.ParseStatusList("pendente,em_analise")
	require.NoError(t, err)

	page, err := f.svc.ListEvents(context.Background(), domain.EventFilter{Statuses: statuses, Limit: 30})
	require.NoError(t, err)

	assert.Len(t, page.Data, 30)
	assert.Equal(t, 35, page.Meta.Total)
	assert.Equal(t, 2, page.Meta.TotalPages)
	assert.Equal(t, 1, page.Meta.Page)
	for _, ev := range page.Data {
		assert.Contains(t, []domain.Status{domain.StatusPending, domain.StatusInReview}, ev.Status)
	}

	second, err := f.svc.ListEvents(context.Background(), domain.EventFilter{Statuses: statuses, Limit: 30, Page: 2})
	require.NoError(t, err)
	assert.Len(t, second.Data, 5)
	assert.Equal(t, 35, second.Meta.Total)

	t.Run("Defaults", func(t *testing.T) {
		page, err := f.svc.ListEvents(context.Background(), domain.EventFilter{})
		require.NoError(t, err)
		assert.Len(t, page.Data, domain.DefaultPageLimit)
		assert.Equal(t, 50, page.Meta.Total)

		page, err = f.svc.ListEvents(context.Background(), domain.EventFilter{Limit: 1000})
		require.NoError(t, err)
		assert.Equal(t, domain.MaxPageLimit, page.Meta.Limit)
	})

	t.Run("DriverAndRange", func(t *testing.T) {
		page, err := f.svc.ListEvents(context.Background(), domain.EventFilter{
			DriverID: "d3",
			Range:    domain.DateRange{From: f.today.AddDate(0, 0, -1)},
		})
		require.NoError(t, err)
		for _, ev := range page.Data {
			assert.Equal(t, "d3", ev.DriverID)
		}
		// Four of d3's shifts started today or yesterday.
		assert.Equal(t, 4, page.Meta.Total)
	})

	t.Run("Empty", func(t *testing.T) {
		page, err := f.svc.ListEvents(context.Background(), domain.EventFilter{DriverID: "nobody"})
		require.NoError(t, err)
		assert.NotNil(t, page.Data)
		assert.Equal(t, 0, page.Meta.Total)
		assert.Equal(t, 0, page.Meta.TotalPages)
	})
}

func TestDetail(t *testing.T) {
	f := newFixture(t)
	ev := f.event(t, "d1", 1, domain.StatusPending, 40)

	d, err := f.svc.Detail(context.Background(), ev.ID)
	require.NoError(t, err)

	assert.Equal(t, ev.ID, d.Event.ID)
	assert.Equal(t, ev.ShiftID, d.Shift.ID)
	assert.Equal(t, 200.0, d.Metrics.KmTotal)
	require.NotNil(t, d.Audit)
	assert.Equal(t, 40.0, d.Audit.RawScore)
	assert.InDelta(t, 0.5, d.Audit.PrivateShare, 1e-9)
	assert.InDelta(t, 30.0, d.Audit.AdjustedScore, 1e-9)
	assert.InDelta(t, 120.0, d.Audit.Gap.MaxGapMinutes, 1e-9)
	assert.NotNil(t, d.Trail)

	_, err = f.svc.Detail(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	f.event(t, "d1", 1, domain.StatusPending, 60)
	f.event(t, "d1", 2, domain.StatusConfirmed, 40)
	f.event(t, "d2", 1, domain.StatusInReview, 20)
	old := f.event(t, "d3", 3, domain.StatusDismissed, 80)

	// A superseding event replaces the dismissed one in aggregates.
	f.event(t, "d3", 3, domain.StatusPending, 10)
	require.NoError(t, f.repo.CreateEvent(context.Background(), &domain.FraudEvent{
		ID: "event-repl", ShiftID: old.ShiftID, DriverID: "d3", ShiftStart: old.ShiftStart,
		Status: domain.StatusPending, RiskScore: 10, RiskLevel: domain.RiskNormal,
		DetectedAt: f.today, UpdatedAt: f.today, SupersedesID: old.ID,
	}))

	d, err := f.svc.Dashboard(context.Background(), domain.DateRange{})
	require.NoError(t, err)

	// Current events score 60, 40, 20, 10 and 10 (the replacement).
	assert.InDelta(t, 28.0, d.OverallRiskScore, 1e-9)
	assert.Equal(t, 4, d.ActiveAlerts)
	assert.Equal(t, 5, d.ProcessedShifts)
	assert.Equal(t, 1, d.HighRiskDrivers)
	assert.Equal(t, 1, d.EventsByStatus[string(domain.StatusConfirmed)])
	assert.Zero(t, d.EventsByStatus[string(domain.StatusDismissed)])

	ranged, err := f.svc.Dashboard(context.Background(), domain.DateRange{From: f.today.AddDate(0, 0, -1)})
	require.NoError(t, err)
	assert.Equal(t, 2, ranged.ActiveAlerts)
	assert.Equal(t, 2, ranged.ProcessedShifts)
}

func TestHeatmap(t *testing.T) {
	f := newFixture(t)
	f.event(t, "d1", 0, domain.StatusPending, 20)
	f.event(t, "d2", 0, domain.StatusPending, 60)
	f.event(t, "d1", 2, domain.StatusConfirmed, 40)
	f.event(t, "d1", 10, domain.StatusConfirmed, 40)

	days, err := f.svc.Heatmap(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, days, 7)

	assert.Equal(t, f.today.Format(time.DateOnly), days[6].Date)
	assert.Equal(t, 2, days[6].Count)
	assert.InDelta(t, 40.0, days[6].AvgScore, 1e-9)
	assert.Equal(t, 60.0, days[6].MaxScore)

	assert.Equal(t, 1, days[4].Count)
	assert.Equal(t, 0, days[5].Count)

	total := 0
	for _, d := range days {
		total += d.Count
	}
	assert.Equal(t, 3, total, "events outside the window are left out")

	_, err = f.svc.Heatmap(context.Background(), 5000)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	def, err := f.svc.Heatmap(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, def, DefaultHeatmapDays)
}

func TestTopDrivers(t *testing.T) {
	f := newFixture(t)
	f.event(t, "d1", 1, domain.StatusPending, 60)
	f.event(t, "d1", 2, domain.StatusConfirmed, 20)
	f.event(t, "d2", 1, domain.StatusPending, 40)
	f.event(t, "d3", 1, domain.StatusPending, 40)
	f.event(t, "d3", 2, domain.StatusPending, 40)
	f.event(t, "d4", 1, domain.StatusPending, 5)

	ranked, err := f.svc.TopDrivers(context.Background(), domain.DateRange{}, 3)
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	// d1, d2 and d3 average 40; d1 has a critical event.
	assert.Equal(t, "d1", ranked[0].DriverID)
	assert.Equal(t, 1, ranked[0].CriticalEvents)
	assert.Equal(t, 60.0, ranked[0].MaxScore)
	assert.Equal(t, "d2", ranked[1].DriverID)
	assert.Equal(t, "d3", ranked[2].DriverID)
	assert.Equal(t, 2, ranked[2].ActiveEvents)
}
