package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var day0 = time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC)

func testShift(id, driver, vehicle string, start time.Time, startOdo, endOdo float64, gross string) *domain.ShiftRecord {
	return &domain.ShiftRecord{
		ID:            id,
		DriverID:      driver,
		VehicleID:     vehicle,
		StartAt:       start,
		EndAt:         start.Add(8 * time.Hour),
		StartOdometer: startOdo,
		EndOdometer:   endOdo,
		GrossRevenue:  decimal.RequireFromString(gross),
		RideCount:     10,
		Finalized:     true,
	}
}

func testEvent(id, shiftID, driver string, shiftStart time.Time, status domain.Status) *domain.FraudEvent {
	return &domain.FraudEvent{
		ID:          id,
		ShiftID:     shiftID,
		DriverID:    driver,
		ShiftStart:  shiftStart,
		Status:      status,
		RiskScore:   40,
		RiskLevel:   domain.RiskSuspect,
		RuleMatches: []domain.RuleMatch{{Code: "R1", Severity: domain.SeverityCritical, Score: 40, Values: map[string]float64{"m.km_total": 0}}},
		DetectedAt:  shiftStart.Add(9 * time.Hour),
		UpdatedAt:   shiftStart.Add(9 * time.Hour),
	}
}

// runRepositoryContract exercises every store operation against repo.
func runRepositoryContract(t *testing.T, repo domain.Repository) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetShift", func(t *testing.T) {
		shift := testShift("shift-001", "driver-001", "car-001", day0, 1000, 1180, "432.10")
		shift.Rides = []domain.Ride{
			{ID: "ride-2", Source: domain.RideSourcePrivate, Value: decimal.RequireFromString("25.50"), OccurredAt: day0.Add(2 * time.Hour)},
			{ID: "ride-1", Source: domain.RideSourceApp, Value: decimal.RequireFromString("18.00"), OccurredAt: day0.Add(time.Hour)},
		}
		if err := repo.SaveShift(ctx, shift); err != nil {
			t.Fatalf("SaveShift failed: %v", err)
		}

		got, err := repo.GetShift(ctx, "shift-001")
		if err != nil {
			t.Fatalf("GetShift failed: %v", err)
		}
		if !got.GrossRevenue.Equal(decimal.RequireFromString("432.10")) {
			t.Errorf("expected gross 432.10, got %s", got.GrossRevenue)
		}
		if !got.StartAt.Equal(day0) {
			t.Errorf("expected start %v, got %v", day0, got.StartAt)
		}
		if len(got.Rides) != 2 || got.Rides[0].ID != "ride-1" {
			t.Fatalf("expected rides in time order, got %+v", got.Rides)
		}
		if got.Rides[1].Source != domain.RideSourcePrivate {
			t.Errorf("expected private ride, got %s", got.Rides[1].Source)
		}
		if got.PriorEndOdometer != nil {
			t.Errorf("expected no prior shift, got %v", *got.PriorEndOdometer)
		}
	})

	t.Run("PriorOdometer", func(t *testing.T) {
		next := testShift("shift-002", "driver-002", "car-001", day0.Add(24*time.Hour), 1175, 1300, "300")
		if err := repo.SaveShift(ctx, next); err != nil {
			t.Fatalf("SaveShift failed: %v", err)
		}

		got, err := repo.GetShift(ctx, "shift-002")
		if err != nil {
			t.Fatalf("GetShift failed: %v", err)
		}
		if got.PriorEndOdometer == nil || *got.PriorEndOdometer != 1180 {
			t.Errorf("expected prior end odometer 1180, got %v", got.PriorEndOdometer)
		}
	})

	t.Run("ShiftNotFound", func(t *testing.T) {
		_, err := repo.GetShift(ctx, "nonexistent")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("ListDriverShifts", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			s := testShift(fmt.Sprintf("hist-%d", i), "driver-hist", "car-hist", day0.AddDate(0, 0, i), 0, 100, "250")
			s.Finalized = i != 3
			if err := repo.SaveShift(ctx, s); err != nil {
				t.Fatalf("SaveShift failed: %v", err)
			}
		}

		shifts, err := repo.ListDriverShifts(ctx, "driver-hist", domain.DateRange{From: day0.AddDate(0, 0, 1), To: day0.AddDate(0, 0, 10)})
		if err != nil {
			t.Fatalf("ListDriverShifts failed: %v", err)
		}
		if len(shifts) != 2 {
			t.Fatalf("expected 2 finalized shifts in window, got %d", len(shifts))
		}
		if shifts[0].ID != "hist-1" || shifts[1].ID != "hist-2" {
			t.Errorf("unexpected order: %s, %s", shifts[0].ID, shifts[1].ID)
		}
	})

	t.Run("FinalizedEnumeration", func(t *testing.T) {
		rg := domain.DateRange{From: day0, To: day0.AddDate(0, 0, 2)}

		ids, err := repo.ListFinalizedShiftIDs(ctx, rg)
		if err != nil {
			t.Fatalf("ListFinalizedShiftIDs failed: %v", err)
		}
		n, err := repo.CountFinalizedShifts(ctx, rg)
		if err != nil {
			t.Fatalf("CountFinalizedShifts failed: %v", err)
		}
		// shift-001, hist-0 on day 0; shift-002, hist-1 on day 1
		if len(ids) != 4 || n != 4 {
			t.Errorf("expected 4 shifts, got ids=%v count=%d", ids, n)
		}
	})

	t.Run("EventLifecycle", func(t *testing.T) {
		ev := testEvent("event-001", "shift-001", "driver-001", day0, domain.StatusPending)
		if err := repo.CreateEvent(ctx, ev); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}

		latest, err := repo.LatestEventForShift(ctx, "shift-001")
		if err != nil {
			t.Fatalf("LatestEventForShift failed: %v", err)
		}
		if latest.ID != "event-001" || len(latest.RuleMatches) != 1 {
			t.Errorf("unexpected latest event: %+v", latest)
		}

		refreshed := *latest
		refreshed.RiskScore = 60
		refreshed.RiskLevel = domain.RiskCritical
		refreshed.UpdatedAt = day0.Add(10 * time.Hour)
		if err := repo.ReplaceSnapshot(ctx, &refreshed, domain.StatusPending); err != nil {
			t.Fatalf("ReplaceSnapshot failed: %v", err)
		}
		if err := repo.ReplaceSnapshot(ctx, &refreshed, domain.StatusInReview); !errors.Is(err, domain.ErrStaleStatus) {
			t.Errorf("expected ErrStaleStatus for wrong expected status, got %v", err)
		}

		change := &domain.StatusChange{
			ID:        "change-001",
			EventID:   "event-001",
			From:      domain.StatusPending,
			To:        domain.StatusConfirmed,
			Comment:   "odometer photo does not match",
			Actor:     "admin",
			ChangedAt: day0.Add(11 * time.Hour),
		}
		if err := repo.TransitionStatus(ctx, change); err != nil {
			t.Fatalf("TransitionStatus failed: %v", err)
		}

		got, err := repo.GetEvent(ctx, "event-001")
		if err != nil {
			t.Fatalf("GetEvent failed: %v", err)
		}
		if got.Status != domain.StatusConfirmed || got.Comment != change.Comment {
			t.Errorf("transition not applied: %+v", got)
		}
		if got.RiskScore != 60 || !got.UpdatedAt.Equal(change.ChangedAt) {
			t.Errorf("unexpected snapshot: score=%v updated=%v", got.RiskScore, got.UpdatedAt)
		}

		stale := *change
		stale.ID = "change-002"
		stale.To = domain.StatusDismissed
		if err := repo.TransitionStatus(ctx, &stale); !errors.Is(err, domain.ErrStaleStatus) {
			t.Errorf("expected ErrStaleStatus, got %v", err)
		}

		trail, err := repo.ListStatusChanges(ctx, "event-001")
		if err != nil {
			t.Fatalf("ListStatusChanges failed: %v", err)
		}
		if len(trail) != 1 || trail[0].To != domain.StatusConfirmed || trail[0].Actor != "admin" {
			t.Errorf("unexpected trail: %+v", trail)
		}
	})

	t.Run("SupersedeChain", func(t *testing.T) {
		next := testEvent("event-002", "shift-001", "driver-001", day0, domain.StatusPending)
		next.SupersedesID = "event-001"
		next.DetectedAt = day0.Add(9 * time.Hour)
		if err := repo.CreateEvent(ctx, next); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}

		latest, err := repo.LatestEventForShift(ctx, "shift-001")
		if err != nil {
			t.Fatalf("LatestEventForShift failed: %v", err)
		}
		if latest.ID != "event-002" {
			t.Errorf("expected chain head event-002, got %s", latest.ID)
		}

		root := testEvent("event-003", "shift-001", "driver-001", day0, domain.StatusPending)
		if err := repo.CreateEvent(ctx, root); !errors.Is(err, domain.ErrEventExists) {
			t.Errorf("second root event for a shift: expected ErrEventExists, got %v", err)
		}

		fork := testEvent("event-004", "shift-001", "driver-001", day0, domain.StatusPending)
		fork.SupersedesID = "event-001"
		if err := repo.CreateEvent(ctx, fork); !errors.Is(err, domain.ErrEventExists) {
			t.Errorf("second successor of an event: expected ErrEventExists, got %v", err)
		}

		latest, err = repo.LatestEventForShift(ctx, "shift-001")
		if err != nil || latest.ID != "event-002" {
			t.Errorf("rejected events changed the chain head: %v %v", latest, err)
		}
	})

	t.Run("EventNotFound", func(t *testing.T) {
		if _, err := repo.GetEvent(ctx, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.LatestEventForShift(ctx, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		change := &domain.StatusChange{ID: "x", EventID: "nonexistent", From: domain.StatusPending, To: domain.StatusBlocked, ChangedAt: day0}
		if err := repo.TransitionStatus(ctx, change); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListEvents", func(t *testing.T) {
		statuses := []domain.Status{domain.StatusPending, domain.StatusInReview, domain.StatusDismissed}
		for i := 0; i < 45; i++ {
			ev := testEvent(fmt.Sprintf("list-%02d", i), fmt.Sprintf("list-shift-%02d", i), "driver-list",
				day0.Add(time.Duration(i)*time.Hour), statuses[i%3])
			if err := repo.CreateEvent(ctx, ev); err != nil {
				t.Fatalf("CreateEvent failed: %v", err)
			}
		}

		filter := domain.EventFilter{
			DriverID: "driver-list",
			Statuses: []domain.Status{domain.StatusPending, domain.StatusInReview},
			Page:     1,
			Limit:    20,
		}
		page, total, err := repo.ListEvents(ctx, filter)
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if total != 30 {
			t.Errorf("expected total 30, got %d", total)
		}
		if len(page) != 20 {
			t.Errorf("expected 20 events, got %d", len(page))
		}
		for _, ev := range page {
			if ev.Status != domain.StatusPending && ev.Status != domain.StatusInReview {
				t.Errorf("unexpected status %s", ev.Status)
			}
		}
		if !page[0].ShiftStart.After(page[1].ShiftStart) {
			t.Error("expected newest shift first")
		}

		filter.Page = 2
		page, total, _ = repo.ListEvents(ctx, filter)
		if len(page) != 10 || total != 30 {
			t.Errorf("expected 10 of 30 on page 2, got %d of %d", len(page), total)
		}

		ranged := domain.EventFilter{DriverID: "driver-list", Range: domain.DateRange{From: day0, To: day0.Add(3 * time.Hour)}}
		all, total, _ := repo.ListEvents(ctx, ranged)
		if len(all) != 3 || total != 3 {
			t.Errorf("expected 3 events in range, got %d (total %d)", len(all), total)
		}
	})

	t.Run("Jobs", func(t *testing.T) {
		if _, err := repo.LatestJob(ctx); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound before any job, got %v", err)
		}

		job := &domain.ReprocessJob{
			ID:        "job-001",
			IsRunning: true,
			Total:     12,
			StartTime: day0,
			Range:     domain.DateRange{From: day0.AddDate(0, 0, -7)},
		}
		if err := repo.SaveJob(ctx, job); err != nil {
			t.Fatalf("SaveJob failed: %v", err)
		}

		done := day0.Add(time.Minute)
		ms := int64(60000)
		job.IsRunning = false
		job.Processed = 12
		job.Errors = 1
		job.CompletedAt = &done
		job.Duration = &ms
		if err := repo.SaveJob(ctx, job); err != nil {
			t.Fatalf("SaveJob update failed: %v", err)
		}

		got, err := repo.LatestJob(ctx)
		if err != nil {
			t.Fatalf("LatestJob failed: %v", err)
		}
		if got.IsRunning || got.Processed != 12 || got.Errors != 1 {
			t.Errorf("unexpected job: %+v", got)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) || got.Duration == nil || *got.Duration != ms {
			t.Errorf("unexpected completion: %+v", got)
		}
		if !got.Range.From.Equal(job.Range.From) || !got.Range.To.IsZero() {
			t.Errorf("unexpected range: %+v", got.Range)
		}
	})

	t.Run("Failures", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			f := &domain.JobFailure{JobID: "job-001", ShiftID: fmt.Sprintf("bad-%d", i), Message: "boom", OccurredAt: day0.Add(time.Duration(i) * time.Second)}
			if err := repo.RecordFailure(ctx, f); err != nil {
				t.Fatalf("RecordFailure failed: %v", err)
			}
		}

		failures, err := repo.ListFailures(ctx, "job-001", 2)
		if err != nil {
			t.Fatalf("ListFailures failed: %v", err)
		}
		if len(failures) != 2 || failures[0].ShiftID != "bad-0" {
			t.Errorf("unexpected failures: %+v", failures)
		}

		none, _ := repo.ListFailures(ctx, "job-404", 0)
		if len(none) != 0 {
			t.Errorf("expected no failures, got %d", len(none))
		}
	})
}
