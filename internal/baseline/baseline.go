// Package baseline computes a driver's trailing historical averages.
package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/shiftmetrics"
)

// Service computes driver baselines from prior finalized shifts.
type Service struct {
	shifts     domain.ShiftStore
	cache      domain.Cache
	windowDays int
	minSample  int
	ttl        time.Duration
}

// Options tune the baseline window and caching.
type Options struct {
	WindowDays int
	MinSample  int
	CacheTTL   time.Duration
}

// NewService creates a baseline service. cache may be nil.
func NewService(shifts domain.ShiftStore, cache domain.Cache, opts Options) *Service {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 30
	}
	if opts.MinSample < domain.DefaultMinBaselineSample {
		opts.MinSample = domain.DefaultMinBaselineSample
	}
	return &Service{
		shifts:     shifts,
		cache:      cache,
		windowDays: opts.WindowDays,
		minSample:  opts.MinSample,
		ttl:        opts.CacheTTL,
	}
}

// ForShift returns the baseline of the shift's driver as of the shift start,
// excluding the shift itself.
func (s *Service) ForShift(ctx context.Context, shift *domain.ShiftRecord) (*domain.DriverBaseline, error) {
	return s.Compute(ctx, shift.DriverID, shift.StartAt, shift.ID)
}

// Compute averages the derived metrics of the driver's finalized shifts that
// started in [asOf - window, asOf). Shifts without a positive duration and
// distance carry no usable ratios and are left out of the sample.
func (s *Service) Compute(ctx context.Context, driverID string, asOf time.Time, excludeShiftID string) (*domain.DriverBaseline, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driverID is required", domain.ErrValidation)
	}

	asOf = asOf.UTC()
	key := s.cacheKey(driverID, asOf, excludeShiftID)
	if cached := s.fromCache(ctx, key); cached != nil {
		return cached, nil
	}

	window := domain.DateRange{
		From: asOf.AddDate(0, 0, -s.windowDays),
		To:   asOf,
	}
	prior, err := s.shifts.ListDriverShifts(ctx, driverID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to load shifts for baseline: %w", err)
	}

	b := &domain.DriverBaseline{
		DriverID:      driverID,
		WindowDays:    s.windowDays,
		AsOf:          asOf,
		MinSampleSize: s.minSample,
	}

	var rpk, rph, rdh, ticket float64
	for _, shift := range prior {
		if shift.ID == excludeShiftID || !shift.Finalized {
			continue
		}
		m := shiftmetrics.Derive(shift)
		if !m.ValidDuration || m.KmTotal <= 0 {
			continue
		}
		b.SampleSize++
		rpk += m.RevenuePerKm
		rph += m.RevenuePerHour
		rdh += m.RidesPerHour
		ticket += m.TicketAverage
	}

	if b.SampleSize > 0 {
		n := float64(b.SampleSize)
		b.AvgRevenuePerKm = rpk / n
		b.AvgRevenuePerHour = rph / n
		b.AvgRidesPerHour = rdh / n
		b.AvgTicket = ticket / n
	}

	s.toCache(ctx, key, b)
	return b, nil
}

func (s *Service) cacheKey(driverID string, asOf time.Time, exclude string) string {
	return fmt.Sprintf("%s:%d:%d:%s", driverID, s.windowDays, asOf.UnixNano(), exclude)
}

func (s *Service) fromCache(ctx context.Context, key string) *domain.DriverBaseline {
	if s.cache == nil || s.ttl <= 0 {
		return nil
	}
	b, err := s.cache.GetBaseline(ctx, key)
	if err != nil {
		slog.Warn("baseline cache read failed", "key", key, "error", err)
		return nil
	}
	return b
}

func (s *Service) toCache(ctx context.Context, key string, b *domain.DriverBaseline) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}
	if err := s.cache.SetBaseline(ctx, key, b, s.ttl); err != nil {
		slog.Warn("baseline cache write failed", "key", key, "error", err)
	}
}
