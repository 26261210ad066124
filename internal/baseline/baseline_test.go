package baseline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

var now = time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

// seed stores n finalized shifts of 100 km and 8 h for the driver, one per
// day before asOf, each grossing gross.
func seed(t *testing.T, repo domain.ShiftStore, driver string, n int, gross int64) {
	t.Helper()
	for i := 1; i <= n; i++ {
		start := now.AddDate(0, 0, -i)
		s := &domain.ShiftRecord{
			ID:            fmt.Sprintf("%s-%02d", driver, i),
			DriverID:      driver,
			VehicleID:     "car-" + driver,
			StartAt:       start,
			EndAt:         start.Add(8 * time.Hour),
			StartOdometer: float64(i * 1000),
			EndOdometer:   float64(i*1000 + 100),
			GrossRevenue:  decimal.NewFromInt(gross),
			RideCount:     16,
			Finalized:     true,
		}
		require.NoError(t, repo.SaveShift(context.Background(), s))
	}
}

func TestCompute(t *testing.T) {
	ctx := context.Background()

	t.Run("averages prior shifts", func(t *testing.T) {
		repo := repository.NewMemory()
		seed(t, repo, "d1", 10, 300)
		svc := NewService(repo, nil, Options{WindowDays: 30})

		b, err := svc.Compute(ctx, "d1", now, "")
		require.NoError(t, err)

		assert.Equal(t, 10, b.SampleSize)
		assert.True(t, b.Usable())
		assert.InDelta(t, 3.0, b.AvgRevenuePerKm, 1e-9)
		assert.InDelta(t, 37.5, b.AvgRevenuePerHour, 1e-9)
		assert.InDelta(t, 2.0, b.AvgRidesPerHour, 1e-9)
		assert.InDelta(t, 18.75, b.AvgTicket, 1e-9)
	})

	t.Run("window bounds the sample", func(t *testing.T) {
		repo := repository.NewMemory()
		seed(t, repo, "d2", 10, 300)
		svc := NewService(repo, nil, Options{WindowDays: 5})

		b, err := svc.Compute(ctx, "d2", now, "")
		require.NoError(t, err)
		assert.Equal(t, 5, b.SampleSize)
		assert.False(t, b.Usable(), "five shifts are not enough")
	})

	t.Run("a lower minimum sample is raised to the floor", func(t *testing.T) {
		repo := repository.NewMemory()
		seed(t, repo, "d5", 3, 300)
		svc := NewService(repo, nil, Options{MinSample: 2})

		b, err := svc.Compute(ctx, "d5", now, "")
		require.NoError(t, err)
		assert.Equal(t, 3, b.SampleSize)
		assert.Equal(t, domain.DefaultMinBaselineSample, b.MinSampleSize)
		assert.False(t, b.Usable())

		forged := &domain.DriverBaseline{SampleSize: 3, MinSampleSize: 2}
		assert.False(t, forged.Usable())
	})

	t.Run("excludes the evaluated shift", func(t *testing.T) {
		repo := repository.NewMemory()
		seed(t, repo, "d3", 6, 300)
		svc := NewService(repo, nil, Options{})

		b, err := svc.Compute(ctx, "d3", now, "d3-01")
		require.NoError(t, err)
		assert.Equal(t, 5, b.SampleSize)
		assert.False(t, b.Usable())

		b, err = svc.Compute(ctx, "d3", now, "")
		require.NoError(t, err)
		assert.Equal(t, 6, b.SampleSize)
		assert.True(t, b.Usable())
	})

	t.Run("skips shifts without distance", func(t *testing.T) {
		repo := repository.NewMemory()
		seed(t, repo, "d4", 3, 300)
		bad := &domain.ShiftRecord{
			ID: "d4-bad", DriverID: "d4", VehicleID: "car-d4",
			StartAt: now.Add(-5 * time.Hour), EndAt: now.Add(-time.Hour),
			StartOdometer: 50, EndOdometer: 50,
			GrossRevenue: decimal.NewFromInt(500), Finalized: true,
		}
		require.NoError(t, repo.SaveShift(ctx, bad))

		b, err := NewService(repo, nil, Options{}).Compute(ctx, "d4", now, "")
		require.NoError(t, err)
		assert.Equal(t, 3, b.SampleSize)
	})

	t.Run("no history", func(t *testing.T) {
		b, err := NewService(repository.NewMemory(), nil, Options{}).Compute(ctx, "ghost", now, "")
		require.NoError(t, err)
		assert.Equal(t, 0, b.SampleSize)
		assert.False(t, b.Usable())
		assert.Zero(t, b.AvgRevenuePerKm)
	})

	t.Run("driver required", func(t *testing.T) {
		_, err := NewService(repository.NewMemory(), nil, Options{}).Compute(ctx, "", now, "")
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})

	t.Run("deterministic", func(t *testing.T) {
		repo := repository.NewMemory()
		seed(t, repo, "d5", 8, 275)
		svc := NewService(repo, nil, Options{})

		a, err := svc.Compute(ctx, "d5", now, "")
		require.NoError(t, err)
		b, err := svc.Compute(ctx, "d5", now, "")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestComputeCached(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	seed(t, repo, "d1", 7, 300)

	lru := cache.NewLRUCache(10)
	svc := NewService(repo, lru, Options{CacheTTL: time.Minute})

	first, err := svc.Compute(ctx, "d1", now, "")
	require.NoError(t, err)
	assert.Equal(t, 7, first.SampleSize)

	size, _ := lru.Stats()
	assert.Equal(t, 1, size)

	// A new shift inside the window is not seen until the entry expires.
	seed(t, repo, "d1", 8, 300)
	second, err := svc.Compute(ctx, "d1", now, "")
	require.NoError(t, err)
	assert.Equal(t, 7, second.SampleSize)

	uncached := NewService(repo, nil, Options{})
	fresh, err := uncached.Compute(ctx, "d1", now, "")
	require.NoError(t, err)
	assert.Equal(t, 8, fresh.SampleSize)
}

func TestForShift(t *testing.T) {
	repo := repository.NewMemory()
	seed(t, repo, "d1", 7, 300)
	svc := NewService(repo, nil, Options{})

	shift, err := repo.GetShift(context.Background(), "d1-01")
	require.NoError(t, err)

	b, err := svc.ForShift(context.Background(), shift)
	require.NoError(t, err)
	assert.Equal(t, 6, b.SampleSize, "only shifts before the evaluated one count")
	assert.Equal(t, shift.StartAt, b.AsOf)
}
