package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryRepository is an in-process implementation of domain.Repository.
// Stored values are copied on the way in and out.
type MemoryRepository struct {
	mu       sync.RWMutex
	shifts   map[string]*domain.ShiftRecord
	events   map[string]*domain.FraudEvent
	changes  map[string][]*domain.StatusChange // keyed by event id
	jobs     map[string]*domain.ReprocessJob
	failures []*domain.JobFailure
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		shifts:  make(map[string]*domain.ShiftRecord),
		events:  make(map[string]*domain.FraudEvent),
		changes: make(map[string][]*domain.StatusChange),
		jobs:    make(map[string]*domain.ReprocessJob),
	}
}

// SaveShift inserts or replaces a shift.
func (m *MemoryRepository) SaveShift(_ context.Context, shift *domain.ShiftRecord) error {
	if shift == nil || shift.ID == "" {
		return fmt.Errorf("%w: shift id is required", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := copyShift(shift)
	c.PriorEndOdometer = nil
	m.shifts[shift.ID] = c
	return nil
}

// GetShift retrieves a shift with its rides.
func (m *MemoryRepository) GetShift(_ context.Context, shiftID string) (*domain.ShiftRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.shifts[shiftID]
	if !ok {
		return nil, fmt.Errorf("%w: shift %s", domain.ErrNotFound, shiftID)
	}
	return m.withPrior(s, true), nil
}

// ListDriverShifts returns the driver's finalized shifts starting within rg.
func (m *MemoryRepository) ListDriverShifts(_ context.Context, driverID string, rg domain.DateRange) ([]*domain.ShiftRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.ShiftRecord
	for _, s := range m.shifts {
		if s.DriverID == driverID && s.Finalized && rg.Contains(s.StartAt) {
			out = append(out, m.withPrior(s, false))
		}
	}
	sortShifts(out)
	return out, nil
}

// ListFinalizedShiftIDs enumerates finalized shifts in start order.
func (m *MemoryRepository) ListFinalizedShiftIDs(_ context.Context, rg domain.DateRange) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var in []*domain.ShiftRecord
	for _, s := range m.shifts {
		if s.Finalized && rg.Contains(s.StartAt) {
			in = append(in, s)
		}
	}
	sortShifts(in)

	ids := make([]string, len(in))
	for i, s := range in {
		ids[i] = s.ID
	}
	return ids, nil
}

// CountFinalizedShifts counts finalized shifts starting within rg.
func (m *MemoryRepository) CountFinalizedShifts(ctx context.Context, rg domain.DateRange) (int, error) {
	ids, err := m.ListFinalizedShiftIDs(ctx, rg)
	return len(ids), err
}

// CreateEvent stores a new fraud event.
func (m *MemoryRepository) CreateEvent(_ context.Context, ev *domain.FraudEvent) error {
	if ev == nil || ev.ID == "" || ev.ShiftID == "" {
		return fmt.Errorf("%w: event id and shift id are required", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[ev.ID]; exists {
		return fmt.Errorf("%w: event %s already exists", domain.ErrConflict, ev.ID)
	}
	for _, other := range m.events {
		root := ev.SupersedesID == "" && other.ShiftID == ev.ShiftID && other.SupersedesID == ""
		fork := ev.SupersedesID != "" && other.SupersedesID == ev.SupersedesID
		if root || fork {
			return fmt.Errorf("%w: shift %s", domain.ErrEventExists, ev.ShiftID)
		}
	}
	m.events[ev.ID] = copyEvent(ev)
	return nil
}

// GetEvent retrieves a fraud event by ID.
func (m *MemoryRepository) GetEvent(_ context.Context, eventID string) (*domain.FraudEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", domain.ErrNotFound, eventID)
	}
	return copyEvent(ev), nil
}

// LatestEventForShift returns the event of the shift that no other event supersedes.
func (m *MemoryRepository) LatestEventForShift(_ context.Context, shiftID string) (*domain.FraudEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	superseded := make(map[string]bool)
	for _, ev := range m.events {
		if ev.ShiftID == shiftID && ev.SupersedesID != "" {
			superseded[ev.SupersedesID] = true
		}
	}

	var head *domain.FraudEvent
	for _, ev := range m.events {
		if ev.ShiftID != shiftID || superseded[ev.ID] {
			continue
		}
		if head == nil || ev.DetectedAt.After(head.DetectedAt) ||
			(ev.DetectedAt.Equal(head.DetectedAt) && ev.ID > head.ID) {
			head = ev
		}
	}
	if head == nil {
		return nil, fmt.Errorf("%w: event for shift %s", domain.ErrNotFound, shiftID)
	}
	return copyEvent(head), nil
}

// ReplaceSnapshot overwrites the evaluation snapshot while the status is expected.
func (m *MemoryRepository) ReplaceSnapshot(_ context.Context, ev *domain.FraudEvent, expected domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.events[ev.ID]
	if !ok {
		return fmt.Errorf("%w: event %s", domain.ErrNotFound, ev.ID)
	}
	if stored.Status != expected {
		return domain.ErrStaleStatus
	}

	stored.RiskScore = ev.RiskScore
	stored.RiskLevel = ev.RiskLevel
	stored.RuleMatches = copyMatches(ev.RuleMatches)
	stored.RuleSetVersion = ev.RuleSetVersion
	stored.UpdatedAt = ev.UpdatedAt
	return nil
}

// TransitionStatus applies a status change and records it atomically.
func (m *MemoryRepository) TransitionStatus(_ context.Context, change *domain.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.events[change.EventID]
	if !ok {
		return fmt.Errorf("%w: event %s", domain.ErrNotFound, change.EventID)
	}
	if stored.Status != change.From {
		return domain.ErrStaleStatus
	}

	stored.Status = change.To
	if change.Comment != "" {
		stored.Comment = change.Comment
	}
	stored.UpdatedAt = change.ChangedAt

	c := *change
	m.changes[change.EventID] = append(m.changes[change.EventID], &c)
	return nil
}

// ListEvents returns one page of events, newest shift first, and the total match count.
func (m *MemoryRepository) ListEvents(_ context.Context, filter domain.EventFilter) ([]*domain.FraudEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[domain.Status]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		wanted[st] = true
	}

	var matched []*domain.FraudEvent
	for _, ev := range m.events {
		if filter.DriverID != "" && ev.DriverID != filter.DriverID {
			continue
		}
		if !filter.Range.Contains(ev.ShiftStart) {
			continue
		}
		if len(wanted) > 0 && !wanted[ev.Status] {
			continue
		}
		matched = append(matched, ev)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.ShiftStart.Equal(b.ShiftStart) {
			return a.ShiftStart.After(b.ShiftStart)
		}
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.After(b.DetectedAt)
		}
		return a.ID < b.ID
	})

	total := len(matched)
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.Limit
		if start > total {
			start = total
		}
		end := start + filter.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}

	out := make([]*domain.FraudEvent, len(matched))
	for i, ev := range matched {
		out[i] = copyEvent(ev)
	}
	return out, total, nil
}

// ListStatusChanges returns an event's decision trail, oldest first.
func (m *MemoryRepository) ListStatusChanges(_ context.Context, eventID string) ([]*domain.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	trail := m.changes[eventID]
	out := make([]*domain.StatusChange, len(trail))
	for i, c := range trail {
		cc := *c
		out[i] = &cc
	}
	return out, nil
}

// SaveJob inserts or updates a job record.
func (m *MemoryRepository) SaveJob(_ context.Context, job *domain.ReprocessJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

// LatestJob returns the most recently started job.
func (m *MemoryRepository) LatestJob(_ context.Context) (*domain.ReprocessJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *domain.ReprocessJob
	for _, j := range m.jobs {
		if latest == nil || j.StartTime.After(latest.StartTime) {
			latest = j
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: job latest", domain.ErrNotFound)
	}
	return latest.Clone(), nil
}

// RecordFailure appends to the failure log.
func (m *MemoryRepository) RecordFailure(_ context.Context, f *domain.JobFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *f
	m.failures = append(m.failures, &c)
	return nil
}

// ListFailures returns up to limit failures of a job, oldest first.
func (m *MemoryRepository) ListFailures(_ context.Context, jobID string, limit int) ([]*domain.JobFailure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*domain.JobFailure{}
	for _, f := range m.failures {
		if f.JobID != jobID {
			continue
		}
		c := *f
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping checks repository health.
func (m *MemoryRepository) Ping(_ context.Context) error {
	return nil
}

// Close releases nothing; stored data stays readable.
func (m *MemoryRepository) Close() error {
	return nil
}

// withPrior copies s and fills in the ending odometer of the vehicle's previous shift.
func (m *MemoryRepository) withPrior(s *domain.ShiftRecord, rides bool) *domain.ShiftRecord {
	c := copyShift(s)
	if !rides {
		c.Rides = nil
	}

	var prior *domain.ShiftRecord
	for _, o := range m.shifts {
		if o.VehicleID != s.VehicleID || !o.StartAt.Before(s.StartAt) {
			continue
		}
		if prior == nil || o.StartAt.After(prior.StartAt) {
			prior = o
		}
	}
	if prior != nil {
		v := prior.EndOdometer
		c.PriorEndOdometer = &v
	}
	return c
}

func sortShifts(shifts []*domain.ShiftRecord) {
	sort.Slice(shifts, func(i, j int) bool {
		if !shifts[i].StartAt.Equal(shifts[j].StartAt) {
			return shifts[i].StartAt.Before(shifts[j].StartAt)
		}
		return shifts[i].ID < shifts[j].ID
	})
}

func copyShift(s *domain.ShiftRecord) *domain.ShiftRecord {
	c := *s
	if s.Rides != nil {
		c.Rides = make([]domain.Ride, len(s.Rides))
		copy(c.Rides, s.Rides)
		sort.SliceStable(c.Rides, func(i, j int) bool {
			return c.Rides[i].OccurredAt.Before(c.Rides[j].OccurredAt)
		})
	}
	if s.PriorEndOdometer != nil {
		v := *s.PriorEndOdometer
		c.PriorEndOdometer = &v
	}
	return &c
}

func copyEvent(ev *domain.FraudEvent) *domain.FraudEvent {
	c := *ev
	c.RuleMatches = copyMatches(ev.RuleMatches)
	return &c
}

func copyMatches(matches []domain.RuleMatch) []domain.RuleMatch {
	if matches == nil {
		return nil
	}
	out := make([]domain.RuleMatch, len(matches))
	for i, m := range matches {
		out[i] = m
		if m.Values != nil {
			out[i].Values = make(map[string]float64, len(m.Values))
			for k, v := range m.Values {
				out[i].Values[k] = v
			}
		}
	}
	return out
}
