// Package lifecycle owns fraud event records: it creates and refreshes them
// from assessments and applies admin status transitions.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Outcome tells what Record did with an assessment.
type Outcome string

const (
	// OutcomeNoOp means the shift had no event and nothing matched.
	OutcomeNoOp Outcome = "noop"

	// OutcomeCreated means a new pending event was opened.
	OutcomeCreated Outcome = "created"

	// OutcomeRefreshed means an open event got the new snapshot.
	OutcomeRefreshed Outcome = "refreshed"

	// OutcomeSkipped means the latest event is terminal and was left alone.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeSuperseded means a new event was opened next to a terminal one.
	OutcomeSuperseded Outcome = "superseded"
)

// maxRefreshAttempts bounds retries when an admin moves the event, or a
// concurrent Record opens one, between our read and our write.
const maxRefreshAttempts = 3

// RecordResult is the outcome of Record and the event it touched, if any.
type RecordResult struct {
	Outcome Outcome            `json:"outcome"`
	Event   *domain.FraudEvent `json:"event,omitempty"`
}

// Notification is the payload published on event topics.
type Notification struct {
	Event   *domain.FraudEvent   `json:"event"`
	Change  *domain.StatusChange `json:"change,omitempty"`
	Outcome Outcome              `json:"outcome,omitempty"`
}

// Manager creates, refreshes and transitions fraud events.
type Manager struct {
	events    domain.EventStore
	bus       domain.EventBus
	clock     clockz.Clock
	supersede bool
}

// NewManager creates a lifecycle manager. bus may be nil.
func NewManager(events domain.EventStore, bus domain.EventBus) *Manager {
	return &Manager{
		events: events,
		bus:    bus,
		clock:  clockz.RealClock,
	}
}

// WithClock sets the clock used for event timestamps.
func (m *Manager) WithClock(clock clockz.Clock) *Manager {
	m.clock = clock
	return m
}

// WithSupersede lets Record open a superseding event when a terminal event's
// snapshot no longer matches the current evaluation.
func (m *Manager) WithSupersede(enabled bool) *Manager {
	m.supersede = enabled
	return m
}

// Record stores the result of evaluating shift. Terminal events are never
// modified: the shift is skipped, or a superseding event is opened when the
// policy allows it.
func (m *Manager) Record(ctx context.Context, a *domain.Assessment, shift *domain.ShiftRecord) (*RecordResult, error) {
	if a == nil || shift == nil || shift.ID == "" {
		return nil, fmt.Errorf("%w: assessment and shift are required", domain.ErrValidation)
	}

	for attempt := 0; attempt < maxRefreshAttempts; attempt++ {
		latest, err := m.events.LatestEventForShift(ctx, shift.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		switch {
		case latest == nil:
			if !a.HasMatches() {
				return &RecordResult{Outcome: OutcomeNoOp}, nil
			}
			res, err := m.open(ctx, a, shift, "")
			if errors.Is(err, domain.ErrEventExists) {
				// Another Record opened the event first; refresh it instead.
				continue
			}
			return res, err

		case latest.Status.Terminal():
			if !m.supersede || !a.HasMatches() || sameSnapshot(latest, a) {
				return &RecordResult{Outcome: OutcomeSkipped, Event: latest}, nil
			}
			res, err := m.open(ctx, a, shift, latest.ID)
			if errors.Is(err, domain.ErrEventExists) {
				continue
			}
			return res, err

		default:
			res, err := m.refresh(ctx, latest, a)
			if errors.Is(err, domain.ErrStaleStatus) {
				// Status moved under us; re-read and decide again.
				continue
			}
			return res, err
		}
	}

	return nil, fmt.Errorf("shift %s: %w", shift.ID, domain.ErrStaleStatus)
}

func (m *Manager) open(ctx context.Context, a *domain.Assessment, shift *domain.ShiftRecord, supersedes string) (*RecordResult, error) {
	now := m.clock.Now().UTC()
	ev := &domain.FraudEvent{
		ID:             uuid.New().String(),
		ShiftID:        shift.ID,
		DriverID:       shift.DriverID,
		ShiftStart:     shift.StartAt,
		Status:         domain.StatusPending,
		RiskScore:      a.RiskScore,
		RiskLevel:      a.RiskLevel,
		RuleMatches:    a.Matches,
		DetectedAt:     now,
		UpdatedAt:      now,
		SupersedesID:   supersedes,
		RuleSetVersion: a.RuleSetVersion,
	}

	if err := m.events.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}

	outcome := OutcomeCreated
	if supersedes != "" {
		outcome = OutcomeSuperseded
		slog.Info("terminal event superseded",
			"event_id", ev.ID,
			"supersedes_id", supersedes,
			"shift_id", shift.ID,
		)
	}

	m.publish(ctx, domain.TopicEventCreated, &Notification{Event: ev, Outcome: outcome})
	return &RecordResult{Outcome: outcome, Event: ev}, nil
}

func (m *Manager) refresh(ctx context.Context, current *domain.FraudEvent, a *domain.Assessment) (*RecordResult, error) {
	ev := *current
	ev.RiskScore = a.RiskScore
	ev.RiskLevel = a.RiskLevel
	ev.RuleMatches = a.Matches
	ev.RuleSetVersion = a.RuleSetVersion
	ev.UpdatedAt = m.clock.Now().UTC()

	if err := m.events.ReplaceSnapshot(ctx, &ev, current.Status); err != nil {
		return nil, err
	}

	m.publish(ctx, domain.TopicEventRefreshed, &Notification{Event: &ev, Outcome: OutcomeRefreshed})
	return &RecordResult{Outcome: OutcomeRefreshed, Event: &ev}, nil
}

// Transition moves an event to status to. Terminal events and transitions
// outside the table are rejected without touching the record. The write is a
// compare-and-set on the status read here; a concurrent change yields
// domain.ErrStaleStatus and the caller must re-fetch.
func (m *Manager) Transition(ctx context.Context, eventID string, to domain.Status, comment, actor string) (*domain.FraudEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: event id is required", domain.ErrValidation)
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, to)
	}

	ev, err := m.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if ev.Status.Terminal() {
		return nil, fmt.Errorf("%w: event %s is %s", domain.ErrTerminalStatus, eventID, ev.Status)
	}
	if !ev.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, ev.Status, to)
	}

	change := &domain.StatusChange{
		ID:        uuid.New().String(),
		EventID:   eventID,
		From:      ev.Status,
		To:        to,
		Comment:   comment,
		Actor:     actor,
		ChangedAt: m.clock.Now().UTC(),
	}
	if err := m.events.TransitionStatus(ctx, change); err != nil {
		return nil, err
	}

	updated, err := m.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	slog.Info("event status changed",
		"event_id", eventID,
		"from", change.From,
		"to", change.To,
		"actor", actor,
	)

	m.publish(ctx, domain.TopicEventStatusChanged, &Notification{Event: updated, Change: change})
	return updated, nil
}

// Trail returns the decision trail of an event, oldest first.
func (m *Manager) Trail(ctx context.Context, eventID string) ([]*domain.StatusChange, error) {
	if _, err := m.events.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return m.events.ListStatusChanges(ctx, eventID)
}

func (m *Manager) publish(ctx context.Context, topic string, n *Notification) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		slog.Error("failed to encode notification", "topic", topic, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish notification",
			"topic", topic,
			"event_id", n.Event.ID,
			"error", err,
		)
	}
}

// sameSnapshot reports whether ev already carries the score and matches of a.
func sameSnapshot(ev *domain.FraudEvent, a *domain.Assessment) bool {
	if ev.RiskScore != a.RiskScore || len(ev.RuleMatches) != len(a.Matches) {
		return false
	}
	for i := range ev.RuleMatches {
		if ev.RuleMatches[i].Code != a.Matches[i].Code || ev.RuleMatches[i].Severity != a.Matches[i].Severity {
			return false
		}
	}
	return true
}
