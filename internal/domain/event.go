package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the review state of a fraud event. The string values are the
// ones stored and exchanged with the fleet system.
type Status string

const (
	StatusPending   Status = "pendente"
	StatusInReview  Status = "em_analise"
	StatusConfirmed Status = "confirmado"
	StatusDismissed Status = "descartado"
	StatusBlocked   Status = "bloqueado"
)

var statusAliases = map[string]Status{
	"pendente":   StatusPending,
	"pending":    StatusPending,
	"em_analise": StatusInReview,
	"in_review":  StatusInReview,
	"confirmado": StatusConfirmed,
	"confirmed":  StatusConfirmed,
	"descartado": StatusDismissed,
	"dismissed":  StatusDismissed,
	"bloqueado":  StatusBlocked,
	"blocked":    StatusBlocked,
}

// transitions is the single source of legal status changes.
var transitions = map[Status][]Status{
	StatusPending:  {StatusInReview, StatusConfirmed, StatusDismissed, StatusBlocked},
	StatusInReview: {StatusConfirmed, StatusDismissed, StatusBlocked},
}

// ParseStatus accepts a stored value or its English alias.
func ParseStatus(s string) (Status, error) {
	st, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

// ParseStatusList parses a comma-separated set of statuses. Empty input yields nil.
func ParseStatusList(s string) ([]Status, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Status
	seen := make(map[Status]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		st, err := ParseStatus(part)
		if err != nil {
			return nil, err
		}
		if !seen[st] {
			seen[st] = true
			out = append(out, st)
		}
	}
	return out, nil
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusDismissed || s == StatusBlocked
}

// CanTransition reports whether s -> to is in the transition table.
func (s Status) CanTransition(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

// ActiveStatuses are the statuses of events still awaiting a decision.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusInReview}
}

// FraudEvent is the persisted record of the latest evaluation of a shift.
// Events are never deleted.
type FraudEvent struct {
	ID             string      `json:"id"`
	ShiftID        string      `json:"shiftId"`
	DriverID       string      `json:"driverId"`
	ShiftStart     time.Time   `json:"shiftStart"`
	Status         Status      `json:"status"`
	RiskScore      float64     `json:"riskScore"`
	RiskLevel      RiskLevel   `json:"riskLevel"`
	RuleMatches    []RuleMatch `json:"ruleMatches"`
	Comment        string      `json:"comment,omitempty"`
	DetectedAt     time.Time   `json:"detectedAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	SupersedesID   string      `json:"supersedesId,omitempty"`
	RuleSetVersion string      `json:"ruleSetVersion,omitempty"`
}

// StatusChange is one entry of an event's decision trail.
type StatusChange struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Comment   string    `json:"comment,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
}

// EventFilter selects fraud events. Zero fields do not filter.
type EventFilter struct {
	DriverID string
	Range    DateRange
	Statuses []Status
	Page     int
	Limit    int // 0 means no paging
}

// Default and maximum page sizes of event listings.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// PageMeta describes a paginated listing.
type PageMeta struct {
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
}

// NewPageMeta computes listing metadata for a page of size limit.
func NewPageMeta(total, page, limit int) PageMeta {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	} else if total > 0 {
		pages = 1
	}
	return PageMeta{Total: total, TotalPages: pages, Page: page, Limit: limit}
}

// EventPage is a page of events with its metadata.
type EventPage struct {
	Data []*FraudEvent `json:"data"`
	Meta PageMeta      `json:"meta"`
}
