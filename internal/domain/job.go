package domain

import "time"

// ReprocessJob is the status of the historical re-scoring job. Only one run
// may be active at a time.
type ReprocessJob struct {
	ID          string     `json:"id"`
	IsRunning   bool       `json:"isRunning"`
	Processed   int64      `json:"processed"`
	Total       int64      `json:"total"`
	Errors      int64      `json:"errors"`
	Created     int64      `json:"created"`
	Refreshed   int64      `json:"refreshed"`
	Skipped     int64      `json:"skipped"`
	Superseded  int64      `json:"superseded"`
	StartTime   time.Time  `json:"startTime"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Duration    *int64     `json:"duration,omitempty"` // milliseconds
	Range       DateRange  `json:"range"`
	Stopped     bool       `json:"stopped,omitempty"`
	Interrupted bool       `json:"interrupted,omitempty"`
}

// Clone returns a copy safe to hand to readers.
func (j *ReprocessJob) Clone() *ReprocessJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Duration != nil {
		d := *j.Duration
		c.Duration = &d
	}
	return &c
}

// JobFailure records one shift that could not be reprocessed.
type JobFailure struct {
	JobID      string    `json:"jobId"`
	ShiftID    string    `json:"shiftId"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ReprocessPreview estimates a run without starting it.
type ReprocessPreview struct {
	TotalShifts      int       `json:"totalShifts"`
	EstimatedTime    string    `json:"estimatedTime"`
	EstimatedSeconds float64   `json:"estimatedSeconds"`
	Range            DateRange `json:"range"`
}
