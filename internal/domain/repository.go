// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// ShiftStore gives access to shift records owned by the fleet system.
type ShiftStore interface {
	SaveShift(ctx context.Context, shift *ShiftRecord) error
	GetShift(ctx context.Context, shiftID string) (*ShiftRecord, error)

	// ListDriverShifts returns the driver's finalized shifts starting within r,
	// ordered by start time.
	ListDriverShifts(ctx context.Context, driverID string, r DateRange) ([]*ShiftRecord, error)

	// ListFinalizedShiftIDs enumerates the finalized shifts in scope for reprocessing.
	ListFinalizedShiftIDs(ctx context.Context, r DateRange) ([]string, error)
	CountFinalizedShifts(ctx context.Context, r DateRange) (int, error)
}

// EventStore persists fraud events and their decision trail.
type EventStore interface {
	// CreateEvent fails with ErrEventExists when the shift already has a root
	// event, or when ev.SupersedesID already has a successor.
	CreateEvent(ctx context.Context, ev *FraudEvent) error
	GetEvent(ctx context.Context, eventID string) (*FraudEvent, error)

	// LatestEventForShift returns the most recent event of a shift, or ErrNotFound.
	LatestEventForShift(ctx context.Context, shiftID string) (*FraudEvent, error)

	// ReplaceSnapshot overwrites score, level, matches, rule-set version and
	// UpdatedAt, but only while the stored status still equals expected.
	// A mismatch returns ErrStaleStatus.
	ReplaceSnapshot(ctx context.Context, ev *FraudEvent, expected Status) error

	// TransitionStatus moves an event from change.From to change.To and appends
	// change to the trail in one step. A non-empty comment replaces the event
	// comment. If the stored status is no longer change.From it returns ErrStaleStatus.
	TransitionStatus(ctx context.Context, change *StatusChange) error

	// ListEvents returns the matching page and the total count of matches.
	ListEvents(ctx context.Context, filter EventFilter) ([]*FraudEvent, int, error)
	ListStatusChanges(ctx context.Context, eventID string) ([]*StatusChange, error)
}

// JobStore persists reprocess job records and the failure log.
type JobStore interface {
	SaveJob(ctx context.Context, job *ReprocessJob) error
	LatestJob(ctx context.Context) (*ReprocessJob, error)
	RecordFailure(ctx context.Context, f *JobFailure) error
	ListFailures(ctx context.Context, jobID string, limit int) ([]*JobFailure, error)
}

// Repository is the full persistence layer.
type Repository interface {
	ShiftStore
	EventStore
	JobStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "memory", "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific. PostgresDSN, when set, takes precedence.
	PostgresDSN      string `koanf:"postgres_dsn"`
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
