package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Money is stored as TEXT so
// decimal values round-trip exactly; booleans are INTEGER 0/1.

const schemaShifts = `
CREATE TABLE IF NOT EXISTS shifts (
    id TEXT PRIMARY KEY,
    driver_id TEXT NOT NULL,
    vehicle_id TEXT NOT NULL,
    start_at TIMESTAMP NOT NULL,
    end_at TIMESTAMP NOT NULL,
    start_odometer DOUBLE PRECISION NOT NULL,
    end_odometer DOUBLE PRECISION NOT NULL,
    gross_revenue TEXT NOT NULL,
    ride_count INTEGER NOT NULL DEFAULT 0,
    finalized INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_shifts_driver ON shifts(driver_id, start_at);
CREATE INDEX IF NOT EXISTS idx_shifts_vehicle ON shifts(vehicle_id, start_at);
CREATE INDEX IF NOT EXISTS idx_shifts_finalized ON shifts(finalized, start_at);
`

const schemaRides = `
CREATE TABLE IF NOT EXISTS rides (
    id TEXT PRIMARY KEY,
    shift_id TEXT NOT NULL,
    source TEXT NOT NULL,
    value TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rides_shift ON rides(shift_id, occurred_at);
`

// schemaFraudEvents defines the fraud_events table.
// Rows are never deleted; a re-score of an adjudicated shift adds a row that
// points back through supersedes_id. A shift has one root event and an event
// has at most one successor, so the chain never forks.
const schemaFraudEvents = `
CREATE TABLE IF NOT EXISTS fraud_events (
    id TEXT PRIMARY KEY,
    shift_id TEXT NOT NULL,
    driver_id TEXT NOT NULL,
    shift_start TIMESTAMP NOT NULL,
    status TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    risk_level TEXT NOT NULL,
    rule_matches TEXT NOT NULL,
    comment TEXT NOT NULL DEFAULT '',
    detected_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    supersedes_id TEXT NOT NULL DEFAULT '',
    rule_set_version TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_fraud_events_shift ON fraud_events(shift_id);
CREATE INDEX IF NOT EXISTS idx_fraud_events_driver ON fraud_events(driver_id, shift_start);
CREATE INDEX IF NOT EXISTS idx_fraud_events_status ON fraud_events(status, shift_start);
CREATE UNIQUE INDEX IF NOT EXISTS idx_fraud_events_root ON fraud_events(shift_id) WHERE supersedes_id = '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_fraud_events_successor ON fraud_events(supersedes_id) WHERE supersedes_id <> '';
`

const schemaStatusChanges = `
CREATE TABLE IF NOT EXISTS event_status_changes (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    comment TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    changed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_status_changes_event ON event_status_changes(event_id, changed_at);
`

const schemaReprocessJobs = `
CREATE TABLE IF NOT EXISTS reprocess_jobs (
    id TEXT PRIMARY KEY,
    is_running INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    total INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0,
    created INTEGER NOT NULL DEFAULT 0,
    refreshed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    superseded INTEGER NOT NULL DEFAULT 0,
    start_time TIMESTAMP NOT NULL,
    completed_at TIMESTAMP,
    duration_ms BIGINT,
    range_from TIMESTAMP,
    range_to TIMESTAMP,
    stopped INTEGER NOT NULL DEFAULT 0,
    interrupted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_reprocess_jobs_start ON reprocess_jobs(start_time);
`

const schemaReprocessFailures = `
CREATE TABLE IF NOT EXISTS reprocess_failures (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    shift_id TEXT NOT NULL,
    message TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reprocess_failures_job ON reprocess_failures(job_id, occurred_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaShifts,
		schemaRides,
		schemaFraudEvents,
		schemaStatusChanges,
		schemaReprocessJobs,
		schemaReprocessFailures,
	}
}
