package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository" json:"repository"`
	Cache      CacheConfig      `koanf:"cache" json:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus" json:"eventBus"`

	// Engine settings
	Evaluation EvaluationConfig `koanf:"evaluation" json:"evaluation"`
	Audit      AuditConfig      `koanf:"audit" json:"audit"`
	Reprocess  ReprocessConfig  `koanf:"reprocess" json:"reprocess"`

	// Observability
	Logging LoggingConfig `koanf:"logging" json:"logging"`
	Tracing TracingConfig `koanf:"tracing" json:"tracing"`
	Metrics MetricsConfig `koanf:"metrics" json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port"`
	ReadTimeout  int    `koanf:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `koanf:"write_timeout" json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`   // debug, info, warn, error
	Format string `koanf:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	ServiceName string `koanf:"service_name" json:"serviceName"`

	// OTLPEndpoint is the gRPC collector address, host:port.
	OTLPEndpoint string `koanf:"otlp_endpoint" json:"otlpEndpoint"`

	// SamplingRate is the fraction of traces kept, 0 to 1.
	SamplingRate float64 `koanf:"sampling_rate" json:"samplingRate"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled" json:"enabled"`
	Path    string `koanf:"path" json:"path"`
}

// EvaluationConfig drives the per-shift pipeline.
type EvaluationConfig struct {
	// BaselineWindowDays is the trailing window used for driver baselines.
	BaselineWindowDays int `koanf:"baseline_window_days" json:"baselineWindowDays"`

	// MinBaselineSample is the smallest sample for a usable baseline.
	MinBaselineSample int `koanf:"min_baseline_sample" json:"minBaselineSample"`

	// RuleSetPath is an optional external rule-set document. Empty means the
	// embedded default.
	RuleSetPath string `koanf:"rule_set_path" json:"ruleSetPath"`

	// MaxConcurrency bounds parallel rule evaluation per shift.
	MaxConcurrency int `koanf:"max_concurrency" json:"maxConcurrency"`

	// WorkerConcurrency bounds shifts evaluated at once from the bus.
	WorkerConcurrency int `koanf:"worker_concurrency" json:"workerConcurrency"`
}

// TimeSlot is a named time-of-day bucket, [StartHour, EndHour).
type TimeSlot struct {
	Name      string `koanf:"name" json:"name"`
	StartHour int    `koanf:"start_hour" json:"startHour"`
	EndHour   int    `koanf:"end_hour" json:"endHour"`
}

// PeakWindow is a time-of-day range, [StartHour, EndHour), considered busy.
type PeakWindow struct {
	StartHour int `koanf:"start_hour" json:"startHour"`
	EndHour   int `koanf:"end_hour" json:"endHour"`
}

// AuditConfig tunes the supplementary audit metrics.
type AuditConfig struct {
	Slots []TimeSlot   `koanf:"slots" json:"slots"`
	Peaks []PeakWindow `koanf:"peaks" json:"peaks"`

	// Gap thresholds in minutes. A gap above the threshold is anomalous; the
	// peak threshold applies when the gap overlaps a peak window.
	GapThresholdMinutes     float64 `koanf:"gap_threshold_minutes" json:"gapThresholdMinutes"`
	PeakGapThresholdMinutes float64 `koanf:"peak_gap_threshold_minutes" json:"peakGapThresholdMinutes"`

	// PrivateDiscount is the fraction of the private-revenue share taken off
	// the raw score, between 0 and 1.
	PrivateDiscount float64 `koanf:"private_discount" json:"privateDiscount"`

	// GoodPaceMaxScore is the highest adjusted score still classed as a good shift.
	GoodPaceMaxScore float64 `koanf:"good_pace_max_score" json:"goodPaceMaxScore"`

	// Location used to bucket ride timestamps.
	Timezone string `koanf:"timezone" json:"timezone"`
}

// ReprocessConfig tunes the historical re-scoring job.
type ReprocessConfig struct {
	Workers int `koanf:"workers" json:"workers"`

	// RateLimit caps shifts per second. Zero disables the limiter.
	RateLimit float64 `koanf:"rate_limit" json:"rateLimit"`

	// SupersedeTerminal lets reprocessing open a new event for a shift whose
	// adjudicated event no longer matches the current evaluation.
	SupersedeTerminal bool `koanf:"supersede_terminal" json:"supersedeTerminal"`

	// EstimatePerShift is the preview's assumed cost of one shift.
	EstimatePerShift time.Duration `koanf:"estimate_per_shift" json:"estimatePerShift"`

	// FailureLogLimit caps failures returned by the API.
	FailureLogLimit int `koanf:"failure_log_limit" json:"failureLogLimit"`
}

// DefaultAuditSlots is the fixed day partition used for ride buckets.
func DefaultAuditSlots() []TimeSlot {
	return []TimeSlot{
		{Name: "madrugada", StartHour: 0, EndHour: 6},
		{Name: "manha", StartHour: 6, EndHour: 12},
		{Name: "tarde", StartHour: 12, EndHour: 18},
		{Name: "noite", StartHour: 18, EndHour: 24},
	}
}

// DefaultConfig returns a self-contained configuration: SQLite, in-process
// cache and channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			BaselineTTL:  10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Evaluation: EvaluationConfig{
			BaselineWindowDays: 30,
			MinBaselineSample:  DefaultMinBaselineSample,
			MaxConcurrency:     10,
			WorkerConcurrency:  4,
		},
		Audit: AuditConfig{
			Slots:                   DefaultAuditSlots(),
			Peaks:                   []PeakWindow{{StartHour: 7, EndHour: 9}, {StartHour: 17, EndHour: 20}},
			GapThresholdMinutes:     60,
			PeakGapThresholdMinutes: 30,
			PrivateDiscount:         0.5,
			GoodPaceMaxScore:        10,
			Timezone:                "UTC",
		},
		Reprocess: ReprocessConfig{
			Workers:          4,
			EstimatePerShift: 50 * time.Millisecond,
			FailureLogLimit:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "kestrel",
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for a shared deployment on PostgreSQL,
// Redis and NATS.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		BaselineTTL:    10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
