// Package config loads the Kestrel configuration in layers: built-in
// defaults, an optional YAML file, then KESTREL_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KESTREL_"

	// EnvConfigFile names the YAML file to load.
	EnvConfigFile = "KESTREL_CONFIG"

	// DefaultConfigFile is read when KESTREL_CONFIG is unset. It may be absent.
	DefaultConfigFile = "configs/kestrel.yaml"

	// EnvProfile selects the built-in defaults: "standalone" (default) or "pro".
	EnvProfile = "KESTREL_PROFILE"
)

// Defaults returns the built-in configuration of a profile.
func Defaults(profile string) (*domain.Config, error) {
	switch strings.ToLower(profile) {
	case "", "standalone":
		return domain.DefaultConfig(), nil
	case "pro":
		return domain.ProConfig(), nil
	default:
		return nil, fmt.Errorf("%w: unknown profile %q", domain.ErrValidation, profile)
	}
}

// Load builds the configuration from defaults, the file named by
// KESTREL_CONFIG (or DefaultConfigFile) and the environment.
func Load() (*domain.Config, error) {
	path, explicit := os.LookupEnv(EnvConfigFile)
	if !explicit || path == "" {
		path = DefaultConfigFile
		explicit = false
	}
	return load(os.Getenv(EnvProfile), path, explicit)
}

// LoadFile is Load with an explicit YAML path that must exist.
func LoadFile(path string) (*domain.Config, error) {
	return load(os.Getenv(EnvProfile), path, true)
}

func load(profile, path string, required bool) (*domain.Config, error) {
	defaults, err := Defaults(profile)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		} else if required || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps KESTREL_EVALUATION__RULE_SET_PATH to evaluation.rule_set_path.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects settings the components would otherwise fail on at
// first use.
func Validate(cfg *domain.Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add("server.port %d out of range", cfg.Server.Port)
	}

	switch cfg.Repository.Driver {
	case "memory", "sqlite", "postgres":
	default:
		add("repository.driver %q unsupported", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory", "redis", "none", "":
	default:
		add("cache.type %q unsupported", cfg.Cache.Type)
	}

	switch cfg.EventBus.Type {
	case "channel", "nats", "":
	default:
		add("event_bus.type %q unsupported", cfg.EventBus.Type)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		add("logging.level %q unsupported", cfg.Logging.Level)
	}

	switch cfg.Logging.Format {
	case "json", "text", "":
	default:
		add("logging.format %q unsupported", cfg.Logging.Format)
	}

	if cfg.Evaluation.BaselineWindowDays <= 0 {
		add("evaluation.baseline_window_days must be positive")
	}
	if cfg.Evaluation.MinBaselineSample < domain.DefaultMinBaselineSample {
		add("evaluation.min_baseline_sample %d below %d", cfg.Evaluation.MinBaselineSample, domain.DefaultMinBaselineSample)
	}

	if cfg.Audit.PrivateDiscount < 0 || cfg.Audit.PrivateDiscount > 1 {
		add("audit.private_discount %.2f outside [0,1]", cfg.Audit.PrivateDiscount)
	}
	if _, err := time.LoadLocation(cfg.Audit.Timezone); err != nil {
		add("audit.timezone %q: %v", cfg.Audit.Timezone, err)
	}

	if cfg.Reprocess.Workers < 0 {
		add("reprocess.workers must not be negative")
	}
	if cfg.Reprocess.RateLimit < 0 {
		add("reprocess.rate_limit must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: invalid configuration: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}
