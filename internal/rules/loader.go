package rules

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

//go:embed rules.yaml
var defaultRuleSet []byte

// Default returns the rule set shipped with the binary.
func Default() (*domain.RuleSet, error) {
	return Parse(defaultRuleSet)
}

// Load reads the rule set at path, or the default when path is empty.
func Load(path string) (*domain.RuleSet, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set %s: %w", path, err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rule set %s: %w", path, err)
	}
	return set, nil
}

// Parse decodes and validates a rule-set document. Unknown fields are rejected.
// Missing points and levels fall back to the standard values.
func Parse(data []byte) (*domain.RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var set domain.RuleSet
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rule set: %v", domain.ErrValidation, err)
	}

	if set.Points == (domain.ScorePoints{}) {
		set.Points = domain.DefaultScorePoints()
	}
	if set.Levels == (domain.LevelBoundaries{}) {
		set.Levels = domain.LevelBoundaries{Suspect: 20, Critical: 50}
	}

	if err := ValidateRuleSet(&set); err != nil {
		return nil, err
	}

	v, _ := semver.NewVersion(set.Version)
	set.Version = v.String()
	return &set, nil
}

// ValidateRuleSet checks the document structure. Expressions are checked
// when an engine compiles the set.
func ValidateRuleSet(set *domain.RuleSet) error {
	if _, err := semver.NewVersion(set.Version); err != nil {
		return fmt.Errorf("%w: rule set version %q is not a semantic version", domain.ErrValidation, set.Version)
	}

	p := set.Points
	if p.Low < 0 || p.Medium < 0 || p.High < 0 || p.Critical < 0 {
		return fmt.Errorf("%w: severity points must not be negative", domain.ErrValidation)
	}
	if set.Levels.Suspect <= 0 || set.Levels.Critical < set.Levels.Suspect {
		return fmt.Errorf("%w: level boundaries need 0 < suspect <= critical, got %v/%v",
			domain.ErrValidation, set.Levels.Suspect, set.Levels.Critical)
	}

	seen := make(map[string]bool, len(set.Rules))
	for i, r := range set.Rules {
		if r.Code == "" {
			return fmt.Errorf("%w: rule #%d has no code", domain.ErrValidation, i+1)
		}
		if seen[r.Code] {
			return fmt.Errorf("%w: duplicate rule code %s", domain.ErrValidation, r.Code)
		}
		seen[r.Code] = true

		if !r.Severity.Valid() {
			return fmt.Errorf("%w: rule %s has unknown severity %q", domain.ErrValidation, r.Code, r.Severity)
		}
		switch r.Category {
		case domain.CategoryPhysical, domain.CategoryRatioBand, domain.CategoryDuration,
			domain.CategoryBaseline, domain.CategoryPattern:
		default:
			return fmt.Errorf("%w: rule %s has unknown category %q", domain.ErrValidation, r.Code, r.Category)
		}
		if r.Expression == "" {
			return fmt.Errorf("%w: rule %s has no expression", domain.ErrValidation, r.Code)
		}
	}
	return nil
}

// IsNewer reports whether candidate's version is above current's.
func IsNewer(candidate, current *domain.RuleSet) bool {
	if current == nil {
		return true
	}
	a, errA := semver.NewVersion(candidate.Version)
	b, errB := semver.NewVersion(current.Version)
	if errA != nil || errB != nil {
		return false
	}
	return a.GreaterThan(b)
}
