package domain

// Severity is the tier of a rule; each tier is worth a fixed number of points.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical). Unknown tiers rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known tier.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// RuleCategory groups rules by the kind of anomaly they look for.
type RuleCategory string

const (
	CategoryPhysical  RuleCategory = "physical"
	CategoryRatioBand RuleCategory = "ratio_band"
	CategoryDuration  RuleCategory = "duration"
	CategoryBaseline  RuleCategory = "baseline_deviation"
	CategoryPattern   RuleCategory = "pattern"
)

// RuleDefinition is one declarative rule of the rule set.
type RuleDefinition struct {
	Code        string       `yaml:"code" json:"code"`
	Label       string       `yaml:"label" json:"label"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Category    RuleCategory `yaml:"category" json:"category"`
	Severity    Severity     `yaml:"severity" json:"severity"`

	// Group ties together the tiers of one metric. When several rules of a
	// group match, only the most severe one is reported.
	Group string `yaml:"group,omitempty" json:"group,omitempty"`

	// Expression is a CEL predicate over m (metrics), b (baseline),
	// th (thresholds), has_prior and baseline_usable. It must return bool.
	Expression string `yaml:"expression" json:"expression"`

	// Explain lists the variables captured in the match snapshot,
	// written as "m.revenue_per_km", "th.min_revenue_per_km" or "b.avg_ticket".
	Explain []string `yaml:"explain,omitempty" json:"explain,omitempty"`

	// RequiresBaseline makes the rule inert when the driver baseline is not usable.
	// Baseline-deviation rules are always inert then, flag or not.
	RequiresBaseline bool `yaml:"requires_baseline,omitempty" json:"requiresBaseline,omitempty"`

	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// NeedsBaseline reports whether the rule may only run on a usable baseline.
func (r RuleDefinition) NeedsBaseline() bool {
	return r.RequiresBaseline || r.Category == CategoryBaseline
}

// ScorePoints maps severity tiers to score contributions.
type ScorePoints struct {
	Low      float64 `yaml:"low" json:"low"`
	Medium   float64 `yaml:"medium" json:"medium"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// For returns the points of a severity tier.
func (p ScorePoints) For(s Severity) float64 {
	switch s {
	case SeverityLow:
		return p.Low
	case SeverityMedium:
		return p.Medium
	case SeverityHigh:
		return p.High
	case SeverityCritical:
		return p.Critical
	default:
		return 0
	}
}

// DefaultScorePoints are the standard tier points.
func DefaultScorePoints() ScorePoints {
	return ScorePoints{Low: 5, Medium: 10, High: 20, Critical: 40}
}

// LevelBoundaries are the score thresholds of the risk levels.
// Scores below Suspect are normal, scores in [Suspect, Critical) are suspect.
type LevelBoundaries struct {
	Suspect  float64 `yaml:"suspect" json:"suspect"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// RiskLevel is the discretized band of a risk score.
type RiskLevel string

const (
	RiskNormal   RiskLevel = "normal"
	RiskSuspect  RiskLevel = "suspect"
	RiskCritical RiskLevel = "critical"
)

// RuleSet is the versioned rule configuration consumed by the engine and
// exposed read-only to reporting.
type RuleSet struct {
	Version    string             `yaml:"version" json:"version"`
	Name       string             `yaml:"name" json:"name"`
	Thresholds map[string]float64 `yaml:"thresholds" json:"thresholds"`
	Points     ScorePoints        `yaml:"points" json:"points"`
	Levels     LevelBoundaries    `yaml:"levels" json:"levels"`
	Rules      []RuleDefinition   `yaml:"rules" json:"rules"`
}

// RuleMatch is a rule that fired for one evaluation, with the values behind it.
type RuleMatch struct {
	Code     string             `json:"code"`
	Label    string             `json:"label"`
	Category RuleCategory       `json:"category"`
	Severity Severity           `json:"severity"`
	Score    float64            `json:"score"`
	Values   map[string]float64 `json:"values,omitempty"`
}

// PrimaryMatch returns the match used for human-facing explanation: highest
// severity, then highest score, then earliest position.
func PrimaryMatch(matches []RuleMatch) (RuleMatch, bool) {
	if len(matches) == 0 {
		return RuleMatch{}, false
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Severity.Rank() > best.Severity.Rank() ||
			(m.Severity.Rank() == best.Severity.Rank() && m.Score > best.Score) {
			best = m
		}
	}
	return best, true
}
