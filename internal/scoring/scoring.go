// Package scoring aggregates rule matches into a risk score and maps the
// score to a risk level.
package scoring

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Processor turns a rule engine result into an assessment.
type Processor struct{}

// NewProcessor creates a new scoring processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// DecisionInput contains all data needed to score one shift.
type DecisionInput struct {
	ShiftID  string
	DriverID string
	Metrics  domain.DerivedMetrics
	Baseline *domain.DriverBaseline
	Result   *rules.Result
}

// Process scores the matches of input and classifies the total.
func (p *Processor) Process(input *DecisionInput) *domain.Assessment {
	a := &domain.Assessment{
		ShiftID:  input.ShiftID,
		DriverID: input.DriverID,
		Metrics:  input.Metrics,
		Baseline: input.Baseline,
	}

	if input.Result == nil {
		a.RiskLevel = domain.RiskNormal
		return a
	}

	a.Matches = input.Result.Matches
	a.RuleSetVersion = input.Result.RuleSetVersion
	a.RiskScore = Aggregate(a.Matches)
	a.RiskLevel = Classify(a.RiskScore, input.Result.Levels)
	return a
}

// Aggregate sums the score contributions of matches. There is no cap.
func Aggregate(matches []domain.RuleMatch) float64 {
	total := 0.0
	for _, m := range matches {
		total += m.Score
	}
	return total
}

// Classify maps a score to its risk level: normal below Suspect, suspect
// below Critical, critical from Critical up.
func Classify(score float64, levels domain.LevelBoundaries) domain.RiskLevel {
	switch {
	case score >= levels.Critical:
		return domain.RiskCritical
	case score >= levels.Suspect:
		return domain.RiskSuspect
	default:
		return domain.RiskNormal
	}
}
