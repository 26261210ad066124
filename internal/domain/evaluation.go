package domain

// Assessment is the outcome of running one shift through the deriver, the
// baseline service, the rule engine and the scorer. It is not persisted as is;
// the lifecycle manager copies its score and matches into a FraudEvent.
type Assessment struct {
	ShiftID        string          `json:"shiftId"`
	DriverID       string          `json:"driverId"`
	Metrics        DerivedMetrics  `json:"metrics"`
	Baseline       *DriverBaseline `json:"baseline,omitempty"`
	Matches        []RuleMatch     `json:"matches"`
	RiskScore      float64         `json:"riskScore"`
	RiskLevel      RiskLevel       `json:"riskLevel"`
	RuleSetVersion string          `json:"ruleSetVersion"`
}

// HasMatches reports whether any rule fired.
func (a *Assessment) HasMatches() bool {
	return a != nil && len(a.Matches) > 0
}

// Reasons extracts human-readable labels of the matched rules, primary first.
func (a *Assessment) Reasons() []string {
	if !a.HasMatches() {
		return nil
	}
	primary, _ := PrimaryMatch(a.Matches)
	reasons := []string{primary.Label}
	for _, m := range a.Matches {
		if m.Code != primary.Code {
			reasons = append(reasons, m.Label)
		}
	}
	return reasons
}
