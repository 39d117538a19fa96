// Package scoring provides the Lead Scorer - a deterministic, monotonic
// sales-readiness score over the fact set.
package scoring

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
)

const (
	MinScore = 1
	MaxScore = 10

	// DefaultQualificationThreshold is the budget amount that earns the extra point.
	DefaultQualificationThreshold = 300.0

	engagementTurns = 10
	confidentName   = 0.8
)

// Signal names used in Record.Breakdown.
const (
	SignalBase       = "base"
	SignalName       = "name"
	SignalBusiness   = "business_type"
	SignalGoal       = "goal"
	SignalBudget     = "budget"
	SignalThreshold  = "budget_threshold"
	SignalEngagement = "engagement"
)

// Record is one scoring result.
type Record struct {
	Score         int            `json:"score"`
	PreviousScore int            `json:"previous_score"`
	Raw           int            `json:"raw"`
	Breakdown     map[string]int `json:"breakdown"`
	Rationale     string         `json:"rationale"`
	Capped        bool           `json:"capped"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ToMap converts the record for wire and storage formats.
func (r Record) ToMap() map[string]any {
	breakdown := make(map[string]any, len(r.Breakdown))
	for k, v := range r.Breakdown {
		breakdown[k] = v
	}
	return map[string]any{
		"score":          r.Score,
		"previous_score": r.PreviousScore,
		"raw":            r.Raw,
		"breakdown":      breakdown,
		"rationale":      r.Rationale,
		"capped":         r.Capped,
		"timestamp":      r.Timestamp.Format(time.RFC3339),
	}
}

// Scorer computes lead scores. The zero value uses the default threshold.
type Scorer struct {
	QualificationThreshold float64
}

// NewScorer creates a Scorer with the given budget threshold. A non-positive
// threshold selects the default.
func NewScorer(threshold float64) *Scorer {
	if threshold <= 0 {
		threshold = DefaultQualificationThreshold
	}
	return &Scorer{QualificationThreshold: threshold}
}

func (s *Scorer) threshold() float64 {
	if s == nil || s.QualificationThreshold <= 0 {
		return DefaultQualificationThreshold
	}
	return s.QualificationThreshold
}

// MeetsThreshold reports whether fs carries a budget at or above the
// qualification threshold.
func (s *Scorer) MeetsThreshold(fs facts.FactSet) bool {
	amount, ok := facts.BudgetAmount(fs.Value(facts.KeyBudget))
	return ok && amount >= s.threshold()
}

// Score combines the fact set with the previous score. The result never drops
// below previous and is clamped to [1,10].
func (s *Scorer) Score(fs facts.FactSet, previous int, turnCount int) Record {
	breakdown := map[string]int{SignalBase: 1}
	reasons := []string{"base 1"}

	hasName := fs.Has(facts.KeyName)
	if hasName {
		points := 1
		if f, _ := fs.Get(facts.KeyName); f.Confidence >= confidentName {
			points = 2
		}
		breakdown[SignalName] = points
		reasons = append(reasons, fmt.Sprintf("name +%d", points))
	}

	hasBusiness := fs.IsSpecificBusiness()
	if hasBusiness {
		breakdown[SignalBusiness] = 2
		reasons = append(reasons, "specific business +2")
	}

	if fs.Has(facts.KeyGoal) {
		breakdown[SignalGoal] = 2
		reasons = append(reasons, "goal +2")
	}

	hasBudget := fs.Has(facts.KeyBudget)
	if hasBudget {
		breakdown[SignalBudget] = 2
		reasons = append(reasons, "budget +2")
		if s.MeetsThreshold(fs) {
			breakdown[SignalThreshold] = 1
			reasons = append(reasons, fmt.Sprintf("budget >= %g +1", s.threshold()))
		}
	}

	if turnCount > engagementTurns {
		breakdown[SignalEngagement] = 1
		reasons = append(reasons, "engagement +1")
	}

	raw := 0
	for _, v := range breakdown {
		raw += v
	}

	total := raw
	capped := false
	switch {
	case !hasBusiness && !hasName && !hasBudget && total > 3:
		total, capped = 3, true
		reasons = append(reasons, "capped at 3: no business, name or budget")
	case !hasName && !hasBudget && total > 4:
		total, capped = 4, true
		reasons = append(reasons, "capped at 4: no name or budget")
	}

	final := total
	if previous > final {
		final = previous
		reasons = append(reasons, fmt.Sprintf("held at previous %d", previous))
	}
	final = clamp(final, MinScore, MaxScore)

	return Record{
		Score:         final,
		PreviousScore: previous,
		Raw:           raw,
		Breakdown:     breakdown,
		Rationale:     strings.Join(reasons, ", "),
		Capped:        capped,
		Timestamp:     time.Now().UTC(),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
