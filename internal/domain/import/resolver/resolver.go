// Package resolver picks one category assignment from the rules that fired.
package resolver

import (
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
	"github.com/FACorreiaa/spendsense/internal/domain/import/rules"
)

// Resolve selects the winning candidate: highest confidence, then lowest
// priority, then earliest position in the snapshot. With no candidates the
// record falls back to "others" at confidence zero. The order of the input
// slice never affects the result.
func Resolve(candidates []rules.Candidate) model.CategorizationResult {
	if len(candidates) == 0 {
		return model.Fallback()
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if outranks(c, best) {
			best = c
		}
	}

	id := best.RuleID
	return model.CategorizationResult{
		CategoryCode:    best.CategoryCode,
		SubcategoryCode: best.SubcategoryCode,
		Confidence:      best.Confidence,
		MatchedRuleID:   &id,
	}
}

func outranks(a, b rules.Candidate) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Ordinal < b.Ordinal
}

// Categorize runs evaluation and resolution for one record.
func Categorize(s *rules.Snapshot, rec model.NormalizedRecord) model.CategorizationResult {
	return Resolve(rules.Evaluate(s, rec))
}
