package rules

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

const (
	// regexSpanBonus is added when a regex match covers most of the description.
	regexSpanBonus = 0.05
	// keywordFloor is the share of base confidence a keyword keeps no matter
	// how short it is relative to the description.
	keywordFloor = 0.5
)

// Candidate is one rule that fired for a record.
type Candidate struct {
	RuleID          string
	CategoryCode    string
	SubcategoryCode *string
	Confidence      float64
	Priority        int
	// Ordinal is the rule's position in its snapshot.
	Ordinal int
}

// Evaluate returns every rule in the snapshot that fires for the record,
// in snapshot order. Candidates are independent of each other.
func Evaluate(s *Snapshot, rec model.NormalizedRecord) []Candidate {
	var candidates []Candidate
	desc := rec.NormalizedDescription
	descLen := utf8.RuneCountInString(desc)

	for i, rule := range s.rules {
		var (
			confidence float64
			fired      bool
		)

		switch rule.MatchType {
		case MatchMerchantExact:
			if rec.MerchantToken != nil && strings.EqualFold(*rec.MerchantToken, strings.TrimSpace(rule.Pattern)) {
				confidence, fired = rule.BaseConfidence, true
			}
		case MatchKeyword:
			kw := s.keywords[i]
			if descLen > 0 && strings.Contains(desc, kw) {
				ratio := float64(utf8.RuneCountInString(kw)) / float64(descLen)
				confidence, fired = rule.BaseConfidence*(keywordFloor+(1-keywordFloor)*math.Min(1, ratio)), true
			}
		case MatchRegex:
			if loc := s.compiled[i].FindStringIndex(desc); loc != nil {
				confidence, fired = rule.BaseConfidence, true
				span := utf8.RuneCountInString(desc[loc[0]:loc[1]])
				if 2*span > descLen {
					confidence = math.Min(1, confidence+regexSpanBonus)
				}
			}
		}

		if !fired {
			continue
		}
		candidates = append(candidates, Candidate{
			RuleID:          rule.ID,
			CategoryCode:    rule.CategoryCode,
			SubcategoryCode: rule.SubcategoryCode,
			Confidence:      roundConfidence(confidence),
			Priority:        rule.Priority,
			Ordinal:         i,
		})
	}

	return candidates
}

// roundConfidence keeps confidences at four decimals so stored values
// compare equal to freshly computed ones.
func roundConfidence(c float64) float64 {
	return math.Round(c*1e4) / 1e4
}
