package rules

import (
	"testing"

	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

func strPtr(s string) *string { return &s }

func mustSnapshot(t *testing.T, rules ...Rule) *Snapshot {
	t.Helper()
	s, err := NewSnapshot("test-v1", rules)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	return s
}

func record(desc string, merchant *string) model.NormalizedRecord {
	return model.NormalizedRecord{NormalizedDescription: desc, MerchantToken: merchant}
}

func TestEvaluate_MerchantExact(t *testing.T) {
	s := mustSnapshot(t, Rule{
		ID: "swiggy", MatchType: MatchMerchantExact, Pattern: "swiggy",
		CategoryCode: "dining", SubcategoryCode: strPtr("food_delivery"),
		Priority: 10, BaseConfidence: 0.95,
	})

	got := Evaluate(s, record("swiggy instamart", strPtr("SWIGGY")))
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].Confidence != 0.95 || got[0].CategoryCode != "dining" || *got[0].SubcategoryCode != "food_delivery" {
		t.Fatalf("unexpected candidate: %+v", got[0])
	}

	if got := Evaluate(s, record("swiggy instamart", nil)); len(got) != 0 {
		t.Fatalf("merchant rule fired without a merchant token: %+v", got)
	}
}

func TestEvaluate_KeywordConfidence(t *testing.T) {
	s := mustSnapshot(t, Rule{
		ID: "amazon", MatchType: MatchKeyword, Pattern: "Amazon",
		CategoryCode: "shopping", BaseConfidence: 0.8,
	})

	tests := []struct {
		desc     string
		expected float64
	}{
		{"amazon", 0.8},                         // whole description
		{"amazon retail", 0.5846},               // 0.8 * (0.5 + 0.5*6/13)
		{"paid amazon seller services", 0.4889}, // 0.8 * (0.5 + 0.5*6/27)
	}
	for _, tc := range tests {
		got := Evaluate(s, record(tc.desc, nil))
		if len(got) != 1 {
			t.Fatalf("%q: expected 1 candidate, got %d", tc.desc, len(got))
		}
		if got[0].Confidence != tc.expected {
			t.Errorf("%q: confidence = %v, want %v", tc.desc, got[0].Confidence, tc.expected)
		}
	}

	if got := Evaluate(s, record("flipkart", nil)); len(got) != 0 {
		t.Fatalf("keyword fired on a miss: %+v", got)
	}
}

func TestEvaluate_KeywordMonotonic(t *testing.T) {
	s := mustSnapshot(t, Rule{ID: "k", MatchType: MatchKeyword, Pattern: "uber", CategoryCode: "transport", BaseConfidence: 0.9})

	short := Evaluate(s, record("uber trip", nil))[0].Confidence
	long := Evaluate(s, record("uber trip bangalore airport drop", nil))[0].Confidence
	if !(short > long) {
		t.Fatalf("expected tighter match to score higher: %v <= %v", short, long)
	}
	if long < 0.45 {
		t.Fatalf("keyword confidence fell below floor: %v", long)
	}
}

func TestEvaluate_RegexSpanBonus(t *testing.T) {
	s := mustSnapshot(t, Rule{
		ID: "power", MatchType: MatchRegex, Pattern: `bescom\s+\w+`,
		CategoryCode: "utilities", BaseConfidence: 0.8,
	})

	if got := Evaluate(s, record("bescom bill", nil)); len(got) != 1 || got[0].Confidence != 0.85 {
		t.Fatalf("expected span bonus, got %+v", got)
	}
	if got := Evaluate(s, record("paid via netbanking bescom bill", nil)); len(got) != 1 || got[0].Confidence != 0.8 {
		t.Fatalf("expected base confidence, got %+v", got)
	}
	if got := Evaluate(s, record("BESCOM BILL", nil)); len(got) != 1 {
		t.Fatalf("regex should be case-insensitive, got %+v", got)
	}
}

func TestEvaluate_RegexBonusClamped(t *testing.T) {
	s := mustSnapshot(t, Rule{ID: "r", MatchType: MatchRegex, Pattern: "rent", CategoryCode: "housing", BaseConfidence: 0.99})
	got := Evaluate(s, record("rent", nil))
	if len(got) != 1 || got[0].Confidence != 1 {
		t.Fatalf("expected clamp to 1, got %+v", got)
	}
}

func TestEvaluate_AllCandidatesInSnapshotOrder(t *testing.T) {
	s := mustSnapshot(t,
		Rule{ID: "a", MatchType: MatchKeyword, Pattern: "uber", CategoryCode: "transport", Priority: 5, BaseConfidence: 0.7},
		Rule{ID: "b", MatchType: MatchRegex, Pattern: "^uber", CategoryCode: "travel", Priority: 1, BaseConfidence: 0.6},
		Rule{ID: "c", MatchType: MatchMerchantExact, Pattern: "OLA", CategoryCode: "transport", BaseConfidence: 0.9},
	)

	got := Evaluate(s, record("uber trip", strPtr("UBER")))
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].RuleID != "a" || got[0].Ordinal != 0 || got[1].RuleID != "b" || got[1].Ordinal != 1 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[1].Priority != 1 {
		t.Fatalf("priority not carried: %+v", got[1])
	}
}

func TestEvaluate_NoRules(t *testing.T) {
	s := mustSnapshot(t)
	if got := Evaluate(s, record("neft transfer", nil)); len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
}
