package resolver

import (
	"testing"

	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
	"github.com/FACorreiaa/spendsense/internal/domain/import/normalizer"
	"github.com/FACorreiaa/spendsense/internal/domain/import/rules"
)

func strPtr(s string) *string { return &s }

func TestResolve_Fallback(t *testing.T) {
	got := Resolve(nil)
	if got.CategoryCode != "others" || got.SubcategoryCode != nil || got.Confidence != 0 || got.MatchedRuleID != nil {
		t.Fatalf("unexpected fallback: %+v", got)
	}
	if got.Matched() {
		t.Fatalf("fallback must not report a match")
	}
}

func TestResolve_TieBreaks(t *testing.T) {
	tests := []struct {
		name       string
		candidates []rules.Candidate
		want       string
	}{
		{
			name: "highest confidence wins",
			candidates: []rules.Candidate{
				{RuleID: "low", Confidence: 0.7, Priority: 1, Ordinal: 0},
				{RuleID: "high", Confidence: 0.9, Priority: 50, Ordinal: 1},
			},
			want: "high",
		},
		{
			name: "equal confidence, lower priority wins",
			candidates: []rules.Candidate{
				{RuleID: "p20", Confidence: 0.8, Priority: 20, Ordinal: 0},
				{RuleID: "p10", Confidence: 0.8, Priority: 10, Ordinal: 1},
			},
			want: "p10",
		},
		{
			name: "equal confidence and priority, first in snapshot wins",
			candidates: []rules.Candidate{
				{RuleID: "second", Confidence: 0.8, Priority: 10, Ordinal: 3},
				{RuleID: "first", Confidence: 0.8, Priority: 10, Ordinal: 1},
			},
			want: "first",
		},
	}

	for _, tc := range tests {
		got := Resolve(tc.candidates)
		if got.MatchedRuleID == nil || *got.MatchedRuleID != tc.want {
			t.Errorf("%s: got %+v, want rule %s", tc.name, got, tc.want)
		}

		reversed := make([]rules.Candidate, len(tc.candidates))
		for i, c := range tc.candidates {
			reversed[len(tc.candidates)-1-i] = c
		}
		again := Resolve(reversed)
		if *again.MatchedRuleID != tc.want {
			t.Errorf("%s: input order changed the winner to %s", tc.name, *again.MatchedRuleID)
		}
	}
}

func TestResolve_SingleCandidateUnchanged(t *testing.T) {
	c := rules.Candidate{RuleID: "swiggy", CategoryCode: "dining", SubcategoryCode: strPtr("food_delivery"), Confidence: 0.95}
	got := Resolve([]rules.Candidate{c})
	if got.CategoryCode != "dining" || *got.SubcategoryCode != "food_delivery" || got.Confidence != 0.95 || *got.MatchedRuleID != "swiggy" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestCategorize_Scenarios(t *testing.T) {
	snapshot, err := rules.NewSnapshot("v1", []rules.Rule{
		{ID: "swiggy", MatchType: rules.MatchMerchantExact, Pattern: "SWIGGY", CategoryCode: "dining", SubcategoryCode: strPtr("food_delivery"), Priority: 10, BaseConfidence: 0.95},
	})
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}

	swiggy := Categorize(snapshot, normalizer.Normalize(model.RawRecord{RawDescription: "UPI-SWIGGY-INSTAMART@okicici"}))
	if swiggy.CategoryCode != "dining" || *swiggy.SubcategoryCode != "food_delivery" || swiggy.Confidence != 0.95 {
		t.Fatalf("unexpected swiggy result: %+v", swiggy)
	}

	neft := Categorize(snapshot, normalizer.Normalize(model.RawRecord{RawDescription: "NEFT TRANSFER REF 88213"}))
	if neft != model.Fallback() {
		t.Fatalf("expected fallback, got %+v", neft)
	}
}

func TestCategorize_Deterministic(t *testing.T) {
	snapshot, err := rules.LoadEmbedded()
	if err != nil {
		t.Fatalf("LoadEmbedded: %v", err)
	}

	inputs := []string{
		"UPI-SWIGGY-INSTAMART@okicici",
		"POS 416021XXXXXX1514 AMAZON RETAIL",
		"BESCOM ELECTRICITY BILL",
		"NEFT TRANSFER REF 88213",
		"ATM CASH WITHDRAWAL 0042",
	}
	for _, in := range inputs {
		rec := normalizer.Normalize(model.RawRecord{RawDescription: in})
		first := Categorize(snapshot, rec)
		for i := 0; i < 20; i++ {
			again := Categorize(snapshot, rec)
			if again.CategoryCode != first.CategoryCode || again.Confidence != first.Confidence ||
				(again.MatchedRuleID == nil) != (first.MatchedRuleID == nil) {
				t.Fatalf("%q: run %d differs: %+v vs %+v", in, i, again, first)
			}
		}
	}
}
