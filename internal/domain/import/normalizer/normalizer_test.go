package normalizer

import (
	"testing"

	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

func TestNormalize_Descriptions(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"upi vpa", "UPI-SWIGGY-INSTAMART@okicici", "swiggy instamart"},
		{"neft reference", "NEFT TRANSFER REF 88213", "transfer"},
		{"masked card", "POS 416021XXXXXX1514 AMAZON RETAIL", "amazon retail"},
		{"upi reference number", "UPI/P2M/412345678901/ZOMATO LTD/Payment", "zomato ltd payment"},
		{"utr suffix", "IMPS RENT JUNE UTR 4410021", "rent june"},
		{"accents", "Café Coffee Day", "cafe coffee day"},
		{"whitespace", "  Big   Bazaar\t ", "big bazaar"},
		{"only noise falls back", "1234 5678", "1234 5678"},
		{"empty", "", ""},
	}

	for _, tc := range tests {
		got := Normalize(model.RawRecord{RawDescription: tc.input})
		if got.NormalizedDescription != tc.expected {
			t.Errorf("%s: Normalize(%q) = %q, want %q", tc.name, tc.input, got.NormalizedDescription, tc.expected)
		}
	}
}

func TestNormalize_MerchantToken(t *testing.T) {
	tests := []struct {
		input    string
		expected string // empty means nil
	}{
		{"UPI-SWIGGY-INSTAMART@okicici", "SWIGGY"},
		{"UPI/P2M/412345678901/ZOMATO LTD/Payment", "ZOMATO LTD"},
		{"UPI-UTIB-NETFLIX-123@ybl", "NETFLIX"},
		{"NEFT-HDFC0001234-ACME CORP-REF991", "ACME CORP"},
		{"NEFT TRANSFER REF 88213", ""},
		{"POS 416021XXXXXX1514 AMAZON", ""},
		{"UPI-AB-12345", ""},
		{"-SWIGGY", ""},
	}

	for _, tc := range tests {
		got := Normalize(model.RawRecord{RawDescription: tc.input}).MerchantToken
		switch {
		case tc.expected == "" && got != nil:
			t.Errorf("Normalize(%q) merchant = %q, want nil", tc.input, *got)
		case tc.expected != "" && got == nil:
			t.Errorf("Normalize(%q) merchant = nil, want %q", tc.input, tc.expected)
		case tc.expected != "" && *got != tc.expected:
			t.Errorf("Normalize(%q) merchant = %q, want %q", tc.input, *got, tc.expected)
		}
	}
}

func TestNormalize_KeepsRawRecord(t *testing.T) {
	rec := model.RawRecord{SourceID: "s-1", RawDescription: "UPI-SWIGGY-X@ok", Currency: "INR"}
	got := Normalize(rec)
	if got.RawRecord != rec {
		t.Fatalf("raw record changed: %+v", got.RawRecord)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	rec := model.RawRecord{RawDescription: "UPI-SWIGGY-INSTAMART@okicici"}
	first := Normalize(rec)
	for i := 0; i < 50; i++ {
		again := Normalize(rec)
		if again.NormalizedDescription != first.NormalizedDescription || *again.MerchantToken != *first.MerchantToken {
			t.Fatalf("run %d differs: %+v vs %+v", i, again, first)
		}
	}
}

func TestCleanDescription(t *testing.T) {
	if got := CleanDescription("ACH D- ZERODHA BROKING 0001234567"); got != "zerodha broking" {
		t.Fatalf("CleanDescription = %q", got)
	}
}
