// Package normalizer strips payment-rail noise from raw bank descriptions
// and derives a canonical merchant token.
package normalizer

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

var (
	vpaPattern       = regexp.MustCompile(`@[\pL\pN.\-]+`)
	delimiterPattern = regexp.MustCompile(`[-/@*|_:;]+`)
	referencePattern = regexp.MustCompile(`\b(?:ref(?:\s+no)?|utr|rrn|txn(?:\s+id)?)\s*\.?\s*[\pL\pN]*\pN[\pL\pN]*`)
	maskedPattern    = regexp.MustCompile(`\b[\pNx]*x{2,}\pN+\b`)
	digitHeavy       = regexp.MustCompile(`\b[\pL\pN]*\pN{4,}[\pL\pN]*\b`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// railWords are payment-rail and posting-type markers that never describe a merchant.
var railWords = map[string]struct{}{
	"upi": {}, "rev": {}, "neft": {}, "imps": {}, "rtgs": {}, "ach": {}, "nach": {},
	"ecs": {}, "nwd": {}, "pos": {}, "ib": {}, "billpay": {}, "dr": {}, "cr": {},
	"p2m": {}, "p2a": {}, "mb": {}, "inb": {}, "d": {},
}

// bankCodes are IFSC prefixes that appear as segments in UPI and NEFT narrations.
var bankCodes = map[string]struct{}{
	"UTIB": {}, "KKBK": {}, "ICIC": {}, "HDFC": {}, "SBIN": {}, "YESB": {},
	"PUNB": {}, "BARB": {}, "IDFB": {}, "INDB": {}, "CNRB": {}, "UBIN": {},
	"HDFCCS": {}, "AIRP": {}, "PYTM": {},
}

// minMerchantLetters is the shortest alphabetic run accepted as a merchant.
const minMerchantLetters = 3

// Normalize cleans a raw record's description. It never fails: when cleaning
// leaves nothing the lower-cased input is kept, and when no merchant can be
// derived the token is nil.
func Normalize(rec model.RawRecord) model.NormalizedRecord {
	folded := foldAccents(rec.RawDescription)
	return model.NormalizedRecord{
		RawRecord:             rec,
		NormalizedDescription: cleanDescription(folded),
		MerchantToken:         extractMerchant(folded),
	}
}

// CleanDescription exposes the description cleaning on its own.
func CleanDescription(raw string) string {
	return cleanDescription(foldAccents(raw))
}

func cleanDescription(folded string) string {
	lower := strings.ToLower(folded)
	fallback := collapse(lower)

	text := vpaPattern.ReplaceAllString(lower, " ")
	text = delimiterPattern.ReplaceAllString(text, " ")
	text = stripLeadingRails(collapse(text))
	text = referencePattern.ReplaceAllString(text, " ")
	text = maskedPattern.ReplaceAllString(text, " ")
	text = digitHeavy.ReplaceAllString(text, " ")
	text = collapse(text)

	if text == "" {
		return fallback
	}
	return text
}

// extractMerchant returns the first alphabetic segment of a delimiter-structured
// narration that is not a rail marker or a bank code.
func extractMerchant(folded string) *string {
	if !delimiterPattern.MatchString(folded) {
		return nil
	}

	segments := delimiterPattern.Split(folded, -1)
	// The trailing segment is a VPA host or free-text remark, never a merchant.
	for _, seg := range segments[:len(segments)-1] {
		seg = stripLeadingRails(collapse(strings.ToLower(seg)))
		if seg == "" || !isAlphabetic(seg) {
			continue
		}
		token := strings.ToUpper(seg)
		if _, ok := bankCodes[token]; ok {
			continue
		}
		if letterCount(seg) < minMerchantLetters {
			continue
		}
		return &token
	}
	return nil
}

func stripLeadingRails(text string) string {
	fields := strings.Fields(text)
	i := 0
	for i < len(fields) {
		if _, ok := railWords[fields[i]]; !ok {
			break
		}
		i++
	}
	return strings.Join(fields[i:], " ")
}

// foldAccents builds its transformer per call; chained transformers are stateful.
func foldAccents(s string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(folder, s)
	if err != nil {
		return s
	}
	return out
}

func collapse(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func isAlphabetic(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && r != ' ' {
			return false
		}
	}
	return true
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
