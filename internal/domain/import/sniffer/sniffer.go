// Package sniffer detects the layout of bank statement exports (CSV/TSV) and
// turns their rows into raw records for ingestion.
package sniffer

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

// Common bank statement header keywords (multi-language)
var headerKeywords = []string{
	// English, including Indian bank exports
	"date", "description", "narration", "particulars", "amount", "debit", "credit",
	"withdrawal", "deposit", "balance", "merchant", "reference",
	// Portuguese
	"data mov", "descrição", "descricao", "débito", "debito", "crédito", "credito", "saldo",
	// Spanish
	"fecha", "descripción", "descripcion", "importe", "cargo", "abono",
}

// FileConfig is the detected layout of a statement file.
type FileConfig struct {
	Delimiter rune
	// SkipLines is the number of metadata lines before the header row.
	SkipLines int
	Headers   []string
	// Fingerprint identifies the layout, and so usually the bank.
	Fingerprint string
}

// ColumnMapping holds column indices, -1 when absent.
type ColumnMapping struct {
	DateCol      int
	DescCol      int
	AmountCol    int
	DebitCol     int
	CreditCol    int
	ReferenceCol int
	CurrencyCol  int
}

// IsDoubleEntry reports separate debit and credit columns.
func (m ColumnMapping) IsDoubleEntry() bool {
	return m.DebitCol != -1 && m.CreditCol != -1
}

var (
	ErrEmptyFile        = errors.New("file is empty")
	ErrNoHeadersFound   = errors.New("could not find data headers")
	ErrUnmappedColumns  = errors.New("statement needs date, description and amount columns")
	ErrInvalidDelimiter = errors.New("could not detect valid delimiter")
)

// DetectConfig finds the header row, its delimiter and the layout fingerprint.
func DetectConfig(data []byte) (*FileConfig, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyFile
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	delimiter, skipLines, err := findHeaderRow(lines)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(lines[skipLines]))
	reader.Comma = delimiter
	reader.LazyQuotes = true
	headers, err := reader.Read()
	if err != nil {
		return nil, ErrInvalidDelimiter
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}

	return &FileConfig{
		Delimiter:   delimiter,
		SkipLines:   skipLines,
		Headers:     headers,
		Fingerprint: generateFingerprint(headers),
	}, nil
}

// SuggestColumns matches header names to the columns a record needs.
func SuggestColumns(headers []string) ColumnMapping {
	m := ColumnMapping{DateCol: -1, DescCol: -1, AmountCol: -1, DebitCol: -1, CreditCol: -1, ReferenceCol: -1, CurrencyCol: -1}

	for i, header := range headers {
		h := strings.ToLower(strings.TrimSpace(header))

		switch {
		case m.DateCol == -1 && (strings.Contains(h, "data mov") || strings.Contains(h, "date") ||
			strings.Contains(h, "fecha") || h == "data"):
			m.DateCol = i
		case m.DescCol == -1 && (strings.Contains(h, "descri") || strings.Contains(h, "narration") ||
			strings.Contains(h, "particulars") || strings.Contains(h, "merchant") || h == "name"):
			m.DescCol = i
		case m.DebitCol == -1 && (strings.Contains(h, "débito") || strings.Contains(h, "debito") ||
			strings.Contains(h, "debit") || strings.Contains(h, "withdrawal") || strings.Contains(h, "cargo")):
			m.DebitCol = i
		case m.CreditCol == -1 && (strings.Contains(h, "crédito") || strings.Contains(h, "credito") ||
			strings.Contains(h, "credit") || strings.Contains(h, "deposit") || strings.Contains(h, "abono")):
			m.CreditCol = i
		case m.AmountCol == -1 && (h == "amount" || h == "valor" || h == "importe" || h == "montante"):
			m.AmountCol = i
		case m.ReferenceCol == -1 && (strings.Contains(h, "ref") || h == "id" || h == "transaction id"):
			m.ReferenceCol = i
		case m.CurrencyCol == -1 && (h == "currency" || h == "moeda" || h == "divisa"):
			m.CurrencyCol = i
		}
	}

	return m
}

// findHeaderRow locates the header row and its delimiter
func findHeaderRow(lines []string) (rune, int, error) {
	delimiters := []rune{';', '\t', ',', '|'}

	for i, line := range lines {
		if i > 20 {
			break
		}

		lineLower := strings.ToLower(line)
		hasKeyword := false
		for _, kw := range headerKeywords {
			if strings.Contains(lineLower, kw) {
				hasKeyword = true
				break
			}
		}
		if !hasKeyword {
			continue
		}

		// At least four columns.
		for _, d := range delimiters {
			if strings.Count(line, string(d)) >= 3 {
				return d, i, nil
			}
		}
	}

	return 0, 0, ErrNoHeadersFound
}

// generateFingerprint hashes the normalized header names
func generateFingerprint(headers []string) string {
	var normalized []string
	for _, h := range headers {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, h)
		if clean != "" {
			normalized = append(normalized, clean)
		}
	}

	hash := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(hash[:])
}
