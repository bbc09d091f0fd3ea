package sniffer

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

// DefaultDateLayouts are tried in order. Day-first layouts win over
// month-first ones for ambiguous dates.
var DefaultDateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"02/01/06",
	"02-Jan-2006",
	"02 Jan 2006",
	"01/02/2006",
}

// Options control how statement rows become records.
type Options struct {
	UserID uuid.UUID
	// Currency applies when the file has no currency column.
	Currency    string
	DateLayouts []string
	// Location interprets dates without a zone. Defaults to UTC.
	Location *time.Location
}

// RowError is a row that could not be turned into a record.
type RowError struct {
	Line   int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ParseStatement reads every data row after the header. Rows without a
// reference column get a source id derived from the layout and row content,
// so re-importing the same export yields the same ids.
func ParseStatement(data []byte, cfg *FileConfig, mapping ColumnMapping, opts Options) ([]model.RawRecord, []RowError, error) {
	if mapping.DateCol == -1 || mapping.DescCol == -1 || (mapping.AmountCol == -1 && !mapping.IsDoubleEntry()) {
		return nil, nil, ErrUnmappedColumns
	}
	if len(opts.DateLayouts) == 0 {
		opts.DateLayouts = DefaultDateLayouts
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = cfg.Delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var (
		records []model.RawRecord
		errs    []RowError
		seen    = make(map[string]int)
	)
	headerLine := cfg.SkipLines + 1
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) && parseErr.Line > headerLine {
				errs = append(errs, RowError{Line: parseErr.Line, Reason: parseErr.Err.Error()})
			}
			continue
		}
		line, _ := reader.FieldPos(0)
		if line <= headerLine || blank(fields) {
			continue
		}

		rec, err := toRecord(fields, mapping, opts)
		if err != nil {
			errs = append(errs, RowError{Line: line, Reason: err.Error()})
			continue
		}

		if mapping.ReferenceCol != -1 && field(fields, mapping.ReferenceCol) != "" {
			rec.SourceID = field(fields, mapping.ReferenceCol)
		} else {
			key := rowKey(cfg.Fingerprint, fields)
			// Identical rows (two equal purchases on one day) stay distinct.
			seen[key]++
			rec.SourceID = fmt.Sprintf("csv:%s:%d", key[:24], seen[key])
		}
		records = append(records, rec)
	}

	return records, errs, nil
}

func toRecord(fields []string, m ColumnMapping, opts Options) (model.RawRecord, error) {
	occurredAt, err := parseDate(field(fields, m.DateCol), opts.DateLayouts, opts.Location)
	if err != nil {
		return model.RawRecord{}, err
	}

	var (
		amount    decimal.Decimal
		direction model.Direction
	)
	if m.IsDoubleEntry() {
		debit, err := parseAmount(field(fields, m.DebitCol))
		if err != nil {
			return model.RawRecord{}, err
		}
		credit, err := parseAmount(field(fields, m.CreditCol))
		if err != nil {
			return model.RawRecord{}, err
		}
		switch {
		case !debit.IsZero():
			amount, direction = debit.Abs(), model.DirectionDebit
		case !credit.IsZero():
			amount, direction = credit.Abs(), model.DirectionCredit
		default:
			return model.RawRecord{}, errors.New("no debit or credit amount")
		}
	} else {
		if field(fields, m.AmountCol) == "" {
			return model.RawRecord{}, errors.New("missing amount")
		}
		signed, err := parseAmount(field(fields, m.AmountCol))
		if err != nil {
			return model.RawRecord{}, err
		}
		direction = model.DirectionCredit
		if signed.IsNegative() {
			direction = model.DirectionDebit
		}
		amount = signed.Abs()
	}

	currency := opts.Currency
	if m.CurrencyCol != -1 && field(fields, m.CurrencyCol) != "" {
		currency = field(fields, m.CurrencyCol)
	}

	return model.RawRecord{
		UserID:         opts.UserID,
		RawDescription: field(fields, m.DescCol),
		Amount:         amount,
		Currency:       currency,
		Direction:      direction,
		OccurredAt:     occurredAt,
		SourceType:     model.SourceStatement,
	}, nil
}

func parseDate(value string, layouts []string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("missing date")
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

// parseAmount accepts 1,234.56 and 1.234,56 styles, a leading minus or
// accounting parentheses, and ignores currency symbols. Empty is zero.
func parseAmount(value string) (decimal.Decimal, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return decimal.Zero, nil
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == ',', r == '.':
			b.WriteRune(r)
		case r == '-':
			negative = true
		}
	}
	// Drops the dot of a "Rs." prefix.
	s = strings.TrimLeft(b.String(), ".,")

	lastComma, lastDot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	switch {
	case lastComma != -1 && lastDot != -1:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma != -1:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", value)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func rowKey(layout string, fields []string) string {
	hash := sha256.Sum256([]byte(layout + "|" + strings.Join(fields, "\x1f")))
	return hex.EncodeToString(hash[:])
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
