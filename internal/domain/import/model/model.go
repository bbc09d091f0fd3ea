// Package model holds the records that flow through the ingestion pipeline.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
)

// DefaultCurrency is applied when a source omits the currency code.
const DefaultCurrency = "INR"

// FallbackCategory is assigned when no rule fires.
const FallbackCategory = "others"

// Direction is the money flow of a record relative to the user.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// ParseDirection accepts the long form and the dr/cr shorthand used by banks.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debit", "dr", "d":
		return DirectionDebit, nil
	case "credit", "cr", "c":
		return DirectionCredit, nil
	}
	return "", fmt.Errorf("unknown direction %q: %w", s, common.ErrInvalidRecord)
}

func (d Direction) Valid() bool {
	return d == DirectionDebit || d == DirectionCredit
}

// UnmarshalText accepts the dr/cr shorthand. Unknown values are kept as is
// so validation can report them per record.
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		*d = Direction(strings.ToLower(strings.TrimSpace(string(text))))
		return nil
	}
	*d = parsed
	return nil
}

// SourceType identifies where a record was captured.
type SourceType string

const (
	SourceManual    SourceType = "manual"
	SourceEmail     SourceType = "email"
	SourceStatement SourceType = "statement"
)

func (s SourceType) Valid() bool {
	return s.Rank() > 0
}

// Rank orders sources by authority. A statement line outranks an email
// notice, which outranks a hand-typed entry.
func (s SourceType) Rank() int {
	switch s {
	case SourceStatement:
		return 3
	case SourceEmail:
		return 2
	case SourceManual:
		return 1
	}
	return 0
}

// RawRecord is a single transaction as emitted by a source. Immutable once staged.
type RawRecord struct {
	SourceID       string          `json:"source_id"`
	UserID         uuid.UUID       `json:"user_id"`
	RawDescription string          `json:"raw_description"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Direction      Direction       `json:"direction"`
	OccurredAt     time.Time       `json:"occurred_at"`
	BatchID        uuid.UUID       `json:"ingestion_batch_id"`
	SourceType     SourceType      `json:"source_type"`
}

// WithDefaults fills the optional fields a source may leave empty.
func (r RawRecord) WithDefaults() RawRecord {
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if r.Currency == "" {
		r.Currency = DefaultCurrency
	}
	if r.SourceType == "" {
		r.SourceType = SourceManual
	}
	return r
}

// Validate reports the first structural problem with the record.
// Every returned error wraps common.ErrInvalidRecord.
func (r RawRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.SourceID) == "":
		return fmt.Errorf("missing source_id: %w", common.ErrInvalidRecord)
	case r.UserID == uuid.Nil:
		return fmt.Errorf("missing user_id: %w", common.ErrInvalidRecord)
	case r.OccurredAt.IsZero():
		return fmt.Errorf("missing occurred_at: %w", common.ErrInvalidRecord)
	case r.Amount.IsNegative():
		return fmt.Errorf("negative amount %s: %w", r.Amount, common.ErrInvalidRecord)
	case !r.Direction.Valid():
		return fmt.Errorf("invalid direction %q: %w", r.Direction, common.ErrInvalidRecord)
	case !r.SourceType.Valid():
		return fmt.Errorf("invalid source_type %q: %w", r.SourceType, common.ErrInvalidRecord)
	case len(r.Currency) != 3:
		return fmt.Errorf("invalid currency %q: %w", r.Currency, common.ErrInvalidRecord)
	}
	return nil
}

// NormalizedRecord is a RawRecord with its description cleaned. Never persisted on its own.
type NormalizedRecord struct {
	RawRecord
	NormalizedDescription string  `json:"normalized_description"`
	MerchantToken         *string `json:"merchant_token,omitempty"`
}

// CategorizationResult is the single category assignment for a record.
// A nil MatchedRuleID means the fallback category at confidence zero.
type CategorizationResult struct {
	CategoryCode    string  `json:"category_code"`
	SubcategoryCode *string `json:"subcategory_code,omitempty"`
	Confidence      float64 `json:"confidence"`
	MatchedRuleID   *string `json:"matched_rule_id,omitempty"`
}

// Fallback returns the result assigned when no rule fires.
func Fallback() CategorizationResult {
	return CategorizationResult{CategoryCode: FallbackCategory}
}

func (r CategorizationResult) Matched() bool {
	return r.MatchedRuleID != nil
}

// CanonicalTransaction is the deduplicated row downstream features read.
type CanonicalTransaction struct {
	Fingerprint                string          `json:"fingerprint" db:"fingerprint"`
	UserID                     uuid.UUID       `json:"user_id" db:"user_id"`
	SourceID                   string          `json:"source_id" db:"source_id"`
	SourceType                 SourceType      `json:"source_type" db:"source_type"`
	BatchID                    uuid.UUID       `json:"batch_id" db:"batch_id"`
	Amount                     decimal.Decimal `json:"amount" db:"amount"`
	Currency                   string          `json:"currency" db:"currency"`
	Direction                  Direction       `json:"direction" db:"direction"`
	OccurredAt                 time.Time       `json:"occurred_at" db:"occurred_at"`
	NormalizedDescription      string          `json:"normalized_description" db:"normalized_description"`
	MerchantToken              *string         `json:"merchant_token,omitempty" db:"merchant_token"`
	CategoryCode               string          `json:"category_code" db:"category_code"`
	SubcategoryCode            *string         `json:"subcategory_code,omitempty" db:"subcategory_code"`
	Confidence                 float64         `json:"confidence" db:"confidence"`
	MatchedRuleID              *string         `json:"matched_rule_id,omitempty" db:"matched_rule_id"`
	RuleVersion                string          `json:"rule_version" db:"rule_version"`
	SourceConfidenceOverridden bool            `json:"source_confidence_overridden" db:"source_confidence_overridden"`
	Revision                   int             `json:"revision" db:"revision"`
	CreatedAt                  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt                  time.Time       `json:"updated_at" db:"updated_at"`
}

// Normalized rebuilds the pipeline view of a stored transaction so it can be
// categorized again without the original raw text.
func (t CanonicalTransaction) Normalized() NormalizedRecord {
	return NormalizedRecord{
		RawRecord: RawRecord{
			SourceID:   t.SourceID,
			UserID:     t.UserID,
			Amount:     t.Amount,
			Currency:   t.Currency,
			Direction:  t.Direction,
			OccurredAt: t.OccurredAt,
			BatchID:    t.BatchID,
			SourceType: t.SourceType,
		},
		NormalizedDescription: t.NormalizedDescription,
		MerchantToken:         t.MerchantToken,
	}
}

// Outcome is what a load did to the canonical store.
type Outcome string

const (
	OutcomeInserted         Outcome = "inserted"
	OutcomeUpdated          Outcome = "updated"
	OutcomeSkippedUserOwned Outcome = "skipped_user_owned"
)

// ManualOverride is a user correction of a transaction's category.
type ManualOverride struct {
	Fingerprint     string    `json:"fingerprint"`
	UserID          uuid.UUID `json:"user_id"`
	CategoryCode    string    `json:"category_code"`
	SubcategoryCode *string   `json:"subcategory_code,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

func (o ManualOverride) Validate() error {
	if o.Fingerprint == "" || o.UserID == uuid.Nil {
		return fmt.Errorf("override needs a fingerprint and a user: %w", common.ErrBadRequest)
	}
	if strings.TrimSpace(o.CategoryCode) == "" {
		return fmt.Errorf("override needs a category_code: %w", common.ErrBadRequest)
	}
	return nil
}
