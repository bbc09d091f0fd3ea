// Package loader fingerprints categorized records and upserts them into the
// canonical store.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
	"github.com/FACorreiaa/spendsense/pkg/observability"
)

// Store is the single write the loader needs from the canonical store. It
// must apply the insert-or-update atomically and never overwrite category
// fields of an overridden row.
type Store interface {
	Upsert(ctx context.Context, tx *model.CanonicalTransaction) (model.Outcome, error)
}

// Config tunes retries and fan-out.
type Config struct {
	MaxRetries  uint64
	BaseDelay   time.Duration
	Concurrency int
}

// Loader writes categorized records to the canonical store.
type Loader struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

func New(store Store, cfg Config, logger *slog.Logger) *Loader {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Loader{store: store, cfg: cfg, logger: logger}
}

// Fingerprint identifies one economic event: the same user, UTC calendar
// day, amount to two decimals, direction, cleaned description and source id
// always hash to the same value.
func Fingerprint(rec model.NormalizedRecord) string {
	data := strings.Join([]string{
		rec.UserID.String(),
		rec.OccurredAt.UTC().Format(time.DateOnly),
		rec.Amount.StringFixed(2),
		string(rec.Direction),
		rec.NormalizedDescription,
		rec.SourceID,
	}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Build assembles the canonical row for a categorized record.
func Build(rec model.NormalizedRecord, result model.CategorizationResult, ruleVersion string) *model.CanonicalTransaction {
	return &model.CanonicalTransaction{
		Fingerprint:           Fingerprint(rec),
		UserID:                rec.UserID,
		SourceID:              rec.SourceID,
		SourceType:            rec.SourceType,
		BatchID:               rec.BatchID,
		Amount:                rec.Amount,
		Currency:              rec.Currency,
		Direction:             rec.Direction,
		OccurredAt:            rec.OccurredAt.UTC(),
		NormalizedDescription: rec.NormalizedDescription,
		MerchantToken:         rec.MerchantToken,
		CategoryCode:          result.CategoryCode,
		SubcategoryCode:       result.SubcategoryCode,
		Confidence:            result.Confidence,
		MatchedRuleID:         result.MatchedRuleID,
		RuleVersion:           ruleVersion,
	}
}

// Load upserts one record, retrying transient store failures with
// exponential backoff. Invalid records and cancellation are not retried.
func (l *Loader) Load(ctx context.Context, rec model.NormalizedRecord, result model.CategorizationResult, ruleVersion string) (model.Outcome, error) {
	tx := Build(rec, result, ruleVersion)

	backoff := retry.WithMaxRetries(l.cfg.MaxRetries, retry.NewExponential(l.cfg.BaseDelay))
	var outcome model.Outcome
	attempt := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, err := l.store.Upsert(ctx, tx)
		if err == nil {
			outcome = out
			return nil
		}
		if errors.Is(err, common.ErrInvalidRecord) || ctx.Err() != nil {
			return err
		}

		observability.StoreRetries.Inc()
		l.logger.WarnContext(ctx, "canonical store write failed, retrying",
			slog.String("source_id", rec.SourceID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		return retry.RetryableError(err)
	})
	if err != nil {
		return "", fmt.Errorf("failed to load record %s: %w", rec.SourceID, err)
	}

	return outcome, nil
}

// Item is one categorized record awaiting load.
type Item struct {
	Record model.NormalizedRecord
	Result model.CategorizationResult
}

// ItemResult is the load outcome of the item at the same index.
type ItemResult struct {
	SourceID string
	Outcome  model.Outcome
	Err      error
}

// LoadAll loads items with bounded concurrency. A failing record never
// stops its siblings; results come back in input order.
func (l *Loader) LoadAll(ctx context.Context, items []Item, ruleVersion string) []ItemResult {
	results := make([]ItemResult, len(items))

	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)

	for i, item := range items {
		g.Go(func() error {
			results[i].SourceID = item.Record.SourceID
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			outcome, err := l.Load(ctx, item.Record, item.Result, ruleVersion)
			results[i].Outcome = outcome
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	return results
}
