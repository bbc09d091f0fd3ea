// Package service orchestrates ingestion batches: staging, categorization on a
// worker pool and loading into the canonical store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/loader"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
	"github.com/FACorreiaa/spendsense/internal/domain/import/normalizer"
	"github.com/FACorreiaa/spendsense/internal/domain/import/repository"
	"github.com/FACorreiaa/spendsense/internal/domain/import/resolver"
	"github.com/FACorreiaa/spendsense/internal/domain/import/rules"
	"github.com/FACorreiaa/spendsense/pkg/observability"
)

// Config tunes the categorization pool and the loader.
type Config struct {
	// Workers is the categorization pool size. Zero means GOMAXPROCS.
	Workers int
	Loader  loader.Config
}

// IngestService orchestrates batch ingestion and the manual-override path
type IngestService struct {
	batches repository.BatchStore
	txs     repository.TransactionStore
	rules   rules.Provider
	loader  *loader.Loader
	workers int
	logger  *slog.Logger
}

type categorizeJob struct {
	index  int
	record model.RawRecord
}

type categorizeResult struct {
	index  int
	record model.NormalizedRecord
	result model.CategorizationResult
	err    error
}

// NewIngestService creates a new ingestion service
func NewIngestService(batches repository.BatchStore, txs repository.TransactionStore, provider rules.Provider, cfg Config, logger *slog.Logger) *IngestService {
	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &IngestService{
		batches: batches,
		txs:     txs,
		rules:   provider,
		loader:  loader.New(txs, cfg.Loader, logger),
		workers: workers,
		logger:  logger,
	}
}

// OpenBatch starts a batch that accumulates records until CompleteBatch.
func (s *IngestService) OpenBatch(ctx context.Context, userID uuid.UUID, sourceType model.SourceType) (*model.Batch, error) {
	if !sourceType.Valid() {
		return nil, fmt.Errorf("invalid source_type %q: %w", sourceType, common.ErrBadRequest)
	}

	b := &model.Batch{UserID: userID, SourceType: sourceType, Status: model.BatchOpen}
	if err := s.batches.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to open batch: %w", err)
	}

	s.logger.InfoContext(ctx, "batch opened",
		slog.String("batch_id", b.ID.String()),
		slog.String("source_type", string(sourceType)))
	return b, nil
}

// StageRecords appends records to an open batch. Records inherit the batch's
// id and source type; a record without a user belongs to the batch owner.
func (s *IngestService) StageRecords(ctx context.Context, userID, batchID uuid.UUID, records []model.RawRecord) (int, error) {
	b, err := s.ownedBatch(ctx, userID, batchID)
	if err != nil {
		return 0, err
	}
	if b.Status != model.BatchOpen {
		return 0, fmt.Errorf("batch %s is %s: %w", batchID, b.Status, common.ErrBatchNotOpen)
	}

	staged := make([]model.RawRecord, len(records))
	for i, rec := range records {
		if rec.SourceID == "" {
			return 0, fmt.Errorf("record %d has no source_id: %w", i, common.ErrBadRequest)
		}
		if rec.UserID == uuid.Nil {
			rec.UserID = b.UserID
		}
		if b.UserID != uuid.Nil && rec.UserID != b.UserID {
			return 0, fmt.Errorf("record %s belongs to another user: %w", rec.SourceID, common.ErrForbidden)
		}
		if rec.SourceType == "" {
			rec.SourceType = b.SourceType
		}
		rec.BatchID = b.ID
		staged[i] = rec.WithDefaults()
	}

	n, err := s.batches.StageRecords(ctx, batchID, staged)
	if err != nil {
		return 0, fmt.Errorf("failed to stage records: %w", err)
	}

	s.logger.DebugContext(ctx, "records staged",
		slog.String("batch_id", batchID.String()),
		slog.Int("received", len(records)),
		slog.Int("staged", n))
	return n, nil
}

// CompleteBatch signals end-of-batch and processes every staged record.
// Finished batches may be completed again; loading is idempotent.
func (s *IngestService) CompleteBatch(ctx context.Context, userID, batchID uuid.UUID) (*model.BatchResult, error) {
	if _, err := s.ownedBatch(ctx, userID, batchID); err != nil {
		return nil, err
	}
	if err := s.batches.ClaimBatch(ctx, batchID); err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	records, err := s.batches.ListStagedRecords(ctx, batchID)
	if err != nil {
		msg := err.Error()
		if finishErr := s.batches.FinishBatch(context.WithoutCancel(ctx), batchID, model.BatchFailed, nil, &msg); finishErr != nil {
			s.logger.ErrorContext(ctx, "failed to mark batch failed", slog.Any("error", finishErr))
		}
		return nil, fmt.Errorf("failed to read staged records: %w", err)
	}

	return s.processBatch(ctx, batchID, records)
}

// Process runs a whole batch in one call: open, stage, complete. The batch
// has no owner, so it may carry records of several users.
func (s *IngestService) Process(ctx context.Context, sourceType model.SourceType, records []model.RawRecord) (*model.BatchResult, error) {
	b, err := s.OpenBatch(ctx, uuid.Nil, sourceType)
	if err != nil {
		return nil, err
	}
	if _, err := s.StageRecords(ctx, uuid.Nil, b.ID, records); err != nil {
		return nil, err
	}
	return s.CompleteBatch(ctx, uuid.Nil, b.ID)
}

// GetBatch returns a batch owned by the user.
func (s *IngestService) GetBatch(ctx context.Context, userID, batchID uuid.UUID) (*model.Batch, error) {
	return s.ownedBatch(ctx, userID, batchID)
}

func (s *IngestService) ownedBatch(ctx context.Context, userID, batchID uuid.UUID) (*model.Batch, error) {
	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	if b.UserID != userID {
		// Hide other users' batches.
		return nil, fmt.Errorf("batch %s: %w", batchID, common.ErrNotFound)
	}
	return b, nil
}

// processBatch pins one rule snapshot, categorizes on the worker pool and
// loads the results. A batch always ends in loaded, failed or aborted.
func (s *IngestService) processBatch(ctx context.Context, batchID uuid.UUID, records []model.RawRecord) (*model.BatchResult, error) {
	ctx, span := otel.Tracer("IngestService").Start(ctx, "ProcessBatch", trace.WithAttributes(
		attribute.String("batch.id", batchID.String()),
		attribute.Int("batch.records", len(records)),
	))
	defer span.End()

	l := s.logger.With(slog.String("method", "processBatch"), slog.String("batch_id", batchID.String()))
	start := time.Now()

	snapshot, err := s.rules.Current(ctx)
	if err != nil {
		if !errors.Is(err, common.ErrRuleSnapshotUnavailable) {
			err = fmt.Errorf("%w: %w", common.ErrRuleSnapshotUnavailable, err)
		}
		l.ErrorContext(ctx, "no rule snapshot, batch not loaded", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule snapshot unavailable")
		s.finish(ctx, l, batchID, model.BatchFailed, nil, err, start)
		return nil, err
	}
	observability.RuleSnapshotRules.WithLabelValues(snapshot.Version()).Set(float64(snapshot.Len()))
	span.SetAttributes(attribute.String("rules.version", snapshot.Version()))

	result := &model.BatchResult{BatchID: batchID, RuleVersion: snapshot.Version(), Failed: []model.RecordFailure{}}

	categorized := s.categorize(ctx, snapshot, records)

	items := make([]loader.Item, 0, len(categorized))
	failures := make(map[int]string)
	for _, c := range categorized {
		if c.err != nil {
			failures[c.index] = c.err.Error()
			continue
		}
		if !c.result.Matched() {
			result.Unmatched++
			observability.UnmatchedRecords.Inc()
		}
		if c.record.MerchantToken == nil {
			observability.AmbiguousMerchants.Inc()
		}
		items = append(items, loader.Item{Record: c.record, Result: c.result})
	}

	loaded := s.loader.LoadAll(ctx, items, snapshot.Version())
	next := 0
	for i, rec := range records {
		if reason, bad := failures[i]; bad {
			result.Failed = append(result.Failed, model.RecordFailure{SourceID: rec.SourceID, Reason: reason})
			observability.RecordsLoaded.WithLabelValues("failed").Inc()
			continue
		}
		r := loaded[next]
		next++
		if r.Err != nil {
			result.Failed = append(result.Failed, model.RecordFailure{SourceID: r.SourceID, Reason: r.Err.Error()})
			observability.RecordsLoaded.WithLabelValues("failed").Inc()
			continue
		}
		result.Record(r.Outcome)
		observability.RecordsLoaded.WithLabelValues(string(r.Outcome)).Inc()
	}

	if err := ctx.Err(); err != nil {
		l.WarnContext(ctx, "batch cancelled", slog.Any("error", err))
		span.SetStatus(codes.Error, "cancelled")
		s.finish(ctx, l, batchID, model.BatchAborted, result, err, start)
		return result, fmt.Errorf("batch %s aborted: %w", batchID, err)
	}

	s.finish(ctx, l, batchID, model.BatchLoaded, result, nil, start)
	l.InfoContext(ctx, "batch loaded",
		slog.String("rule_version", result.RuleVersion),
		slog.Int("inserted", result.Inserted),
		slog.Int("updated", result.Updated),
		slog.Int("skipped_user_owned", result.SkippedUserOwned),
		slog.Int("unmatched", result.Unmatched),
		slog.Int("failed", len(result.Failed)))
	span.SetStatus(codes.Ok, "loaded")
	return result, nil
}

// finish persists the terminal status even when ctx is already cancelled.
func (s *IngestService) finish(ctx context.Context, l *slog.Logger, batchID uuid.UUID, status model.BatchStatus, result *model.BatchResult, cause error, start time.Time) {
	var msg *string
	if cause != nil {
		text := cause.Error()
		msg = &text
	}
	if err := s.batches.FinishBatch(context.WithoutCancel(ctx), batchID, status, result, msg); err != nil {
		l.ErrorContext(ctx, "failed to record batch status", slog.String("status", string(status)), slog.Any("error", err))
	}
	observability.BatchDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
}

// categorize validates, normalizes and resolves every record on a pool of
// workers. Output order matches input order.
func (s *IngestService) categorize(ctx context.Context, snapshot *rules.Snapshot, records []model.RawRecord) []categorizeResult {
	out := make([]categorizeResult, len(records))
	if len(records) == 0 {
		return out
	}

	workerCount := min(s.workers, len(records))
	jobs := make(chan categorizeJob, workerCount*4)
	results := make(chan categorizeResult, workerCount*4)

	var wg sync.WaitGroup
	for range workerCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- categorizeOne(snapshot, job)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, rec := range records {
			select {
			case jobs <- categorizeJob{index: i, record: rec}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	seen := make([]bool, len(records))
	for r := range results {
		out[r.index] = r
		seen[r.index] = true
	}

	// Records never dispatched because of cancellation.
	for i, ok := range seen {
		if !ok {
			out[i] = categorizeResult{index: i, err: ctx.Err()}
		}
	}
	return out
}

func categorizeOne(snapshot *rules.Snapshot, job categorizeJob) categorizeResult {
	rec := job.record.WithDefaults()
	if err := rec.Validate(); err != nil {
		return categorizeResult{index: job.index, err: err}
	}
	normalized := normalizer.Normalize(rec)
	return categorizeResult{
		index:  job.index,
		record: normalized,
		result: resolver.Categorize(snapshot, normalized),
	}
}

// ListTransactions returns the user's canonical transactions in [from, to).
func (s *IngestService) ListTransactions(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*model.CanonicalTransaction, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("empty range %s..%s: %w", from.Format(time.RFC3339), to.Format(time.RFC3339), common.ErrBadRequest)
	}
	txs, err := s.txs.ListByUser(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// SetManualCategory records a user's correction. Later loads never change it.
func (s *IngestService) SetManualCategory(ctx context.Context, o model.ManualOverride) (*model.CanonicalTransaction, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.txs.SetManualCategory(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("failed to set manual category: %w", err)
	}
	s.logger.InfoContext(ctx, "manual category set",
		slog.String("fingerprint", o.Fingerprint),
		slog.String("category", o.CategoryCode))
	return tx, nil
}

// ResetOverride returns a transaction to rule-based categorization.
func (s *IngestService) ResetOverride(ctx context.Context, userID uuid.UUID, fingerprint string) error {
	if err := s.txs.ResetOverride(ctx, userID, fingerprint); err != nil {
		return fmt.Errorf("failed to reset override: %w", err)
	}
	return nil
}

// Recategorize re-runs categorization of the user's stored transactions in
// [from, to) against the current snapshot. Overridden rows are skipped.
func (s *IngestService) Recategorize(ctx context.Context, userID uuid.UUID, from, to time.Time) (*model.BatchResult, error) {
	ctx, span := otel.Tracer("IngestService").Start(ctx, "Recategorize", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	snapshot, err := s.rules.Current(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule snapshot unavailable")
		if !errors.Is(err, common.ErrRuleSnapshotUnavailable) {
			err = fmt.Errorf("%w: %w", common.ErrRuleSnapshotUnavailable, err)
		}
		return nil, err
	}

	txs, err := s.ListTransactions(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}

	result := &model.BatchResult{RuleVersion: snapshot.Version(), Failed: []model.RecordFailure{}}
	items := make([]loader.Item, 0, len(txs))
	for _, tx := range txs {
		if tx.SourceConfidenceOverridden {
			result.SkippedUserOwned++
			continue
		}
		rec := tx.Normalized()
		res := resolver.Categorize(snapshot, rec)
		if !res.Matched() {
			result.Unmatched++
		}
		items = append(items, loader.Item{Record: rec, Result: res})
	}

	for _, r := range s.loader.LoadAll(ctx, items, snapshot.Version()) {
		if r.Err != nil {
			result.Failed = append(result.Failed, model.RecordFailure{SourceID: r.SourceID, Reason: r.Err.Error()})
			continue
		}
		result.Record(r.Outcome)
	}

	s.logger.InfoContext(ctx, "transactions recategorized",
		slog.String("user_id", userID.String()),
		slog.String("rule_version", snapshot.Version()),
		slog.Int("updated", result.Updated),
		slog.Int("skipped_user_owned", result.SkippedUserOwned))
	return result, nil
}

// RuleVersion reports the version new batches would pin.
func (s *IngestService) RuleVersion(ctx context.Context) (string, int, error) {
	snapshot, err := s.rules.Current(ctx)
	if err != nil {
		return "", 0, err
	}
	return snapshot.Version(), snapshot.Len(), nil
}
