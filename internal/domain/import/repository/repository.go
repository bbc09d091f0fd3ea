// Package repository provides data access for ingestion batches, the
// canonical transaction store and rule sets.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
	"github.com/FACorreiaa/spendsense/internal/domain/import/rules"
)

// TransactionStore is the canonical, deduplicated transaction table.
type TransactionStore interface {
	// Upsert inserts or conditionally updates the row for tx.Fingerprint in
	// one atomic statement. Category fields of an overridden row are never
	// changed.
	Upsert(ctx context.Context, tx *model.CanonicalTransaction) (model.Outcome, error)
	GetByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*model.CanonicalTransaction, error)
	// ListByUser returns transactions with from <= occurred_at < to.
	ListByUser(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*model.CanonicalTransaction, error)

	// SetManualCategory is the manual-override path. It records an audit row
	// and sets source_confidence_overridden.
	SetManualCategory(ctx context.Context, o model.ManualOverride) (*model.CanonicalTransaction, error)
	// ResetOverride clears the override flag so the next load recategorizes.
	ResetOverride(ctx context.Context, userID uuid.UUID, fingerprint string) error
}

// BatchStore tracks batches and their staged raw records.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*model.Batch, error)
	// StageRecords stores records of an open batch. Re-staging a source_id
	// already in the batch is a no-op. Returns the number of new rows.
	StageRecords(ctx context.Context, batchID uuid.UUID, records []model.RawRecord) (int, error)
	ListStagedRecords(ctx context.Context, batchID uuid.UUID) ([]model.RawRecord, error)
	// ClaimBatch moves a batch to processing. Returns common.ErrBatchNotOpen
	// when it is already being processed.
	ClaimBatch(ctx context.Context, id uuid.UUID) error
	FinishBatch(ctx context.Context, id uuid.UUID, status model.BatchStatus, result *model.BatchResult, errorMessage *string) error
}

// RuleStore persists versioned rule sets.
type RuleStore interface {
	LatestSnapshot(ctx context.Context) (*rules.Snapshot, error)
	SnapshotByVersion(ctx context.Context, version string) (*rules.Snapshot, error)
	PublishRuleSet(ctx context.Context, s *rules.Snapshot, description string) error
}

// PgxPool abstracts the subset of pgxpool.Pool used by the repositories to allow mocking in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ PgxPool = (*pgxpool.Pool)(nil)

// outcomeOf maps the row returned by an upsert to a load outcome. A fresh
// row has revision 1; an overridden row is always reported as user-owned.
func outcomeOf(revision int, overridden bool) model.Outcome {
	switch {
	case overridden:
		return model.OutcomeSkippedUserOwned
	case revision == 1:
		return model.OutcomeInserted
	default:
		return model.OutcomeUpdated
	}
}

// classifyPgError marks data and constraint errors as permanent so the
// loader does not retry them.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" {
			return fmt.Errorf("%w: %w: %s", common.ErrConflict, common.ErrInvalidRecord, pgErr.Message)
		}
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("%w: %s (%s)", common.ErrInvalidRecord, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

// withTx runs fn in a transaction. It rolls back once on error and commits
// otherwise.
func withTx(ctx context.Context, pool PgxPool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
