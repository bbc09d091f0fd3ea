package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

var _ BatchStore = (*PostgresBatchRepository)(nil)

const createBatchQuery = `
		INSERT INTO ingest_batches (id, user_id, source_type, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

const getBatchQuery = `
		SELECT b.id, b.user_id, b.source_type, b.status, b.rule_version,
		       (SELECT COUNT(*) FROM raw_records r WHERE r.batch_id = b.id) AS staged_count,
		       b.inserted, b.updated, b.skipped_user_owned, b.unmatched, b.failed,
		       b.error_message, b.created_at, b.started_at, b.finished_at
		FROM ingest_batches b
		WHERE b.id = $1`

const lockOpenBatchQuery = `SELECT status FROM ingest_batches WHERE id = $1 FOR SHARE`

const createStageTableQuery = `
		CREATE TEMP TABLE raw_records_stage (
			ord             INT,
			source_id       TEXT,
			user_id         UUID,
			raw_description TEXT,
			amount          TEXT,
			currency        TEXT,
			direction       TEXT,
			occurred_at     TIMESTAMPTZ,
			source_type     TEXT
		) ON COMMIT DROP`

var stageColumns = []string{"ord", "source_id", "user_id", "raw_description", "amount", "currency", "direction", "occurred_at", "source_type"}

const mergeStagedQuery = `
		INSERT INTO raw_records (
			batch_id, source_id, user_id, raw_description, amount, currency, direction, occurred_at, source_type
		)
		SELECT $1, source_id, user_id, raw_description, amount::NUMERIC, currency, direction, occurred_at, source_type
		FROM raw_records_stage
		ORDER BY ord
		ON CONFLICT (batch_id, source_id) DO NOTHING`

const listStagedQuery = `
		SELECT source_id, user_id, raw_description, amount, currency, direction, occurred_at, batch_id, source_type
		FROM raw_records
		WHERE batch_id = $1
		ORDER BY seq`

const claimBatchQuery = `
		UPDATE ingest_batches SET
			status = 'processing', started_at = NOW(), finished_at = NULL, error_message = NULL
		WHERE id = $1 AND status IN ('open', 'loaded', 'failed', 'aborted')`

const batchExistsQuery = `SELECT EXISTS (SELECT 1 FROM ingest_batches WHERE id = $1)`

const finishBatchQuery = `
		UPDATE ingest_batches SET
			status = $2, rule_version = $3, inserted = $4, updated = $5,
			skipped_user_owned = $6, unmatched = $7, failed = $8,
			error_message = $9, finished_at = NOW()
		WHERE id = $1`

// PostgresBatchRepository implements BatchStore using PostgreSQL
type PostgresBatchRepository struct {
	pgpool PgxPool
}

// NewPostgresBatchRepository creates a new PostgreSQL-backed batch repository
func NewPostgresBatchRepository(pgpool PgxPool) *PostgresBatchRepository {
	return &PostgresBatchRepository{pgpool: pgpool}
}

// CreateBatch inserts a new open batch
func (r *PostgresBatchRepository) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = model.BatchOpen
	}

	err := r.pgpool.QueryRow(ctx, createBatchQuery, b.ID, b.UserID, b.SourceType, b.Status).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch with its staged count and, once finished, its result
func (r *PostgresBatchRepository) GetBatch(ctx context.Context, id uuid.UUID) (*model.Batch, error) {
	var b model.Batch
	var inserted, updated, skippedUserOwned, unmatched int
	var failed []model.RecordFailure
	err := r.pgpool.QueryRow(ctx, getBatchQuery, id).Scan(
		&b.ID, &b.UserID, &b.SourceType, &b.Status, &b.RuleVersion, &b.StagedCount,
		&inserted, &updated, &skippedUserOwned, &unmatched, &failed,
		&b.ErrorMessage, &b.CreatedAt, &b.StartedAt, &b.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	if b.FinishedAt != nil {
		b.Result = &model.BatchResult{
			BatchID:          b.ID,
			Inserted:         inserted,
			Updated:          updated,
			SkippedUserOwned: skippedUserOwned,
			Unmatched:        unmatched,
			Failed:           failed,
		}
		if b.RuleVersion != nil {
			b.Result.RuleVersion = *b.RuleVersion
		}
	}
	return &b, nil
}

// StageRecords copies records into the batch. The batch row is share-locked
// so a concurrent claim cannot start processing mid-copy.
func (r *PostgresBatchRepository) StageRecords(ctx context.Context, batchID uuid.UUID, records []model.RawRecord) (int, error) {
	ctx, span := otel.Tracer("BatchRepo").Start(ctx, "StageRecords", trace.WithAttributes(
		attribute.String("batch.id", batchID.String()),
		attribute.Int("records.count", len(records)),
	))
	defer span.End()

	var staged int
	err := withTx(ctx, r.pgpool, func(tx pgx.Tx) error {
		var status model.BatchStatus
		err := tx.QueryRow(ctx, lockOpenBatchQuery, batchID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("batch %s: %w", batchID, common.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock batch: %w", err)
		}
		if status != model.BatchOpen {
			return fmt.Errorf("batch %s is %s: %w", batchID, status, common.ErrBatchNotOpen)
		}
		if len(records) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, createStageTableQuery); err != nil {
			return fmt.Errorf("failed to create stage table: %w", err)
		}

		// COPY for bulk staging, then merge so re-staged source ids are no-ops
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"raw_records_stage"},
			stageColumns,
			pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
				rec := records[i]
				return []any{
					i,
					rec.SourceID,
					rec.UserID,
					rec.RawDescription,
					rec.Amount.String(),
					rec.Currency,
					string(rec.Direction),
					rec.OccurredAt.UTC(),
					string(rec.SourceType),
				}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to copy records: %w", err)
		}

		tag, err := tx.Exec(ctx, mergeStagedQuery, batchID)
		if err != nil {
			return fmt.Errorf("failed to merge staged records: %w", classifyPgError(err))
		}
		staged = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "staging failed")
		return 0, err
	}

	span.SetAttributes(attribute.Int("records.staged", staged))
	return staged, nil
}

// ListStagedRecords returns a batch's records in staging order
func (r *PostgresBatchRepository) ListStagedRecords(ctx context.Context, batchID uuid.UUID) ([]model.RawRecord, error) {
	rows, err := r.pgpool.Query(ctx, listStagedQuery, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged records: %w", err)
	}
	defer rows.Close()

	var records []model.RawRecord
	for rows.Next() {
		var rec model.RawRecord
		err := rows.Scan(
			&rec.SourceID, &rec.UserID, &rec.RawDescription, &rec.Amount, &rec.Currency,
			&rec.Direction, &rec.OccurredAt, &rec.BatchID, &rec.SourceType,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list staged records: %w", err)
	}

	return records, nil
}

// ClaimBatch moves a batch into processing
func (r *PostgresBatchRepository) ClaimBatch(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pgpool.Exec(ctx, claimBatchQuery, id)
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pgpool.QueryRow(ctx, batchExistsQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check batch: %w", err)
	}
	if !exists {
		return fmt.Errorf("batch %s: %w", id, common.ErrNotFound)
	}
	return fmt.Errorf("batch %s is already processing: %w", id, common.ErrBatchNotOpen)
}

// FinishBatch records the terminal status and tallies of a run
func (r *PostgresBatchRepository) FinishBatch(ctx context.Context, id uuid.UUID, status model.BatchStatus, result *model.BatchResult, errorMessage *string) error {
	if result == nil {
		result = &model.BatchResult{}
	}
	var ruleVersion *string
	if result.RuleVersion != "" {
		ruleVersion = &result.RuleVersion
	}
	failed := result.Failed
	if failed == nil {
		failed = []model.RecordFailure{}
	}

	_, err := r.pgpool.Exec(ctx, finishBatchQuery,
		id, status, ruleVersion, result.Inserted, result.Updated,
		result.SkippedUserOwned, result.Unmatched, failed, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to finish batch: %w", err)
	}
	return nil
}
