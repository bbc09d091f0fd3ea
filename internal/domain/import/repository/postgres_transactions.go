package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

var _ TransactionStore = (*PostgresTransactionRepository)(nil)

const transactionColumns = `fingerprint, user_id, source_id, source_type, batch_id, amount, currency, direction,
		       occurred_at, normalized_description, merchant_token, category_code, subcategory_code,
		       confidence, matched_rule_id, rule_version, source_confidence_overridden, revision,
		       created_at, updated_at`

// upsertTransactionQuery inserts a new fingerprint or updates an existing
// one. Category fields of an overridden row keep their values; structural
// fields outside the fingerprint follow the more authoritative source. An
// overridden row offered by a less authoritative source is left untouched
// and no row is returned.
const upsertTransactionQuery = `
		INSERT INTO transactions (
			fingerprint, user_id, source_id, source_type, source_rank, batch_id,
			amount, currency, direction, occurred_at, normalized_description, merchant_token,
			category_code, subcategory_code, confidence, matched_rule_id, rule_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (fingerprint) DO UPDATE SET
			category_code    = CASE WHEN transactions.source_confidence_overridden THEN transactions.category_code ELSE EXCLUDED.category_code END,
			subcategory_code = CASE WHEN transactions.source_confidence_overridden THEN transactions.subcategory_code ELSE EXCLUDED.subcategory_code END,
			confidence       = CASE WHEN transactions.source_confidence_overridden THEN transactions.confidence ELSE EXCLUDED.confidence END,
			matched_rule_id  = CASE WHEN transactions.source_confidence_overridden THEN transactions.matched_rule_id ELSE EXCLUDED.matched_rule_id END,
			rule_version     = CASE WHEN transactions.source_confidence_overridden THEN transactions.rule_version ELSE EXCLUDED.rule_version END,
			merchant_token   = CASE WHEN transactions.source_confidence_overridden THEN transactions.merchant_token ELSE EXCLUDED.merchant_token END,
			occurred_at      = CASE WHEN EXCLUDED.source_rank >= transactions.source_rank THEN EXCLUDED.occurred_at ELSE transactions.occurred_at END,
			currency         = CASE WHEN EXCLUDED.source_rank >= transactions.source_rank THEN EXCLUDED.currency ELSE transactions.currency END,
			source_type      = CASE WHEN EXCLUDED.source_rank >= transactions.source_rank THEN EXCLUDED.source_type ELSE transactions.source_type END,
			source_rank      = GREATEST(transactions.source_rank, EXCLUDED.source_rank),
			batch_id         = EXCLUDED.batch_id,
			revision         = transactions.revision + 1,
			updated_at       = NOW()
		WHERE NOT transactions.source_confidence_overridden
		   OR EXCLUDED.source_rank >= transactions.source_rank
		RETURNING revision, source_confidence_overridden`

const getTransactionQuery = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE fingerprint = $1 AND user_id = $2`

const listTransactionsQuery = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, fingerprint`

const lockTransactionQuery = `
		SELECT category_code, subcategory_code
		FROM transactions
		WHERE fingerprint = $1 AND user_id = $2
		FOR UPDATE`

const setOverrideQuery = `
		UPDATE transactions SET
			category_code = $3, subcategory_code = $4, confidence = 1, matched_rule_id = NULL,
			source_confidence_overridden = TRUE, revision = revision + 1, updated_at = NOW()
		WHERE fingerprint = $1 AND user_id = $2`

const insertOverrideAuditQuery = `
		INSERT INTO category_overrides (
			fingerprint, user_id, previous_category_code, previous_subcategory_code,
			category_code, subcategory_code, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

const resetOverrideQuery = `
		UPDATE transactions SET source_confidence_overridden = FALSE, updated_at = NOW()
		WHERE fingerprint = $1 AND user_id = $2`

// PostgresTransactionRepository implements TransactionStore using PostgreSQL
type PostgresTransactionRepository struct {
	pgpool PgxPool
}

// NewPostgresTransactionRepository creates a new PostgreSQL-backed canonical store
func NewPostgresTransactionRepository(pgpool PgxPool) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{pgpool: pgpool}
}

// Upsert writes one canonical transaction
func (r *PostgresTransactionRepository) Upsert(ctx context.Context, tx *model.CanonicalTransaction) (model.Outcome, error) {
	ctx, span := otel.Tracer("TransactionRepo").Start(ctx, "Upsert", trace.WithAttributes(
		attribute.String("transaction.fingerprint", tx.Fingerprint),
		attribute.String("transaction.source_id", tx.SourceID),
	))
	defer span.End()

	var (
		revision   int
		overridden bool
	)
	err := r.pgpool.QueryRow(ctx, upsertTransactionQuery,
		tx.Fingerprint, tx.UserID, tx.SourceID, tx.SourceType, tx.SourceType.Rank(), tx.BatchID,
		tx.Amount, tx.Currency, tx.Direction, tx.OccurredAt, tx.NormalizedDescription, tx.MerchantToken,
		tx.CategoryCode, tx.SubcategoryCode, tx.Confidence, tx.MatchedRuleID, tx.RuleVersion,
	).Scan(&revision, &overridden)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetStatus(codes.Ok, "overridden row kept")
		return model.OutcomeSkippedUserOwned, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPSERT failed")
		return "", fmt.Errorf("failed to upsert transaction: %w", classifyPgError(err))
	}

	outcome := outcomeOf(revision, overridden)
	span.SetAttributes(attribute.String("transaction.outcome", string(outcome)))
	span.SetStatus(codes.Ok, "")
	return outcome, nil
}

// GetByFingerprint retrieves a user's transaction by fingerprint
func (r *PostgresTransactionRepository) GetByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*model.CanonicalTransaction, error) {
	rows, err := r.pgpool.Query(ctx, getTransactionQuery, fingerprint, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	tx, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.CanonicalTransaction])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", fingerprint, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return tx, nil
}

// ListByUser returns a user's transactions in [from, to)
func (r *PostgresTransactionRepository) ListByUser(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*model.CanonicalTransaction, error) {
	ctx, span := otel.Tracer("TransactionRepo").Start(ctx, "ListByUser", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	rows, err := r.pgpool.Query(ctx, listTransactionsQuery, userID, from.UTC(), to.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	txs, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.CanonicalTransaction])
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}
	span.SetAttributes(attribute.Int("transactions.count", len(txs)))
	return txs, nil
}

// SetManualCategory applies a user's correction and records it for audit
func (r *PostgresTransactionRepository) SetManualCategory(ctx context.Context, o model.ManualOverride) (*model.CanonicalTransaction, error) {
	ctx, span := otel.Tracer("TransactionRepo").Start(ctx, "SetManualCategory", trace.WithAttributes(
		attribute.String("transaction.fingerprint", o.Fingerprint),
		attribute.String("override.category", o.CategoryCode),
	))
	defer span.End()

	err := withTx(ctx, r.pgpool, func(tx pgx.Tx) error {
		var (
			prevCategory    string
			prevSubcategory *string
		)
		err := tx.QueryRow(ctx, lockTransactionQuery, o.Fingerprint, o.UserID).Scan(&prevCategory, &prevSubcategory)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("transaction %s: %w", o.Fingerprint, common.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock transaction: %w", err)
		}

		if _, err := tx.Exec(ctx, setOverrideQuery, o.Fingerprint, o.UserID, o.CategoryCode, o.SubcategoryCode); err != nil {
			return fmt.Errorf("failed to set override: %w", err)
		}

		if _, err := tx.Exec(ctx, insertOverrideAuditQuery,
			o.Fingerprint, o.UserID, prevCategory, prevSubcategory, o.CategoryCode, o.SubcategoryCode, o.Reason,
		); err != nil {
			return fmt.Errorf("failed to record override: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "override failed")
		return nil, err
	}

	span.SetStatus(codes.Ok, "override applied")
	return r.GetByFingerprint(ctx, o.UserID, o.Fingerprint)
}

// ResetOverride hands a transaction back to rule-based categorization
func (r *PostgresTransactionRepository) ResetOverride(ctx context.Context, userID uuid.UUID, fingerprint string) error {
	tag, err := r.pgpool.Exec(ctx, resetOverrideQuery, fingerprint, userID)
	if err != nil {
		return fmt.Errorf("failed to reset override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", fingerprint, common.ErrNotFound)
	}
	return nil
}
