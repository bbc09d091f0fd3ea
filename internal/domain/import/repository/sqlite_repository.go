package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
	"github.com/FACorreiaa/spendsense/internal/domain/import/rules"
)

var (
	_ TransactionStore = (*SQLiteRepository)(nil)
	_ BatchStore       = (*SQLiteRepository)(nil)
	_ RuleStore        = (*SQLiteRepository)(nil)
)

// sqliteTimeLayout is fixed width so TEXT comparison orders by instant.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ingest_batches (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	source_type        TEXT NOT NULL,
	status             TEXT NOT NULL,
	rule_version       TEXT,
	inserted           INTEGER NOT NULL DEFAULT 0,
	updated            INTEGER NOT NULL DEFAULT 0,
	skipped_user_owned INTEGER NOT NULL DEFAULT 0,
	unmatched          INTEGER NOT NULL DEFAULT 0,
	failed             TEXT NOT NULL DEFAULT '[]',
	error_message      TEXT,
	created_at         TEXT NOT NULL,
	started_at         TEXT,
	finished_at        TEXT
);

CREATE TABLE IF NOT EXISTS raw_records (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id        TEXT NOT NULL REFERENCES ingest_batches (id),
	source_id       TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	raw_description TEXT NOT NULL,
	amount          TEXT NOT NULL,
	currency        TEXT NOT NULL,
	direction       TEXT NOT NULL,
	occurred_at     TEXT NOT NULL,
	source_type     TEXT NOT NULL,
	UNIQUE (batch_id, source_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	fingerprint                  TEXT PRIMARY KEY,
	user_id                      TEXT NOT NULL,
	source_id                    TEXT NOT NULL,
	source_type                  TEXT NOT NULL,
	source_rank                  INTEGER NOT NULL,
	batch_id                     TEXT NOT NULL,
	amount                       TEXT NOT NULL,
	currency                     TEXT NOT NULL CHECK (length(currency) = 3),
	direction                    TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
	occurred_at                  TEXT NOT NULL,
	normalized_description       TEXT NOT NULL,
	merchant_token               TEXT,
	category_code                TEXT NOT NULL,
	subcategory_code             TEXT,
	confidence                   REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	matched_rule_id              TEXT,
	rule_version                 TEXT NOT NULL,
	source_confidence_overridden INTEGER NOT NULL DEFAULT 0,
	revision                     INTEGER NOT NULL DEFAULT 1,
	created_at                   TEXT NOT NULL,
	updated_at                   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_occurred ON transactions (user_id, occurred_at);

CREATE TABLE IF NOT EXISTS category_overrides (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint               TEXT NOT NULL REFERENCES transactions (fingerprint),
	user_id                   TEXT NOT NULL,
	previous_category_code    TEXT NOT NULL,
	previous_subcategory_code TEXT,
	category_code             TEXT NOT NULL,
	subcategory_code          TEXT,
	reason                    TEXT NOT NULL DEFAULT '',
	created_at                TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rule_sets (
	version      TEXT PRIMARY KEY,
	description  TEXT NOT NULL DEFAULT '',
	published_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS category_rules (
	version          TEXT NOT NULL REFERENCES rule_sets (version),
	ordinal          INTEGER NOT NULL,
	rule_id          TEXT NOT NULL,
	match_type       TEXT NOT NULL,
	pattern          TEXT NOT NULL,
	category_code    TEXT NOT NULL,
	subcategory_code TEXT,
	priority         INTEGER NOT NULL,
	base_confidence  REAL NOT NULL,
	source           TEXT NOT NULL DEFAULT '',
	active           INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (version, ordinal),
	UNIQUE (version, rule_id)
);
`

const sqliteUpsertQuery = `
	INSERT INTO transactions (
		fingerprint, user_id, source_id, source_type, source_rank, batch_id,
		amount, currency, direction, occurred_at, normalized_description, merchant_token,
		category_code, subcategory_code, confidence, matched_rule_id, rule_version,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (fingerprint) DO UPDATE SET
		category_code    = CASE WHEN transactions.source_confidence_overridden THEN transactions.category_code ELSE excluded.category_code END,
		subcategory_code = CASE WHEN transactions.source_confidence_overridden THEN transactions.subcategory_code ELSE excluded.subcategory_code END,
		confidence       = CASE WHEN transactions.source_confidence_overridden THEN transactions.confidence ELSE excluded.confidence END,
		matched_rule_id  = CASE WHEN transactions.source_confidence_overridden THEN transactions.matched_rule_id ELSE excluded.matched_rule_id END,
		rule_version     = CASE WHEN transactions.source_confidence_overridden THEN transactions.rule_version ELSE excluded.rule_version END,
		merchant_token   = CASE WHEN transactions.source_confidence_overridden THEN transactions.merchant_token ELSE excluded.merchant_token END,
		occurred_at      = CASE WHEN excluded.source_rank >= transactions.source_rank THEN excluded.occurred_at ELSE transactions.occurred_at END,
		currency         = CASE WHEN excluded.source_rank >= transactions.source_rank THEN excluded.currency ELSE transactions.currency END,
		source_type      = CASE WHEN excluded.source_rank >= transactions.source_rank THEN excluded.source_type ELSE transactions.source_type END,
		source_rank      = max(transactions.source_rank, excluded.source_rank),
		batch_id         = excluded.batch_id,
		revision         = transactions.revision + 1,
		updated_at       = excluded.updated_at
	WHERE NOT transactions.source_confidence_overridden
	   OR excluded.source_rank >= transactions.source_rank
	RETURNING revision, source_confidence_overridden`

const sqliteTransactionColumns = `fingerprint, user_id, source_id, source_type, batch_id, amount, currency, direction,
	occurred_at, normalized_description, merchant_token, category_code, subcategory_code,
	confidence, matched_rule_id, rule_version, source_confidence_overridden, revision,
	created_at, updated_at`

// SQLiteRepository implements every store on a single SQLite file. It backs
// the command-line ingester and the service tests.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and ensures the schema
// exists. Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
		}
	}

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// classifySQLiteError marks constraint failures as permanent.
func classifySQLiteError(err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) && sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %s", common.ErrInvalidRecord, sqlErr.Error())
	}
	return err
}

// Upsert writes one canonical transaction
func (r *SQLiteRepository) Upsert(ctx context.Context, tx *model.CanonicalTransaction) (model.Outcome, error) {
	now := formatTime(r.now())

	var (
		revision   int
		overridden bool
	)
	err := r.db.QueryRowContext(ctx, sqliteUpsertQuery,
		tx.Fingerprint, tx.UserID.String(), tx.SourceID, string(tx.SourceType), tx.SourceType.Rank(), tx.BatchID.String(),
		tx.Amount.String(), tx.Currency, string(tx.Direction), formatTime(tx.OccurredAt), tx.NormalizedDescription, tx.MerchantToken,
		tx.CategoryCode, tx.SubcategoryCode, tx.Confidence, tx.MatchedRuleID, tx.RuleVersion,
		now, now,
	).Scan(&revision, &overridden)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OutcomeSkippedUserOwned, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to upsert transaction: %w", classifySQLiteError(err))
	}

	return outcomeOf(revision, overridden), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*model.CanonicalTransaction, error) {
	var tx model.CanonicalTransaction
	var occurredAt, createdAt, updateAt string
	err := row.Scan(
		&tx.Fingerprint, &tx.UserID, &tx.SourceID, &tx.SourceType, &tx.BatchID, &tx.Amount,
		&tx.Currency, &tx.Direction, &occurredAt, &tx.NormalizedDescription, &tx.MerchantToken,
		&tx.CategoryCode, &tx.SubcategoryCode, &tx.Confidence, &tx.MatchedRuleID, &tx.RuleVersion,
		&tx.SourceConfidenceOverridden, &tx.Revision, &createdAt, &updateAt,
	)
	if err != nil {
		return nil, err
	}
	if tx.OccurredAt, err = parseTime(occurredAt); err != nil {
		return nil, err
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = parseTime(updateAt); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetByFingerprint retrieves a user's transaction by fingerprint
func (r *SQLiteRepository) GetByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (*model.CanonicalTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM transactions WHERE fingerprint = ? AND user_id = ?`,
		fingerprint, userID.String())
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", fingerprint, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// ListByUser returns a user's transactions in [from, to)
func (r *SQLiteRepository) ListByUser(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*model.CanonicalTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM transactions
		WHERE user_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, fingerprint`,
		userID.String(), formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*model.CanonicalTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SetManualCategory applies a user's correction and records it for audit
func (r *SQLiteRepository) SetManualCategory(ctx context.Context, o model.ManualOverride) (*model.CanonicalTransaction, error) {
	now := formatTime(r.now())

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	var (
		prevCategory    string
		prevSubcategory *string
	)
	err = dbTx.QueryRowContext(ctx,
		`SELECT category_code, subcategory_code FROM transactions WHERE fingerprint = ? AND user_id = ?`,
		o.Fingerprint, o.UserID.String()).Scan(&prevCategory, &prevSubcategory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", o.Fingerprint, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
		UPDATE transactions SET
			category_code = ?, subcategory_code = ?, confidence = 1, matched_rule_id = NULL,
			source_confidence_overridden = 1, revision = revision + 1, updated_at = ?
		WHERE fingerprint = ? AND user_id = ?`,
		o.CategoryCode, o.SubcategoryCode, now, o.Fingerprint, o.UserID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to set override: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO category_overrides (
			fingerprint, user_id, previous_category_code, previous_subcategory_code,
			category_code, subcategory_code, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Fingerprint, o.UserID.String(), prevCategory, prevSubcategory, o.CategoryCode, o.SubcategoryCode, o.Reason, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record override: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit override: %w", err)
	}
	return r.GetByFingerprint(ctx, o.UserID, o.Fingerprint)
}

// ResetOverride hands a transaction back to rule-based categorization
func (r *SQLiteRepository) ResetOverride(ctx context.Context, userID uuid.UUID, fingerprint string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET source_confidence_overridden = 0, updated_at = ? WHERE fingerprint = ? AND user_id = ?`,
		formatTime(r.now()), fingerprint, userID.String())
	if err != nil {
		return fmt.Errorf("failed to reset override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s: %w", fingerprint, common.ErrNotFound)
	}
	return nil
}

// CreateBatch inserts a new open batch
func (r *SQLiteRepository) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = model.BatchOpen
	}
	b.CreatedAt = r.now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ingest_batches (id, user_id, source_type, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID.String(), b.UserID.String(), string(b.SourceType), string(b.Status), formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch with its staged count and, once finished, its result
func (r *SQLiteRepository) GetBatch(ctx context.Context, id uuid.UUID) (*model.Batch, error) {
	var (
		b                     model.Batch
		result                model.BatchResult
		failed, createdAt     string
		startedAt, finishedAt sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT b.id, b.user_id, b.source_type, b.status, b.rule_version,
		       (SELECT COUNT(*) FROM raw_records r WHERE r.batch_id = b.id),
		       b.inserted, b.updated, b.skipped_user_owned, b.unmatched, b.failed,
		       b.error_message, b.created_at, b.started_at, b.finished_at
		FROM ingest_batches b WHERE b.id = ?`, id.String()).Scan(
		&b.ID, &b.UserID, &b.SourceType, &b.Status, &b.RuleVersion, &b.StagedCount,
		&result.Inserted, &result.Updated, &result.SkippedUserOwned, &result.Unmatched, &failed,
		&b.ErrorMessage, &createdAt, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if b.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}

	if b.FinishedAt != nil {
		if err := json.Unmarshal([]byte(failed), &result.Failed); err != nil {
			return nil, fmt.Errorf("failed to decode batch failures: %w", err)
		}
		result.BatchID = b.ID
		if b.RuleVersion != nil {
			result.RuleVersion = *b.RuleVersion
		}
		b.Result = &result
	}
	return &b, nil
}

// StageRecords stores records of an open batch
func (r *SQLiteRepository) StageRecords(ctx context.Context, batchID uuid.UUID, records []model.RawRecord) (int, error) {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	var status model.BatchStatus
	err = dbTx.QueryRowContext(ctx, `SELECT status FROM ingest_batches WHERE id = ?`, batchID.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("batch %s: %w", batchID, common.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read batch: %w", err)
	}
	if status != model.BatchOpen {
		return 0, fmt.Errorf("batch %s is %s: %w", batchID, status, common.ErrBatchNotOpen)
	}

	stmt, err := dbTx.PrepareContext(ctx, `
		INSERT INTO raw_records (
			batch_id, source_id, user_id, raw_description, amount, currency, direction, occurred_at, source_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, source_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare staging: %w", err)
	}
	defer stmt.Close()

	staged := 0
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx,
			batchID.String(), rec.SourceID, rec.UserID.String(), rec.RawDescription, rec.Amount.String(), rec.Currency,
			string(rec.Direction), formatTime(rec.OccurredAt), string(rec.SourceType))
		if err != nil {
			return 0, fmt.Errorf("failed to stage record %s: %w", rec.SourceID, classifySQLiteError(err))
		}
		n, _ := res.RowsAffected()
		staged += int(n)
	}

	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit staged records: %w", err)
	}
	return staged, nil
}

// ListStagedRecords returns a batch's records in staging order
func (r *SQLiteRepository) ListStagedRecords(ctx context.Context, batchID uuid.UUID) ([]model.RawRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_id, user_id, raw_description, amount, currency, direction, occurred_at, batch_id, source_type
		FROM raw_records WHERE batch_id = ? ORDER BY seq`, batchID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list staged records: %w", err)
	}
	defer rows.Close()

	var records []model.RawRecord
	for rows.Next() {
		var (
			rec        model.RawRecord
			occurredAt string
		)
		err := rows.Scan(&rec.SourceID, &rec.UserID, &rec.RawDescription, &rec.Amount, &rec.Currency,
			&rec.Direction, &occurredAt, &rec.BatchID, &rec.SourceType)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged record: %w", err)
		}
		if rec.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ClaimBatch moves a batch into processing
func (r *SQLiteRepository) ClaimBatch(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ingest_batches SET
			status = 'processing', started_at = ?, finished_at = NULL, error_message = NULL
		WHERE id = ? AND status IN ('open', 'loaded', 'failed', 'aborted')`,
		formatTime(r.now()), id.String())
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ingest_batches WHERE id = ?)`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check batch: %w", err)
	}
	if !exists {
		return fmt.Errorf("batch %s: %w", id, common.ErrNotFound)
	}
	return fmt.Errorf("batch %s is already processing: %w", id, common.ErrBatchNotOpen)
}

// FinishBatch records the terminal status and tallies of a run
func (r *SQLiteRepository) FinishBatch(ctx context.Context, id uuid.UUID, status model.BatchStatus, result *model.BatchResult, errorMessage *string) error {
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
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("failed to encode batch failures: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE ingest_batches SET
			status = ?, rule_version = ?, inserted = ?, updated = ?, skipped_user_owned = ?,
			unmatched = ?, failed = ?, error_message = ?, finished_at = ?
		WHERE id = ?`,
		string(status), ruleVersion, result.Inserted, result.Updated, result.SkippedUserOwned,
		result.Unmatched, string(failedJSON), errorMessage, formatTime(r.now()), id.String())
	if err != nil {
		return fmt.Errorf("failed to finish batch: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently published rule set
func (r *SQLiteRepository) LatestSnapshot(ctx context.Context) (*rules.Snapshot, error) {
	var version string
	err := r.db.QueryRowContext(ctx,
		`SELECT version FROM rule_sets ORDER BY published_at DESC, version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no rule set published: %w", common.ErrRuleSnapshotUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest rule set: %w: %w", common.ErrRuleSnapshotUnavailable, err)
	}
	return r.SnapshotByVersion(ctx, version)
}

// SnapshotByVersion loads and compiles the active rules of one version
func (r *SQLiteRepository) SnapshotByVersion(ctx context.Context, version string) (*rules.Snapshot, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rule_sets WHERE version = ?)`, version).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check rule set: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("rule set %s: %w", version, common.ErrNotFound)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT rule_id, match_type, pattern, category_code, subcategory_code, priority, base_confidence, source
		FROM category_rules WHERE version = ? AND active ORDER BY ordinal`, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var list []rules.Rule
	for rows.Next() {
		var (
			rule      rules.Rule
			matchType string
		)
		err := rows.Scan(&rule.ID, &matchType, &rule.Pattern, &rule.CategoryCode, &rule.SubcategoryCode,
			&rule.Priority, &rule.BaseConfidence, &rule.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if rule.MatchType, err = rules.ParseMatchType(matchType); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		list = append(list, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	snapshot, err := rules.NewSnapshot(version, list)
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule set %s: %w", version, err)
	}
	return snapshot, nil
}

// PublishRuleSet stores a new immutable version
func (r *SQLiteRepository) PublishRuleSet(ctx context.Context, s *rules.Snapshot, description string) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	res, err := dbTx.ExecContext(ctx,
		`INSERT INTO rule_sets (version, description, published_at) VALUES (?, ?, ?) ON CONFLICT (version) DO NOTHING`,
		s.Version(), description, formatTime(r.now()))
	if err != nil {
		return fmt.Errorf("failed to insert rule set: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule set %s already published: %w", s.Version(), common.ErrConflict)
	}

	for i, rule := range s.Rules() {
		_, err := dbTx.ExecContext(ctx, `
			INSERT INTO category_rules (
				version, ordinal, rule_id, match_type, pattern, category_code,
				subcategory_code, priority, base_confidence, source
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Version(), i, rule.ID, rule.MatchType.String(), rule.Pattern, rule.CategoryCode,
			rule.SubcategoryCode, rule.Priority, rule.BaseConfidence, rule.Source)
		if err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", rule.ID, err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule set: %w", err)
	}
	return nil
}
