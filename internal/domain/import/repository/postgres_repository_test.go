package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
	"github.com/FACorreiaa/spendsense/internal/domain/import/rules"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func sampleTransaction() *model.CanonicalTransaction {
	merchant := "SWIGGY"
	ruleID := "swiggy"
	return &model.CanonicalTransaction{
		Fingerprint:           "fp-1",
		UserID:                uuid.MustParse("6f1c2a8e-2f0b-4b43-9d64-1f8b0c3a5e11"),
		SourceID:              "stmt-001",
		SourceType:            model.SourceStatement,
		BatchID:               uuid.MustParse("0d7a4b8c-7d57-4d8e-b1b4-0e3f5a6c7d8e"),
		Amount:                decimal.RequireFromString("450"),
		Currency:              "INR",
		Direction:             model.DirectionDebit,
		OccurredAt:            time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		NormalizedDescription: "swiggy instamart",
		MerchantToken:         &merchant,
		CategoryCode:          "dining",
		Confidence:            0.95,
		MatchedRuleID:         &ruleID,
		RuleVersion:           "v1",
	}
}

func expectUpsert(mock pgxmock.PgxPoolIface) *pgxmock.ExpectedQuery {
	tx := sampleTransaction()
	return mock.ExpectQuery(regexp.QuoteMeta(upsertTransactionQuery)).
		WithArgs(tx.Fingerprint, tx.UserID, tx.SourceID, tx.SourceType, 3, tx.BatchID,
			pgxmock.AnyArg(), tx.Currency, tx.Direction, tx.OccurredAt, tx.NormalizedDescription, tx.MerchantToken,
			tx.CategoryCode, tx.SubcategoryCode, tx.Confidence, tx.MatchedRuleID, tx.RuleVersion)
}

func TestPostgresTransactionRepository_UpsertOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		revision   int
		overridden bool
		want       model.Outcome
	}{
		{"fresh row", 1, false, model.OutcomeInserted},
		{"existing row", 4, false, model.OutcomeUpdated},
		{"overridden row from statement", 2, true, model.OutcomeSkippedUserOwned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			expectUpsert(mock).WillReturnRows(pgxmock.NewRows([]string{"revision", "source_confidence_overridden"}).
				AddRow(tt.revision, tt.overridden))

			repo := NewPostgresTransactionRepository(mock)
			got, err := repo.Upsert(context.Background(), sampleTransaction())
			if err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestPostgresTransactionRepository_UpsertSkipsOverriddenRow(t *testing.T) {
	mock := newMock(t)
	expectUpsert(mock).WillReturnRows(pgxmock.NewRows([]string{"revision", "source_confidence_overridden"}))

	repo := NewPostgresTransactionRepository(mock)
	got, err := repo.Upsert(context.Background(), sampleTransaction())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got != model.OutcomeSkippedUserOwned {
		t.Fatalf("expected skipped_user_owned, got %s", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresTransactionRepository_UpsertClassifiesErrors(t *testing.T) {
	mock := newMock(t)
	expectUpsert(mock).WillReturnError(&pgconn.PgError{Code: "23514", Message: "violates check constraint"})

	repo := NewPostgresTransactionRepository(mock)
	_, err := repo.Upsert(context.Background(), sampleTransaction())
	if !errors.Is(err, common.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}

	mock = newMock(t)
	expectUpsert(mock).WillReturnError(errors.New("conn closed"))
	repo = NewPostgresTransactionRepository(mock)
	_, err = repo.Upsert(context.Background(), sampleTransaction())
	if err == nil || errors.Is(err, common.ErrInvalidRecord) {
		t.Fatalf("expected a transient error, got %v", err)
	}
}

func TestPostgresTransactionRepository_GetByFingerprint_NotFound(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(getTransactionQuery)).
		WithArgs("missing", userID).
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint"}))

	repo := NewPostgresTransactionRepository(mock)
	_, err := repo.GetByFingerprint(context.Background(), userID, "missing")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresTransactionRepository_SetManualCategory(t *testing.T) {
	mock := newMock(t)
	tx := sampleTransaction()
	travel := "flights"
	override := model.ManualOverride{
		Fingerprint:     tx.Fingerprint,
		UserID:          tx.UserID,
		CategoryCode:    "travel",
		SubcategoryCode: &travel,
		Reason:          "airline refund",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockTransactionQuery)).
		WithArgs(tx.Fingerprint, tx.UserID).
		WillReturnRows(pgxmock.NewRows([]string{"category_code", "subcategory_code"}).AddRow("dining", nil))
	mock.ExpectExec(regexp.QuoteMeta(setOverrideQuery)).
		WithArgs(tx.Fingerprint, tx.UserID, "travel", &travel).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(insertOverrideAuditQuery)).
		WithArgs(tx.Fingerprint, tx.UserID, "dining", pgxmock.AnyArg(), "travel", &travel, "airline refund").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta(getTransactionQuery)).
		WithArgs(tx.Fingerprint, tx.UserID).
		WillReturnRows(pgxmock.NewRows([]string{
			"fingerprint", "user_id", "source_id", "source_type", "batch_id", "amount", "currency", "direction",
			"occurred_at", "normalized_description", "merchant_token", "category_code", "subcategory_code",
			"confidence", "matched_rule_id", "rule_version", "source_confidence_overridden", "revision",
			"created_at", "updated_at",
		}).AddRow(
			tx.Fingerprint, tx.UserID, tx.SourceID, tx.SourceType, tx.BatchID, tx.Amount, tx.Currency, tx.Direction,
			tx.OccurredAt, tx.NormalizedDescription, tx.MerchantToken, "travel", &travel,
			1.0, (*string)(nil), tx.RuleVersion, true, 2,
			tx.OccurredAt, tx.OccurredAt,
		))

	repo := NewPostgresTransactionRepository(mock)
	got, err := repo.SetManualCategory(context.Background(), override)
	if err != nil {
		t.Fatalf("SetManualCategory: %v", err)
	}
	if got.CategoryCode != "travel" || !got.SourceConfidenceOverridden {
		t.Fatalf("override not applied: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresTransactionRepository_SetManualCategory_NotFound(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockTransactionQuery)).
		WithArgs("missing", userID).
		WillReturnRows(pgxmock.NewRows([]string{"category_code", "subcategory_code"}))
	mock.ExpectRollback()

	repo := NewPostgresTransactionRepository(mock)
	_, err := repo.SetManualCategory(context.Background(), model.ManualOverride{
		Fingerprint: "missing", UserID: userID, CategoryCode: "travel",
	})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresTransactionRepository_ResetOverride_NotFound(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta(resetOverrideQuery)).
		WithArgs("missing", userID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewPostgresTransactionRepository(mock)
	if err := repo.ResetOverride(context.Background(), userID, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBatchRepository_CreateBatch(t *testing.T) {
	mock := newMock(t)
	userID := uuid.New()
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(createBatchQuery)).
		WithArgs(pgxmock.AnyArg(), userID, model.SourceEmail, model.BatchOpen).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(now))

	repo := NewPostgresBatchRepository(mock)
	b := &model.Batch{UserID: userID, SourceType: model.SourceEmail}
	if err := repo.CreateBatch(context.Background(), b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if b.ID == uuid.Nil || b.Status != model.BatchOpen || !b.CreatedAt.Equal(now) {
		t.Fatalf("batch not initialised: %+v", b)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBatchRepository_GetBatch_Finished(t *testing.T) {
	mock := newMock(t)
	id := uuid.New()
	version := "v3"
	now := time.Now()
	failed := []model.RecordFailure{{SourceID: "bad", Reason: "negative amount"}}

	mock.ExpectQuery(regexp.QuoteMeta(getBatchQuery)).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "source_type", "status", "rule_version", "staged_count",
			"inserted", "updated", "skipped_user_owned", "unmatched", "failed",
			"error_message", "created_at", "started_at", "finished_at",
		}).AddRow(
			id, uuid.New(), model.SourceStatement, model.BatchLoaded, &version, 5,
			3, 1, 0, 2, failed,
			(*string)(nil), now, &now, &now,
		))

	repo := NewPostgresBatchRepository(mock)
	b, err := repo.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if b.Result == nil {
		t.Fatalf("finished batch should carry a result")
	}
	if b.Result.Inserted != 3 || b.Result.Unmatched != 2 || b.Result.RuleVersion != "v3" || len(b.Result.Failed) != 1 {
		t.Fatalf("unexpected result: %+v", b.Result)
	}
	if b.StagedCount != 5 {
		t.Fatalf("expected 5 staged, got %d", b.StagedCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBatchRepository_StageRecords(t *testing.T) {
	mock := newMock(t)
	batchID := uuid.New()
	rec := model.RawRecord{
		SourceID:       "stmt-001",
		UserID:         uuid.New(),
		RawDescription: "UPI-SWIGGY-INSTAMART@okicici",
		Amount:         decimal.RequireFromString("450"),
		Currency:       "INR",
		Direction:      model.DirectionDebit,
		OccurredAt:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		SourceType:     model.SourceStatement,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockOpenBatchQuery)).
		WithArgs(batchID).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(model.BatchOpen))
	mock.ExpectExec(regexp.QuoteMeta(createStageTableQuery)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"raw_records_stage"}, stageColumns).
		WillReturnResult(2)
	mock.ExpectExec(regexp.QuoteMeta(mergeStagedQuery)).
		WithArgs(batchID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	repo := NewPostgresBatchRepository(mock)
	dup := rec
	n, err := repo.StageRecords(context.Background(), batchID, []model.RawRecord{rec, dup})
	if err != nil {
		t.Fatalf("StageRecords: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected duplicate source_id to stage once, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBatchRepository_StageRecords_NotOpen(t *testing.T) {
	mock := newMock(t)
	batchID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockOpenBatchQuery)).
		WithArgs(batchID).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(model.BatchLoaded))
	mock.ExpectRollback()

	repo := NewPostgresBatchRepository(mock)
	_, err := repo.StageRecords(context.Background(), batchID, []model.RawRecord{{SourceID: "x"}})
	if !errors.Is(err, common.ErrBatchNotOpen) {
		t.Fatalf("expected ErrBatchNotOpen, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBatchRepository_ClaimBatch(t *testing.T) {
	id := uuid.New()

	t.Run("claimed", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta(claimBatchQuery)).WithArgs(id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		if err := NewPostgresBatchRepository(mock).ClaimBatch(context.Background(), id); err != nil {
			t.Fatalf("ClaimBatch: %v", err)
		}
	})

	t.Run("already processing", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta(claimBatchQuery)).WithArgs(id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(regexp.QuoteMeta(batchExistsQuery)).WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
		err := NewPostgresBatchRepository(mock).ClaimBatch(context.Background(), id)
		if !errors.Is(err, common.ErrBatchNotOpen) {
			t.Fatalf("expected ErrBatchNotOpen, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta(claimBatchQuery)).WithArgs(id).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(regexp.QuoteMeta(batchExistsQuery)).WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		err := NewPostgresBatchRepository(mock).ClaimBatch(context.Background(), id)
		if !errors.Is(err, common.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPostgresBatchRepository_FinishBatch(t *testing.T) {
	mock := newMock(t)
	id := uuid.New()
	result := &model.BatchResult{BatchID: id, RuleVersion: "v3", Inserted: 2, Updated: 1}

	mock.ExpectExec(regexp.QuoteMeta(finishBatchQuery)).
		WithArgs(id, model.BatchLoaded, pgxmock.AnyArg(), 2, 1, 0, 0, []model.RecordFailure{}, (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := NewPostgresBatchRepository(mock).FinishBatch(context.Background(), id, model.BatchLoaded, result, nil); err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresRuleRepository_LatestSnapshot_NonePublished(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(latestRuleSetQuery)).
		WillReturnRows(pgxmock.NewRows([]string{"version"}))

	_, err := NewPostgresRuleRepository(mock).LatestSnapshot(context.Background())
	if !errors.Is(err, common.ErrRuleSnapshotUnavailable) {
		t.Fatalf("expected ErrRuleSnapshotUnavailable, got %v", err)
	}
}

func TestPostgresRuleRepository_SnapshotByVersion(t *testing.T) {
	mock := newMock(t)
	sub := "food_delivery"
	mock.ExpectQuery(regexp.QuoteMeta(listRulesQuery)).
		WithArgs("v2").
		WillReturnRows(pgxmock.NewRows([]string{
			"rule_id", "match_type", "pattern", "category_code", "subcategory_code", "priority", "base_confidence", "source",
		}).
			AddRow("swiggy", "merchant_exact", "SWIGGY", "dining", &sub, 10, 0.95, "seed").
			AddRow("rent", "regex", `\brent\b`, "housing", (*string)(nil), 20, 0.8, "ops"))

	snapshot, err := NewPostgresRuleRepository(mock).SnapshotByVersion(context.Background(), "v2")
	if err != nil {
		t.Fatalf("SnapshotByVersion: %v", err)
	}
	if snapshot.Version() != "v2" || snapshot.Len() != 2 {
		t.Fatalf("unexpected snapshot %s with %d rules", snapshot.Version(), snapshot.Len())
	}
	if got := snapshot.Rules()[1].MatchType; got != rules.MatchRegex {
		t.Fatalf("expected regex rule, got %s", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresRuleRepository_PublishRuleSet_Conflict(t *testing.T) {
	mock := newMock(t)
	snapshot, err := rules.LoadEmbedded()
	if err != nil {
		t.Fatalf("LoadEmbedded: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertRuleSetQuery)).
		WithArgs(snapshot.Version(), "seed").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err = NewPostgresRuleRepository(mock).PublishRuleSet(context.Background(), snapshot, "seed")
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresRuleRepository_PublishRuleSet(t *testing.T) {
	mock := newMock(t)
	snapshot, err := rules.LoadEmbedded()
	if err != nil {
		t.Fatalf("LoadEmbedded: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertRuleSetQuery)).
		WithArgs(snapshot.Version(), "seed").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"category_rules"}, ruleColumns).
		WillReturnResult(int64(snapshot.Len()))
	mock.ExpectCommit()

	if err := NewPostgresRuleRepository(mock).PublishRuleSet(context.Background(), snapshot, "seed"); err != nil {
		t.Fatalf("PublishRuleSet: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
