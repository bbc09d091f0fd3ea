package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func sampleRecord() model.NormalizedRecord {
	return model.NormalizedRecord{
		RawRecord: model.RawRecord{
			SourceID:   "stmt-001",
			UserID:     uuid.MustParse("6f1c2a8e-2f0b-4b43-9d64-1f8b0c3a5e11"),
			Amount:     decimal.RequireFromString("450"),
			Currency:   "INR",
			Direction:  model.DirectionDebit,
			OccurredAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			SourceType: model.SourceStatement,
		},
		NormalizedDescription: "swiggy instamart",
	}
}

func TestFingerprint_Stable(t *testing.T) {
	rec := sampleRecord()
	fp := Fingerprint(rec)
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint(rec))

	sameDay := rec
	sameDay.OccurredAt = time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, fp, Fingerprint(sameDay), "time of day is not part of the identity")

	scaled := rec
	scaled.Amount = decimal.RequireFromString("450.000")
	assert.Equal(t, fp, Fingerprint(scaled), "amount is compared at two decimals")

	ist := time.FixedZone("IST", 5*3600+1800)
	local := rec
	local.OccurredAt = time.Date(2026, 3, 14, 15, 0, 0, 0, ist) // 09:30 UTC
	assert.Equal(t, fp, Fingerprint(local), "dates are taken in UTC")
}

func TestFingerprint_Sensitive(t *testing.T) {
	base := sampleRecord()
	fp := Fingerprint(base)

	mutations := map[string]func(r *model.NormalizedRecord){
		"user":        func(r *model.NormalizedRecord) { r.UserID = uuid.New() },
		"date":        func(r *model.NormalizedRecord) { r.OccurredAt = r.OccurredAt.AddDate(0, 0, 1) },
		"amount":      func(r *model.NormalizedRecord) { r.Amount = decimal.RequireFromString("450.01") },
		"direction":   func(r *model.NormalizedRecord) { r.Direction = model.DirectionCredit },
		"description": func(r *model.NormalizedRecord) { r.NormalizedDescription = "swiggy" },
		"source":      func(r *model.NormalizedRecord) { r.SourceID = "stmt-002" },
	}
	for name, mutate := range mutations {
		rec := base
		mutate(&rec)
		assert.NotEqual(t, fp, Fingerprint(rec), name)
	}
}

func TestBuild(t *testing.T) {
	rec := sampleRecord()
	merchant := "SWIGGY"
	rec.MerchantToken = &merchant
	ruleID := "swiggy"
	tx := Build(rec, model.CategorizationResult{CategoryCode: "dining", Confidence: 0.95, MatchedRuleID: &ruleID}, "v1")

	assert.Equal(t, Fingerprint(rec), tx.Fingerprint)
	assert.Equal(t, "dining", tx.CategoryCode)
	assert.Equal(t, "v1", tx.RuleVersion)
	assert.Equal(t, "SWIGGY", *tx.MerchantToken)
	assert.False(t, tx.SourceConfidenceOverridden)
}

type flakyStore struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
	err      map[string]error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{calls: map[string]int{}, failures: map[string]int{}, err: map[string]error{}}
}

func (s *flakyStore) Upsert(_ context.Context, tx *model.CanonicalTransaction) (model.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[tx.SourceID]++
	if err, ok := s.err[tx.SourceID]; ok {
		return "", err
	}
	if s.failures[tx.SourceID] > 0 {
		s.failures[tx.SourceID]--
		return "", errors.New("connection reset")
	}
	return model.OutcomeInserted, nil
}

func TestLoad_RetriesTransientFailures(t *testing.T) {
	store := newFlakyStore()
	store.failures["stmt-001"] = 2
	l := New(store, Config{MaxRetries: 3, BaseDelay: time.Millisecond}, testLogger)

	outcome, err := l.Load(context.Background(), sampleRecord(), model.Fallback(), "v1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInserted, outcome)
	assert.Equal(t, 3, store.calls["stmt-001"])
}

func TestLoad_GivesUpAfterMaxRetries(t *testing.T) {
	store := newFlakyStore()
	store.failures["stmt-001"] = 10
	l := New(store, Config{MaxRetries: 2, BaseDelay: time.Millisecond}, testLogger)

	_, err := l.Load(context.Background(), sampleRecord(), model.Fallback(), "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 3, store.calls["stmt-001"])
}

func TestLoad_DoesNotRetryInvalidRecords(t *testing.T) {
	store := newFlakyStore()
	store.err["stmt-001"] = fmt.Errorf("check violation: %w", common.ErrInvalidRecord)
	l := New(store, Config{MaxRetries: 5, BaseDelay: time.Millisecond}, testLogger)

	_, err := l.Load(context.Background(), sampleRecord(), model.Fallback(), "v1")
	require.ErrorIs(t, err, common.ErrInvalidRecord)
	assert.Equal(t, 1, store.calls["stmt-001"])
}

func TestLoad_StopsOnCancel(t *testing.T) {
	store := newFlakyStore()
	store.failures["stmt-001"] = 100
	l := New(store, Config{MaxRetries: 100, BaseDelay: 50 * time.Millisecond}, testLogger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Load(ctx, sampleRecord(), model.Fallback(), "v1")
	require.Error(t, err)
	assert.Less(t, store.calls["stmt-001"], 5)
}

func TestLoadAll_IsolatesFailuresAndKeepsOrder(t *testing.T) {
	store := newFlakyStore()
	store.err["bad"] = fmt.Errorf("not null violation: %w", common.ErrInvalidRecord)
	l := New(store, Config{MaxRetries: 1, BaseDelay: time.Millisecond, Concurrency: 4}, testLogger)

	var items []Item
	for i := 0; i < 20; i++ {
		rec := sampleRecord()
		rec.SourceID = fmt.Sprintf("stmt-%03d", i)
		if i == 7 {
			rec.SourceID = "bad"
		}
		items = append(items, Item{Record: rec, Result: model.Fallback()})
	}

	results := l.LoadAll(context.Background(), items, "v1")
	require.Len(t, results, 20)
	for i, r := range results {
		assert.Equal(t, items[i].Record.SourceID, r.SourceID)
		if i == 7 {
			assert.ErrorIs(t, r.Err, common.ErrInvalidRecord)
			continue
		}
		assert.NoError(t, r.Err)
		assert.Equal(t, model.OutcomeInserted, r.Outcome)
	}
}

func TestLoadAll_CancelledContext(t *testing.T) {
	store := newFlakyStore()
	l := New(store, Config{Concurrency: 2}, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := l.LoadAll(ctx, []Item{{Record: sampleRecord(), Result: model.Fallback()}}, "v1")
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
	assert.Zero(t, store.calls["stmt-001"])
}
