package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/rules"
)

var _ RuleStore = (*PostgresRuleRepository)(nil)

const latestRuleSetQuery = `
		SELECT version FROM rule_sets
		ORDER BY published_at DESC, version DESC
		LIMIT 1`

const ruleSetExistsQuery = `SELECT EXISTS (SELECT 1 FROM rule_sets WHERE version = $1)`

const listRulesQuery = `
		SELECT rule_id, match_type, pattern, category_code, subcategory_code,
		       priority, base_confidence, source
		FROM category_rules
		WHERE version = $1 AND active
		ORDER BY ordinal`

const insertRuleSetQuery = `
		INSERT INTO rule_sets (version, description)
		VALUES ($1, $2)
		ON CONFLICT (version) DO NOTHING`

var ruleColumns = []string{
	"version", "ordinal", "rule_id", "match_type", "pattern", "category_code",
	"subcategory_code", "priority", "base_confidence", "source",
}

// PostgresRuleRepository implements RuleStore using PostgreSQL
type PostgresRuleRepository struct {
	pgpool PgxPool
}

// NewPostgresRuleRepository creates a new PostgreSQL-backed rule repository
func NewPostgresRuleRepository(pgpool PgxPool) *PostgresRuleRepository {
	return &PostgresRuleRepository{pgpool: pgpool}
}

// LatestSnapshot returns the most recently published rule set
func (r *PostgresRuleRepository) LatestSnapshot(ctx context.Context) (*rules.Snapshot, error) {
	var version string
	err := r.pgpool.QueryRow(ctx, latestRuleSetQuery).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no rule set published: %w", common.ErrRuleSnapshotUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest rule set: %w: %w", common.ErrRuleSnapshotUnavailable, err)
	}
	return r.SnapshotByVersion(ctx, version)
}

// SnapshotByVersion loads and compiles the active rules of one version
func (r *PostgresRuleRepository) SnapshotByVersion(ctx context.Context, version string) (*rules.Snapshot, error) {
	ctx, span := otel.Tracer("RuleRepo").Start(ctx, "SnapshotByVersion", trace.WithAttributes(
		attribute.String("rules.version", version),
	))
	defer span.End()

	rows, err := r.pgpool.Query(ctx, listRulesQuery, version)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var list []rules.Rule
	for rows.Next() {
		var (
			rule      rules.Rule
			matchType string
		)
		err := rows.Scan(
			&rule.ID, &matchType, &rule.Pattern, &rule.CategoryCode, &rule.SubcategoryCode,
			&rule.Priority, &rule.BaseConfidence, &rule.Source,
		)
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

	if len(list) == 0 {
		var exists bool
		if err := r.pgpool.QueryRow(ctx, ruleSetExistsQuery, version).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check rule set: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("rule set %s: %w", version, common.ErrNotFound)
		}
	}

	snapshot, err := rules.NewSnapshot(version, list)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid rule set")
		return nil, fmt.Errorf("failed to compile rule set %s: %w", version, err)
	}
	span.SetAttributes(attribute.Int("rules.count", snapshot.Len()))
	return snapshot, nil
}

// PublishRuleSet stores a new immutable version. Publishing an existing
// version is a conflict.
func (r *PostgresRuleRepository) PublishRuleSet(ctx context.Context, s *rules.Snapshot, description string) error {
	ctx, span := otel.Tracer("RuleRepo").Start(ctx, "PublishRuleSet", trace.WithAttributes(
		attribute.String("rules.version", s.Version()),
		attribute.Int("rules.count", s.Len()),
	))
	defer span.End()

	list := s.Rules()
	err := withTx(ctx, r.pgpool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertRuleSetQuery, s.Version(), description)
		if err != nil {
			return fmt.Errorf("failed to insert rule set: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("rule set %s already published: %w", s.Version(), common.ErrConflict)
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"category_rules"},
			ruleColumns,
			pgx.CopyFromSlice(len(list), func(i int) ([]any, error) {
				rule := list[i]
				return []any{
					s.Version(),
					i,
					rule.ID,
					rule.MatchType.String(),
					rule.Pattern,
					rule.CategoryCode,
					rule.SubcategoryCode,
					rule.Priority,
					rule.BaseConfidence,
					rule.Source,
				}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to copy rules: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}

	span.SetStatus(codes.Ok, "published")
	return nil
}
