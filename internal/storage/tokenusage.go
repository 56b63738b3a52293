package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenUsageManager persists append-only TokenUsage rows (spec §3
// "TokenUsage").
type TokenUsageManager struct {
	db *DB
}

// Add records one LLM call's token accounting. Never updated or deleted
// by the core (spec §3 lifecycle note).
func (m *TokenUsageManager) Add(ctx context.Context, u TokenUsage) error {
	_, err := m.db.conn.ExecContext(ctx, `
		INSERT INTO token_usage (model, input_tokens, output_tokens, total_tokens, endpoint,
			feature_type, created_at, input_cost, output_cost, total_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.Model, u.InputTokens, u.OutputTokens, u.TotalTokens, u.Endpoint, u.FeatureType,
		u.CreatedAt.Format(timeFormat), u.InputCost, u.OutputCost, u.TotalCost)
	if err != nil {
		return fmt.Errorf("add token usage: %w", err)
	}
	return nil
}

// WindowAggregate sums token usage rows created within [since, until).
func (m *TokenUsageManager) WindowAggregate(ctx context.Context, since, until time.Time) (TokenUsage, error) {
	var agg TokenUsage
	var inputTokens, outputTokens, totalTokens sql.NullInt64
	var inputCost, outputCost, totalCost sql.NullFloat64
	err := m.db.conn.QueryRowContext(ctx, `
		SELECT sum(input_tokens), sum(output_tokens), sum(total_tokens),
		       sum(input_cost), sum(output_cost), sum(total_cost)
		FROM token_usage WHERE created_at >= ? AND created_at < ?
	`, since.Format(timeFormat), until.Format(timeFormat)).Scan(
		&inputTokens, &outputTokens, &totalTokens, &inputCost, &outputCost, &totalCost)
	if errors.Is(err, sql.ErrNoRows) {
		return agg, nil
	}
	if err != nil {
		return agg, fmt.Errorf("aggregate token usage: %w", err)
	}
	agg.InputTokens = int(inputTokens.Int64)
	agg.OutputTokens = int(outputTokens.Int64)
	agg.TotalTokens = int(totalTokens.Int64)
	agg.InputCost = inputCost.Float64
	agg.OutputCost = outputCost.Float64
	agg.TotalCost = totalCost.Float64
	return agg, nil
}
