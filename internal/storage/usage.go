package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// InsertUsage appends one row to the usage ledger. The row is never touched
// again; statistics are recomputed from the ledger at query time.
func (s *Store) InsertUsage(ctx context.Context, rec UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var convID any
	if strings.TrimSpace(rec.ConversationID) != "" {
		convID = rec.ConversationID
	}

	q := s.sql.Insert("usage_tracking").
		Columns("id", "user_id", "email", "model", "input_tokens", "output_tokens", "cost", "conversation_id", "created_at").
		Values(uuid.NewString(), rec.UserID, strings.ToLower(rec.Email), rec.Model, rec.InputTokens, rec.OutputTokens, rec.Cost, convID, rec.Timestamp)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert usage query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// UsageStats aggregates the full ledger (optionally bounded by a timestamp
// range) into total and per-model figures. A full scan is acceptable at the
// ledger sizes this service sees; there is no persisted aggregate.
func (s *Store) UsageStats(ctx context.Context, from, to *time.Time) (UsageStats, error) {
	q := s.sql.Select("model", "input_tokens", "output_tokens", "cost").
		From("usage_tracking")
	if from != nil {
		q = q.Where(sq.GtOrEq{"created_at": from.UTC()})
	}
	if to != nil {
		q = q.Where(sq.LtOrEq{"created_at": to.UTC()})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UsageStats{}, fmt.Errorf("build usage stats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return UsageStats{}, fmt.Errorf("usage stats: %w", err)
	}
	defer rows.Close()

	stats := UsageStats{ByModel: map[string]ModelUsage{}}
	for rows.Next() {
		var model sql.NullString
		var inputTokens, outputTokens int64
		var cost float64
		if err := rows.Scan(&model, &inputTokens, &outputTokens, &cost); err != nil {
			return UsageStats{}, fmt.Errorf("scan usage row: %w", err)
		}
		name := model.String
		if !model.Valid || name == "" {
			name = "unknown"
		}

		stats.TotalCost += cost
		stats.TotalRequests++

		m := stats.ByModel[name]
		m.Cost += cost
		m.Requests++
		m.InputTokens += inputTokens
		m.OutputTokens += outputTokens
		stats.ByModel[name] = m
	}
	if err := rows.Err(); err != nil {
		return UsageStats{}, fmt.Errorf("iterate usage rows: %w", err)
	}
	return stats, nil
}
