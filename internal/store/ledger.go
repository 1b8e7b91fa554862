package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
)

// The Store doubles as the persistent decision ledger. Both tables are
// insert-only; there is no UPDATE or DELETE path.

// AppendRecord persists one phase record.
func (s *Store) AppendRecord(ctx context.Context, rec decisionlog.Record) error {
	var invocations []byte
	if len(rec.Invocations) > 0 {
		var err error
		invocations, err = json.Marshal(rec.Invocations)
		if err != nil {
			return fmt.Errorf("marshal invocations: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO decision_records (session_id, seq, phase, recorded_at, rationale, invocations)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.SessionID, rec.Seq, rec.Phase, rec.Timestamp, rec.Rationale, invocations)
	if err != nil {
		return fmt.Errorf("append decision record: %w", err)
	}
	return nil
}

// AppendSummary persists a terminal session summary.
func (s *Store) AppendSummary(ctx context.Context, sum decisionlog.Summary) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_summaries (session_id, goal, state, reason, iterations, forecast_id, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sum.SessionID, sum.Goal, sum.State, sum.Reason, sum.Iterations,
		nullable(sum.ForecastID), sum.StartedAt, sum.FinishedAt)
	if err != nil {
		return fmt.Errorf("append session summary: %w", err)
	}
	return nil
}

// RecentSummaries returns the newest terminal summaries, newest first.
func (s *Store) RecentSummaries(ctx context.Context, limit int) ([]decisionlog.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT session_id, goal, state, reason, iterations, coalesce(forecast_id, ''), started_at, finished_at
		FROM session_summaries
		ORDER BY finished_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	defer rows.Close()

	var out []decisionlog.Summary
	for rows.Next() {
		var sum decisionlog.Summary
		if err := rows.Scan(&sum.SessionID, &sum.Goal, &sum.State, &sum.Reason,
			&sum.Iterations, &sum.ForecastID, &sum.StartedAt, &sum.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SessionRecords returns the phase records of one session in order.
func (s *Store) SessionRecords(ctx context.Context, sessionID string) ([]decisionlog.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, seq, phase, recorded_at, rationale, invocations
		FROM decision_records
		WHERE session_id = $1
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session records: %w", err)
	}
	defer rows.Close()

	var out []decisionlog.Record
	for rows.Next() {
		var (
			rec         decisionlog.Record
			invocations []byte
		)
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &rec.Phase,
			&rec.Timestamp, &rec.Rationale, &invocations); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if len(invocations) > 0 {
			if err := json.Unmarshal(invocations, &rec.Invocations); err != nil {
				return nil, fmt.Errorf("unmarshal invocations: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
