package regstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const runCols = `id, stage, subject_id, status, error, attempt, started_at,
	finished_at, duration_ms`

// StartRun records the beginning of one stage execution over one subject
// and returns the run ID for the matching FinishRun or FailRun call.
func (s *Store) StartRun(ctx context.Context, stage, subjectID string, attempt int) (string, error) {
	id := s.newRunID()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO agent_runs (id, stage, subject_id, status, attempt, started_at)
		VALUES (?,?,?,'running',?,?)`,
		id, stage, subjectID, attempt, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// FinishRun marks a run successful.
func (s *Store) FinishRun(ctx context.Context, id string) error {
	return s.endRun(ctx, id, "ok", "")
}

// FailRun marks a run failed with the error text.
func (s *Store) FailRun(ctx context.Context, id string, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.endRun(ctx, id, "failed", msg)
}

func (s *Store) endRun(ctx context.Context, id, status, errMsg string) error {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, error = ?, finished_at = ?,
			duration_ms = ? - started_at
		WHERE id = ? AND status = 'running'`,
		status, errMsg, now, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("regstore: run %s not running", id)
	}
	return nil
}

// ListFailedRuns returns failed runs for a stage ("" for all stages),
// newest first.
func (s *Store) ListFailedRuns(ctx context.Context, stage string, limit int) ([]*AgentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+runCols+` FROM agent_runs
		WHERE status = 'failed' AND (? = '' OR stage = ?)
		ORDER BY started_at DESC LIMIT ?`, stage, stage, limit)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

// ListRunsBySubject returns all runs recorded for one subject, oldest first.
func (s *Store) ListRunsBySubject(ctx context.Context, subjectID string) ([]*AgentRun, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+runCols+` FROM agent_runs
		WHERE subject_id = ? ORDER BY started_at ASC`, subjectID)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*AgentRun, error) {
	defer rows.Close()
	var out []*AgentRun
	for rows.Next() {
		var (
			r        AgentRun
			finished sql.NullInt64
			duration sql.NullInt64
		)
		err := rows.Scan(&r.ID, &r.Stage, &r.SubjectID, &r.Status, &r.Error,
			&r.Attempt, &r.StartedAt, &finished, &duration)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.FinishedAt = finished.Int64
		r.DurationMs = duration.Int64
		out = append(out, &r)
	}
	return out, rows.Err()
}
