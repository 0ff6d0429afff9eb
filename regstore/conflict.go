package regstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const conflictCols = `id, rule_ids, type, status, winner_id, rationale,
	inputs_json, created_at, resolved_at`

// InsertConflict records a detected contradiction in status open.
func (s *Store) InsertConflict(ctx context.Context, c *Conflict) error {
	if c.ID == "" {
		c.ID = s.newConflictID()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixMilli()
	}
	if c.Status == "" {
		c.Status = ConflictOpen
	}
	ids, err := json.Marshal(c.RuleIDs)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO conflicts (`+conflictCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, string(ids), c.Type, c.Status, c.WinnerID, c.Rationale,
		c.InputsJSON, c.CreatedAt, nullInt(c.ResolvedAt),
	)
	return err
}

// GetConflict retrieves a conflict by ID, or nil.
func (s *Store) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+conflictCols+` FROM conflicts WHERE id = ?`, id)
	return scanConflict(row.Scan)
}

// ListOpenConflicts returns unresolved conflicts, oldest first.
func (s *Store) ListOpenConflicts(ctx context.Context, limit int) ([]*Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+conflictCols+` FROM conflicts
		WHERE status = ? ORDER BY created_at ASC LIMIT ?`, ConflictOpen, limit)
	if err != nil {
		return nil, err
	}
	return collectConflicts(rows)
}

// OpenConflictForRules returns an unresolved conflict already covering the
// exact rule set, preventing duplicate raises. Escalated conflicts count:
// they are still open disagreements, just flagged for a human. The set is
// compared as the stored JSON array, so callers must pass rule IDs in a
// stable order.
func (s *Store) OpenConflictForRules(ctx context.Context, ruleIDs []string) (*Conflict, error) {
	ids, err := json.Marshal(ruleIDs)
	if err != nil {
		return nil, err
	}
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+conflictCols+` FROM conflicts
		WHERE status IN (?, ?) AND rule_ids = ?`,
		ConflictOpen, ConflictEscalated, string(ids))
	return scanConflict(row.Scan)
}

// ResolveConflict closes a conflict with the winner and the rationale,
// preserving the inputs the resolution was computed from. Both open and
// escalated conflicts resolve: escalation exists to wait for exactly this.
func (s *Store) ResolveConflict(ctx context.Context, id, winnerID, rationale, inputsJSON string) error {
	return s.closeConflict(ctx, id, ConflictResolved, winnerID, rationale, inputsJSON,
		ConflictOpen, ConflictEscalated)
}

// EscalateConflict flags an open conflict as needing a human decision.
func (s *Store) EscalateConflict(ctx context.Context, id, rationale string) error {
	return s.closeConflict(ctx, id, ConflictEscalated, "", rationale, "", ConflictOpen)
}

func (s *Store) closeConflict(ctx context.Context, id string, to ConflictStatus, winnerID, rationale, inputsJSON string, from ...ConflictStatus) error {
	args := []any{to, winnerID, rationale, inputsJSON, inputsJSON,
		time.Now().UnixMilli(), id}
	marks := ""
	for i, st := range from {
		if i > 0 {
			marks += ","
		}
		marks += "?"
		args = append(args, st)
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE conflicts SET status = ?, winner_id = ?, rationale = ?,
			inputs_json = CASE WHEN ? != '' THEN ? ELSE inputs_json END,
			resolved_at = ?
		WHERE id = ? AND status IN (`+marks+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("regstore: conflict %s cannot move to %s", id, to)
	}
	return nil
}

func collectConflicts(rows *sql.Rows) ([]*Conflict, error) {
	defer rows.Close()
	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConflict(scan func(...any) error) (*Conflict, error) {
	var (
		c        Conflict
		ids      string
		resolved sql.NullInt64
	)
	err := scan(&c.ID, &ids, &c.Type, &c.Status, &c.WinnerID, &c.Rationale,
		&c.InputsJSON, &c.CreatedAt, &resolved)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan conflict: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &c.RuleIDs); err != nil {
		return nil, fmt.Errorf("conflict %s rule_ids: %w", c.ID, err)
	}
	c.ResolvedAt = resolved.Int64
	return &c, nil
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
