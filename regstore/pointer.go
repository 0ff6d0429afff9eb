package regstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const pointerCols = `id, evidence_id, rule_id, quote, value, value_type, domain, confidence, created_at`

// InsertPointer stores a new source pointer. An empty ID is generated.
func (s *Store) InsertPointer(ctx context.Context, p *SourcePointer) error {
	if p.ID == "" {
		p.ID = s.newPointerID()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO source_pointers (`+pointerCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.EvidenceID, p.RuleID, p.Quote, p.Value, p.ValueType, p.Domain,
		p.Confidence, p.CreatedAt,
	)
	return err
}

// GetPointer retrieves a pointer by ID, or nil.
func (s *Store) GetPointer(ctx context.Context, id string) (*SourcePointer, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+pointerCols+` FROM source_pointers WHERE id = ?`, id)
	return scanPointer(row.Scan)
}

// ListUngroupedPointers returns pointers not yet attached to any rule,
// oldest first, bounded by limit.
func (s *Store) ListUngroupedPointers(ctx context.Context, limit int) ([]*SourcePointer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+pointerCols+` FROM source_pointers
		WHERE rule_id = '' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectPointers(rows)
}

// ListPointersByRule returns the pointers backing a rule.
func (s *Store) ListPointersByRule(ctx context.Context, ruleID string) ([]*SourcePointer, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+pointerCols+` FROM source_pointers
		WHERE rule_id = ? ORDER BY created_at ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	return collectPointers(rows)
}

// ListPointersByEvidence returns all pointers extracted from one evidence record.
func (s *Store) ListPointersByEvidence(ctx context.Context, evidenceID string) ([]*SourcePointer, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+pointerCols+` FROM source_pointers
		WHERE evidence_id = ? ORDER BY created_at ASC`, evidenceID)
	if err != nil {
		return nil, err
	}
	return collectPointers(rows)
}

// CountPointersByRule returns the number of pointers backing a rule.
func (s *Store) CountPointersByRule(ctx context.Context, ruleID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM source_pointers WHERE rule_id = ?`, ruleID).Scan(&n)
	return n, err
}

func collectPointers(rows *sql.Rows) ([]*SourcePointer, error) {
	defer rows.Close()
	var out []*SourcePointer
	for rows.Next() {
		p, err := scanPointer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPointer(scan func(...any) error) (*SourcePointer, error) {
	var p SourcePointer
	err := scan(&p.ID, &p.EvidenceID, &p.RuleID, &p.Quote, &p.Value,
		&p.ValueType, &p.Domain, &p.Confidence, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan pointer: %w", err)
	}
	return &p, nil
}
