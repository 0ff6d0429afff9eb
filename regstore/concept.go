package regstore

import (
	"context"
	"database/sql"
	"time"
)

// UpsertConcept creates the concept if missing; an existing concept keeps
// its original title and creation time.
func (s *Store) UpsertConcept(ctx context.Context, slug, title string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO concepts (slug, title, created_at) VALUES (?,?,?)
		ON CONFLICT(slug) DO NOTHING`,
		slug, title, time.Now().UnixMilli(),
	)
	return err
}

// GetConcept retrieves a concept by slug, or nil.
func (s *Store) GetConcept(ctx context.Context, slug string) (*Concept, error) {
	var c Concept
	err := s.DB.QueryRowContext(ctx,
		`SELECT slug, title, created_at FROM concepts WHERE slug = ?`, slug).
		Scan(&c.Slug, &c.Title, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListConcepts returns all concepts ordered by slug.
func (s *Store) ListConcepts(ctx context.Context) ([]*Concept, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT slug, title, created_at FROM concepts ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Concept
	for rows.Next() {
		var c Concept
		if err := rows.Scan(&c.Slug, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
