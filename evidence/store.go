package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taxway/regtruth/idgen"
)

// Schema is the evidence table. Content is stored as the exact fetched
// bytes; the UNIQUE index on (url, content_hash) backs Put's dedup.
const Schema = `
CREATE TABLE IF NOT EXISTS evidence (
    id            TEXT PRIMARY KEY,
    url           TEXT NOT NULL,
    raw_content   BLOB NOT NULL,
    content_hash  TEXT NOT NULL,
    content_type  TEXT NOT NULL DEFAULT '',
    fetched_at    INTEGER NOT NULL,
    text_id       TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_evidence_url_hash ON evidence(url, content_hash);
CREATE INDEX IF NOT EXISTS idx_evidence_fetched ON evidence(fetched_at DESC);
`

// Store wraps the evidence table. Append-only: no content update exists.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// NewStore creates a Store from an already-opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, newID: idgen.Prefixed("ev_", idgen.Default)}
}

// ApplySchema creates the evidence table and indexes.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Put computes the content hash from the exact bytes about to be persisted
// and stores both atomically. If a record with the same (url, hash) already
// exists, Put returns the existing record and ErrDuplicateEvidence.
func (s *Store) Put(ctx context.Context, url string, rawContent []byte, contentType string) (*Evidence, error) {
	hash := Hash(rawContent)

	existing, err := s.GetByURLHash(ctx, url, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrDuplicateEvidence
	}

	ev := &Evidence{
		ID:          s.newID(),
		URL:         url,
		RawContent:  rawContent,
		ContentHash: hash,
		ContentType: contentType,
		FetchedAt:   time.Now().UnixMilli(),
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO evidence (id, url, raw_content, content_hash, content_type, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.URL, ev.RawContent, ev.ContentHash, ev.ContentType, ev.FetchedAt,
	)
	if err != nil {
		// A concurrent Put of the same content can hit the unique index;
		// resolve to the winner's record.
		if existing, gerr := s.GetByURLHash(ctx, url, hash); gerr == nil && existing != nil {
			return existing, ErrDuplicateEvidence
		}
		return nil, fmt.Errorf("insert evidence: %w", err)
	}
	return ev, nil
}

// Get retrieves a record by ID, including the raw content.
func (s *Store) Get(ctx context.Context, id string) (*Evidence, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, url, raw_content, content_hash, content_type, fetched_at, text_id
		FROM evidence WHERE id = ?`, id)
	return scanEvidence(row)
}

// GetByURLHash retrieves the record for a (url, content hash) pair, or nil.
func (s *Store) GetByURLHash(ctx context.Context, url, hash string) (*Evidence, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, url, raw_content, content_hash, content_type, fetched_at, text_id
		FROM evidence WHERE url = ? AND content_hash = ?`, url, hash)
	ev, err := scanEvidence(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return ev, err
}

// Verify rehashes the stored content and compares it to the stored hash.
// Returns ErrHashMismatch on divergence — an integrity violation the caller
// must surface to an operator, never repair.
func (s *Store) Verify(ctx context.Context, id string) error {
	ev, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if Hash(ev.RawContent) != ev.ContentHash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, id)
	}
	return nil
}

// AttachText records the ID of the cleaned-text artifact derived from this
// record. This is the only mutation evidence permits: content and hash
// columns are never touched.
func (s *Store) AttachText(ctx context.Context, id, textID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE evidence SET text_id = ? WHERE id = ?`, textID, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence`).Scan(&n)
	return n, err
}

func scanEvidence(row *sql.Row) (*Evidence, error) {
	var ev Evidence
	err := row.Scan(&ev.ID, &ev.URL, &ev.RawContent, &ev.ContentHash,
		&ev.ContentType, &ev.FetchedAt, &ev.TextID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan evidence: %w", err)
	}
	return &ev, nil
}
