package regstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const releaseCols = `id, version, release_type, content_hash, rule_ids,
	published_count, deprecated_count, changelog_json, published_at`

// ApprovedUnpublished returns, in a single consistent snapshot, the rules a
// release would publish: status approved, not yet carrying a release id.
// Ordered by rule ID so the caller's bundle input is deterministic.
func (s *Store) ApprovedUnpublished(ctx context.Context) ([]*Rule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM rules
		WHERE status = ? AND release_id = '' ORDER BY id`, StatusApproved)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// PublishRelease atomically inserts the release record and flips every rule
// in it from approved to published, stamping the release id. If any rule has
// left the approved state since the snapshot, the whole publication rolls
// back; the caller recomputes and retries.
func (s *Store) PublishRelease(ctx context.Context, rel *Release) error {
	if rel.ID == "" {
		rel.ID = s.newReleaseID()
	}
	if rel.PublishedAt == 0 {
		rel.PublishedAt = time.Now().UnixMilli()
	}
	ids, err := json.Marshal(rel.RuleIDs)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO releases (`+releaseCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		rel.ID, rel.Version, rel.ReleaseType, rel.ContentHash, string(ids),
		rel.PublishedCount, rel.DeprecatedCount, rel.ChangelogJSON, rel.PublishedAt,
	)
	if err != nil {
		return err
	}
	for _, rid := range rel.RuleIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE rules SET status = ?, release_id = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusPublished, rel.ID, rel.PublishedAt, rid, StatusApproved)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("regstore: rule %s no longer approved, release aborted", rid)
		}
	}
	return tx.Commit()
}

// GetRelease retrieves a release by ID, or nil.
func (s *Store) GetRelease(ctx context.Context, id string) (*Release, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+releaseCols+` FROM releases WHERE id = ?`, id)
	return scanRelease(row.Scan)
}

// GetReleaseByVersion retrieves a release by its semver string, or nil.
func (s *Store) GetReleaseByVersion(ctx context.Context, version string) (*Release, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+releaseCols+` FROM releases WHERE version = ?`, version)
	return scanRelease(row.Scan)
}

// LatestRelease returns the most recently published release, or nil when
// nothing has been published yet.
func (s *Store) LatestRelease(ctx context.Context) (*Release, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+releaseCols+` FROM releases
		ORDER BY published_at DESC, id DESC LIMIT 1`)
	return scanRelease(row.Scan)
}

// ListReleases returns releases newest first.
func (s *Store) ListReleases(ctx context.Context, limit int) ([]*Release, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+releaseCols+` FROM releases
		ORDER BY published_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Release
	for rows.Next() {
		r, err := scanRelease(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RulesInRelease returns the rules a release published, ordered by ID.
func (s *Store) RulesInRelease(ctx context.Context, releaseID string) ([]*Rule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+ruleCols+` FROM rules WHERE release_id = ? ORDER BY id`, releaseID)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

func scanRelease(scan func(...any) error) (*Release, error) {
	var (
		r   Release
		ids string
	)
	err := scan(&r.ID, &r.Version, &r.ReleaseType, &r.ContentHash, &ids,
		&r.PublishedCount, &r.DeprecatedCount, &r.ChangelogJSON, &r.PublishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan release: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &r.RuleIDs); err != nil {
		return nil, fmt.Errorf("release %s rule_ids: %w", r.ID, err)
	}
	return &r, nil
}
