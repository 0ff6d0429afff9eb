package sentinel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/taxway/regtruth/idgen"
)

// Schema holds the discovery registry: endpoints, discovered items, and the
// per-fetch log.
const Schema = `
CREATE TABLE IF NOT EXISTS discovery_endpoints (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL DEFAULT '',
    url                 TEXT NOT NULL UNIQUE,
    strategy            TEXT NOT NULL,
    priority            TEXT NOT NULL DEFAULT 'normal',
    frequency_ms        INTEGER NOT NULL DEFAULT 86400000,
    filter_json         TEXT NOT NULL DEFAULT '{}',
    active              INTEGER NOT NULL DEFAULT 1,
    consecutive_errors  INTEGER NOT NULL DEFAULT 0,
    last_checked_at     INTEGER,
    last_error          TEXT NOT NULL DEFAULT '',
    etag                TEXT NOT NULL DEFAULT '',
    last_modified       TEXT NOT NULL DEFAULT '',
    last_hash           TEXT NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS discovered_items (
    id            TEXT PRIMARY KEY,
    endpoint_id   TEXT NOT NULL REFERENCES discovery_endpoints(id),
    url           TEXT NOT NULL UNIQUE,
    title         TEXT NOT NULL DEFAULT '',
    published_at  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'pending',
    evidence_id   TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_status ON discovered_items(status, created_at);
CREATE INDEX IF NOT EXISTS idx_items_endpoint ON discovered_items(endpoint_id);

CREATE TABLE IF NOT EXISTS fetch_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    endpoint_id  TEXT NOT NULL DEFAULT '',
    url          TEXT NOT NULL,
    status_code  INTEGER NOT NULL DEFAULT 0,
    bytes        INTEGER NOT NULL DEFAULT 0,
    changed      INTEGER NOT NULL DEFAULT 0,
    error        TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    fetched_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_endpoint ON fetch_log(endpoint_id, fetched_at);
`

// ApplySchema creates the discovery tables.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Store is the data access layer for the discovery registry.
type Store struct {
	DB            *sql.DB
	newEndpointID idgen.Generator
	newItemID     idgen.Generator
}

// NewStore creates a Store from an already-opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:            db,
		newEndpointID: idgen.Prefixed("ep_", idgen.Default),
		newItemID:     idgen.Prefixed("di_", idgen.Default),
	}
}

const endpointCols = `id, name, url, strategy, priority, frequency_ms, filter_json,
	active, consecutive_errors, last_checked_at, last_error, etag, last_modified,
	last_hash, created_at, updated_at`

// InsertEndpoint registers a new endpoint. Defaults and the duplicate-URL
// check are applied here.
func (s *Store) InsertEndpoint(ctx context.Context, ep *DiscoveryEndpoint) error {
	if !ep.Strategy.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, ep.Strategy)
	}
	if ep.ID == "" {
		ep.ID = s.newEndpointID()
	}
	if ep.Priority == "" {
		ep.Priority = PriorityNormal
	}
	if ep.FrequencyMs == 0 {
		ep.FrequencyMs = 24 * 3600 * 1000
	}
	if ep.FilterJSON == "" {
		ep.FilterJSON = "{}"
	}
	now := time.Now().UnixMilli()
	if ep.CreatedAt == 0 {
		ep.CreatedAt = now
	}
	ep.UpdatedAt = now

	active := 0
	if ep.Active {
		active = 1
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO discovery_endpoints (`+endpointCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ep.ID, ep.Name, ep.URL, ep.Strategy, ep.Priority, ep.FrequencyMs,
		ep.FilterJSON, active, ep.ConsecutiveErrors, nullMilli(ep.LastCheckedAt),
		ep.LastError, ep.ETag, ep.LastModified, ep.LastHash,
		ep.CreatedAt, ep.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ep.URL)
	}
	return err
}

// GetEndpoint retrieves an endpoint by ID, or nil.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*DiscoveryEndpoint, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+endpointCols+` FROM discovery_endpoints WHERE id = ?`, id)
	return scanEndpoint(row.Scan)
}

// GetEndpointByURL retrieves an endpoint by URL, or nil.
func (s *Store) GetEndpointByURL(ctx context.Context, url string) (*DiscoveryEndpoint, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+endpointCols+` FROM discovery_endpoints WHERE url = ?`, url)
	return scanEndpoint(row.Scan)
}

// ListEndpoints returns all endpoints ordered by creation time.
func (s *Store) ListEndpoints(ctx context.Context) ([]*DiscoveryEndpoint, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+endpointCols+` FROM discovery_endpoints ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return collectEndpoints(rows)
}

// DueEndpoints returns active endpoints whose next check time has passed,
// highest priority first, then longest-unchecked first. Endpoints never
// checked are always due.
func (s *Store) DueEndpoints(ctx context.Context) ([]*DiscoveryEndpoint, error) {
	now := time.Now().UnixMilli()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+endpointCols+` FROM discovery_endpoints
		WHERE active = 1
		  AND (last_checked_at IS NULL OR last_checked_at + frequency_ms <= ?)
		ORDER BY CASE priority WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END DESC,
			last_checked_at ASC NULLS FIRST`, now)
	if err != nil {
		return nil, err
	}
	return collectEndpoints(rows)
}

// RecordCheckSuccess stamps a successful listing check and resets the error
// counter. The conditional GET state is persisted for the next check.
func (s *Store) RecordCheckSuccess(ctx context.Context, id, etag, lastModified, hash string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE discovery_endpoints SET last_checked_at = ?, consecutive_errors = 0,
			last_error = '', etag = ?, last_modified = ?, last_hash = ?, updated_at = ?
		WHERE id = ?`, now, etag, lastModified, hash, now, id)
	return err
}

// RecordCheckError increments the error counter and deactivates the endpoint
// once it reaches maxErrors. Returns true when the endpoint was deactivated.
func (s *Store) RecordCheckError(ctx context.Context, id, errMsg string, maxErrors int) (bool, error) {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE discovery_endpoints SET last_checked_at = ?,
			consecutive_errors = consecutive_errors + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, now, errMsg, now, id)
	if err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE discovery_endpoints SET active = 0, updated_at = ?
		WHERE id = ? AND active = 1 AND consecutive_errors >= ?`, now, id, maxErrors)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReactivateEndpoint resets the error state so the scheduler picks the
// endpoint up again.
func (s *Store) ReactivateEndpoint(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE discovery_endpoints SET active = 1, consecutive_errors = 0,
			last_error = '', updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

// DeleteEndpoint removes an endpoint and its discovered items.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM discovered_items WHERE endpoint_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM discovery_endpoints WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

const itemCols = `id, endpoint_id, url, title, published_at, status, evidence_id,
	error, attempts, created_at, updated_at`

// InsertItem records a newly discovered candidate. Re-discovering a known
// URL is a no-op; the bool reports whether a row was created.
func (s *Store) InsertItem(ctx context.Context, it *DiscoveredItem) (bool, error) {
	if it.ID == "" {
		it.ID = s.newItemID()
	}
	if it.Status == "" {
		it.Status = ItemPending
	}
	now := time.Now().UnixMilli()
	if it.CreatedAt == 0 {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	res, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO discovered_items (`+itemCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.EndpointID, it.URL, it.Title, it.PublishedAt, it.Status,
		it.EvidenceID, it.Error, it.Attempts, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetItem retrieves an item by ID, or nil.
func (s *Store) GetItem(ctx context.Context, id string) (*DiscoveredItem, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM discovered_items WHERE id = ?`, id)
	return scanItem(row.Scan)
}

// PendingItems returns items awaiting fetch for one endpoint ("" for all),
// oldest first.
func (s *Store) PendingItems(ctx context.Context, endpointID string, limit int) ([]*DiscoveredItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+itemCols+` FROM discovered_items
		WHERE status = 'pending' AND (? = '' OR endpoint_id = ?)
		ORDER BY created_at ASC LIMIT ?`, endpointID, endpointID, limit)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// MarkItemFetched closes an item with the evidence record it produced.
func (s *Store) MarkItemFetched(ctx context.Context, id, evidenceID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE discovered_items SET status = 'fetched', evidence_id = ?,
			error = '', updated_at = ? WHERE id = ?`,
		evidenceID, time.Now().UnixMilli(), id)
	return err
}

// MarkItemFailed records a fetch failure. Past maxAttempts the item goes
// terminal failed; below it, it stays pending for a later sweep.
func (s *Store) MarkItemFailed(ctx context.Context, id, errMsg string, maxAttempts int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE discovered_items SET
			attempts = attempts + 1,
			error = ?,
			status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			updated_at = ?
		WHERE id = ?`, errMsg, maxAttempts, time.Now().UnixMilli(), id)
	return err
}

// LogFetch appends one row to the fetch log.
func (s *Store) LogFetch(ctx context.Context, endpointID, url string, statusCode, bytes int, changed bool, errMsg string, duration time.Duration) error {
	ch := 0
	if changed {
		ch = 1
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO fetch_log (endpoint_id, url, status_code, bytes, changed, error, duration_ms, fetched_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		endpointID, url, statusCode, bytes, ch, errMsg,
		duration.Milliseconds(), time.Now().UnixMilli())
	return err
}

// FetchHistory returns recent fetch log rows for an endpoint, newest first.
func (s *Store) FetchHistory(ctx context.Context, endpointID string, limit int) ([]*FetchLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT endpoint_id, url, status_code, bytes, changed, error, duration_ms, fetched_at
		FROM fetch_log WHERE endpoint_id = ?
		ORDER BY fetched_at DESC LIMIT ?`, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*FetchLogEntry
	for rows.Next() {
		var (
			e       FetchLogEntry
			changed int
		)
		err := rows.Scan(&e.EndpointID, &e.URL, &e.StatusCode, &e.Bytes,
			&changed, &e.Error, &e.DurationMs, &e.FetchedAt)
		if err != nil {
			return nil, err
		}
		e.Changed = changed != 0
		out = append(out, &e)
	}
	return out, rows.Err()
}

// FetchLogEntry is one row of the fetch log.
type FetchLogEntry struct {
	EndpointID string `json:"endpoint_id"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Bytes      int    `json:"bytes"`
	Changed    bool   `json:"changed"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	FetchedAt  int64  `json:"fetched_at"`
}

func collectEndpoints(rows *sql.Rows) ([]*DiscoveryEndpoint, error) {
	defer rows.Close()
	var out []*DiscoveryEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func scanEndpoint(scan func(...any) error) (*DiscoveryEndpoint, error) {
	var (
		ep      DiscoveryEndpoint
		active  int
		checked sql.NullInt64
	)
	err := scan(&ep.ID, &ep.Name, &ep.URL, &ep.Strategy, &ep.Priority,
		&ep.FrequencyMs, &ep.FilterJSON, &active, &ep.ConsecutiveErrors,
		&checked, &ep.LastError, &ep.ETag, &ep.LastModified, &ep.LastHash,
		&ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan endpoint: %w", err)
	}
	ep.Active = active != 0
	ep.LastCheckedAt = checked.Int64
	return &ep, nil
}

func collectItems(rows *sql.Rows) ([]*DiscoveredItem, error) {
	defer rows.Close()
	var out []*DiscoveredItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(scan func(...any) error) (*DiscoveredItem, error) {
	var it DiscoveredItem
	err := scan(&it.ID, &it.EndpointID, &it.URL, &it.Title, &it.PublishedAt,
		&it.Status, &it.EvidenceID, &it.Error, &it.Attempts,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}
	return &it, nil
}

func nullMilli(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
