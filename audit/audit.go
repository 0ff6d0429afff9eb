// Package audit persists the business-event trail: who approved or rejected
// which rule, how conflicts were settled, what each release contained, and
// any integrity alerts. Writes are buffered and flushed in batches so the
// hot path never blocks on the audit table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taxway/regtruth/idgen"
)

// Actions recorded in the trail.
const (
	ActionRuleApproved       = "rule_approved"
	ActionRuleRejected       = "rule_rejected"
	ActionConflictResolved   = "conflict_resolved"
	ActionConflictEscalated  = "conflict_escalated"
	ActionReleasePublished   = "release_published"
	ActionIntegrityAlert     = "integrity_alert"
	ActionEndpointRegistered = "endpoint_registered"
)

// Schema holds the audit trail table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    id           TEXT PRIMARY KEY,
    at           INTEGER NOT NULL,
    actor        TEXT NOT NULL DEFAULT '',
    action       TEXT NOT NULL,
    subject_id   TEXT NOT NULL DEFAULT '',
    details_json TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action, at);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_events(subject_id);
`

// Event is one recorded business operation.
type Event struct {
	ID          string `json:"id"`
	At          int64  `json:"at"` // unix millis
	Actor       string `json:"actor,omitempty"`
	Action      string `json:"action"`
	SubjectID   string `json:"subject_id,omitempty"`
	DetailsJSON string `json:"details,omitempty"`
}

// Filter narrows a Query.
type Filter struct {
	Action    string
	Actor     string
	SubjectID string
	Since     int64 // unix millis, inclusive
	Limit     int   // default 100
}

// Trail writes and reads audit events.
type Trail struct {
	db    *sql.DB
	newID func() string
	ch    chan *Event
	stop  chan struct{}
	done  chan struct{}
}

// New creates a Trail with an async buffer of the given size and starts its
// flush goroutine. Close drains and stops it.
func New(db *sql.DB, bufferSize int) *Trail {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	t := &Trail{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.Default),
		ch:    make(chan *Event, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go t.flushLoop()
	return t
}

// Record queues an event for async persistence, falling back to a
// synchronous insert when the buffer is full. Details is marshalled to JSON.
func (t *Trail) Record(actor, action, subjectID string, details any) {
	e := &Event{
		ID:        t.newID(),
		At:        time.Now().UnixMilli(),
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			e.DetailsJSON = string(b)
		}
	}
	select {
	case t.ch <- e:
	default:
		slog.Warn("audit: buffer full, sync fallback", "action", action)
		if err := t.insert(context.Background(), e); err != nil {
			slog.Error("audit: sync fallback failed", "error", err)
		}
	}
}

// RecordSync persists an event before returning. Used where losing the
// event is worse than blocking, e.g. integrity alerts.
func (t *Trail) RecordSync(ctx context.Context, actor, action, subjectID string, details any) error {
	e := &Event{
		ID:        t.newID(),
		At:        time.Now().UnixMilli(),
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return err
		}
		e.DetailsJSON = string(b)
	}
	return t.insert(ctx, e)
}

// Flush forces pending buffered events into the table. Mainly for tests.
func (t *Trail) Flush(ctx context.Context) error {
	for {
		select {
		case e := <-t.ch:
			if err := t.insert(ctx, e); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Query returns matching events, newest first.
func (t *Trail) Query(ctx context.Context, f Filter) ([]*Event, error) {
	q := `SELECT id, at, actor, action, subject_id, details_json
		FROM audit_events WHERE 1=1`
	var args []any
	if f.Action != "" {
		q += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.Actor != "" {
		q += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	if f.SubjectID != "" {
		q += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	if f.Since > 0 {
		q += ` AND at >= ?`
		args = append(args, f.Since)
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.At, &e.Actor, &e.Action,
			&e.SubjectID, &e.DetailsJSON); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than the retention window.
func (t *Trail) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (t *Trail) Close() error {
	close(t.stop)
	<-t.done
	return nil
}

func (t *Trail) flushLoop() {
	defer close(t.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*Event, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("audit: begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO audit_events (id, at, actor, action, subject_id, details_json)
				VALUES (?,?,?,?,?,?)`,
				e.ID, e.At, e.Actor, e.Action, e.SubjectID, e.DetailsJSON,
			); err != nil {
				slog.Error("audit: insert", "error", err, "id", e.ID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("audit: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-t.stop:
			for {
				select {
				case e := <-t.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-t.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (t *Trail) insert(ctx context.Context, e *Event) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, at, actor, action, subject_id, details_json)
		VALUES (?,?,?,?,?,?)`,
		e.ID, e.At, e.Actor, e.Action, e.SubjectID, e.DetailsJSON)
	return err
}
