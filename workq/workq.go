// Package workq implements the visibility-timeout work queue that connects
// pipeline stages, backed by SQLite.
//
// Each stage (sentinel, extractor, composer, reviewer, arbiter, releaser)
// consumes its own named queue. A claimed task is invisible to other workers
// for a configurable duration. If the holder finishes it acks (deletes) the
// task; if the holder crashes or exceeds the timeout the task reappears and
// another worker claims it. This single primitive is what prevents two
// workers from extracting the same evidence or publishing the same release,
// and what recovers work from stale claims — no external broker involved.
//
// Expected schema (created automatically by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS stage_tasks (
//	    id          TEXT NOT NULL,
//	    stage       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    PRIMARY KEY (stage, id)
//	);
package workq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Task is a row in a stage queue.
type Task struct {
	ID        string
	Stage     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Stage is the logical queue name. Multiple stages share the table.
	Stage string
	// Visibility is how long a claimed task stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries before a task is discarded.
	// 0 means unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is a handle on one stage's queue.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup, then Enqueue
// and Claim (or Run) as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the stage_tasks table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stage_tasks (
			id          TEXT NOT NULL,
			stage       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (stage, id)
		);
		CREATE INDEX IF NOT EXISTS idx_stage_tasks_visible ON stage_tasks (stage, visible_at);
	`)
	return err
}

// Enqueue inserts a task that is immediately visible. Enqueueing the same
// task ID twice is a no-op, so producers can re-emit without duplicating
// downstream work.
func (q *Q) Enqueue(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stage_tasks (id, stage, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Stage, payload, now, now,
	)
	return err
}

// EnqueueAfter inserts a task that becomes visible after the given delay.
// Used for backoff re-scheduling of rate-limited work.
func (q *Q) EnqueueAfter(ctx context.Context, id string, payload []byte, delay time.Duration) error {
	now := time.Now()
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stage_tasks (id, stage, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Stage, payload, now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	return err
}

// Claim atomically picks the oldest visible task, marks it invisible for the
// configured visibility duration, and returns it. Returns nil, nil if no
// task is available.
func (q *Q) Claim(ctx context.Context) (*Task, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE stage_tasks
		SET visible_at = ?, attempts = attempts + 1
		WHERE stage = ? AND id = (
			SELECT id FROM stage_tasks
			WHERE stage = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, stage, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Stage, q.opts.Stage, now.UnixMilli(),
	)

	var t Task
	var visAt, creAt int64
	err := row.Scan(&t.ID, &t.Stage, &t.Payload, &visAt, &creAt, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.VisibleAt = time.UnixMilli(visAt)
	t.CreatedAt = time.UnixMilli(creAt)
	return &t, nil
}

// Ack deletes a successfully processed task.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM stage_tasks WHERE id = ? AND stage = ?`, id, q.opts.Stage,
	)
	return err
}

// Nack makes a task immediately visible again so another worker can pick it up.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE stage_tasks SET visible_at = 0 WHERE id = ? AND stage = ?`, id, q.opts.Stage,
	)
	return err
}

// NackAfter reschedules a failed task with a delay (backoff redelivery).
func (q *Q) NackAfter(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE stage_tasks SET visible_at = ? WHERE id = ? AND stage = ?`,
		time.Now().Add(delay).UnixMilli(), id, q.opts.Stage,
	)
	return err
}

// Extend pushes the visibility timeout forward for a task that needs more
// processing time (heartbeat pattern).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE stage_tasks SET visible_at = ? WHERE id = ? AND stage = ?`,
		hideUntil, id, q.opts.Stage,
	)
	return err
}

// Purge deletes all tasks in the stage queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM stage_tasks WHERE stage = ?`, q.opts.Stage,
	)
	return err
}

// Len returns the total number of tasks (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stage_tasks WHERE stage = ?`, q.opts.Stage,
	).Scan(&n)
	return n, err
}

// Handler processes a claimed task. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, task *Task) error

// Run polls for visible tasks and calls handler for each one. It blocks
// until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("workq: worker started", "stage", q.opts.Stage, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("workq: worker stopped", "stage", q.opts.Stage)
			return
		case <-ticker.C:
			q.poll(ctx, handler, log)
		}
	}
}

func (q *Q) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		task, err := q.Claim(ctx)
		if err != nil {
			log.Warn("workq: claim failed", "error", err, "stage", q.opts.Stage)
			return
		}
		if task == nil {
			return // nothing visible
		}

		// Discard if max attempts exceeded.
		if q.opts.MaxAttempts > 0 && task.Attempts > q.opts.MaxAttempts {
			log.Warn("workq: task exceeded max attempts, discarding",
				"id", task.ID, "attempts", task.Attempts, "stage", q.opts.Stage)
			_ = q.Ack(ctx, task.ID)
			continue
		}

		if err := handler(ctx, task); err != nil {
			log.Warn("workq: handler failed, nacking", "id", task.ID, "error", err, "stage", q.opts.Stage)
			_ = q.Nack(ctx, task.ID)
		} else {
			_ = q.Ack(ctx, task.ID)
		}
	}
}

// BatchClaim atomically claims up to n visible tasks. It returns an empty
// (non-nil) slice when no tasks are available.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Task, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE stage_tasks
		SET visible_at = ?, attempts = attempts + 1
		WHERE stage = ? AND id IN (
			SELECT id FROM stage_tasks
			WHERE stage = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, stage, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Stage, q.opts.Stage, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var visAt, creAt int64
		if err := rows.Scan(&t.ID, &t.Stage, &t.Payload, &visAt, &creAt, &t.Attempts); err != nil {
			return nil, err
		}
		t.VisibleAt = time.UnixMilli(visAt)
		t.CreatedAt = time.UnixMilli(creAt)
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return tasks, nil
}

// RunBatch polls in batches and processes tasks with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers before
// returning.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	log.Info("workq: batch worker started",
		"stage", q.opts.Stage,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("workq: batch worker stopping, draining in-flight handlers", "stage", q.opts.Stage)
			wg.Wait()
			log.Info("workq: batch worker stopped", "stage", q.opts.Stage)
			return
		case <-ticker.C:
			tasks, err := q.BatchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("workq: batch claim failed", "error", err, "stage", q.opts.Stage)
				continue
			}

			for _, task := range tasks {
				// Discard if max attempts exceeded.
				if q.opts.MaxAttempts > 0 && task.Attempts > q.opts.MaxAttempts {
					log.Warn("workq: task exceeded max attempts, discarding",
						"id", task.ID, "attempts", task.Attempts, "stage", q.opts.Stage)
					_ = q.Ack(ctx, task.ID)
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(ctx, task.ID)
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(tk *Task) {
					defer wg.Done()
					defer func() { <-sem }()

					if err := handler(ctx, tk); err != nil {
						log.Warn("workq: handler failed, nacking", "id", tk.ID, "error", err, "stage", q.opts.Stage)
						_ = q.Nack(context.Background(), tk.ID)
					} else {
						_ = q.Ack(context.Background(), tk.ID)
					}
				}(task)
			}
		}
	}
}
