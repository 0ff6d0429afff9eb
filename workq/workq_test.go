package workq

import (
	"context"
	"testing"
	"time"

	"github.com/taxway/regtruth/dbopen"
	_ "modernc.org/sqlite"
)

func newQ(t *testing.T, opts Options) *Q {
	t.Helper()
	db := dbopen.OpenMemory(t)
	q := New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return q
}

func TestEnqueueClaimAck(t *testing.T) {
	// WHAT: A published task can be claimed exactly once, then acked away.
	// WHY: Claim exclusivity is what prevents duplicate stage processing.
	q := newQ(t, Options{Stage: "extractor", Visibility: time.Minute})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "ev_1", []byte(`{"evidence_id":"ev_1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.ID != "ev_1" {
		t.Fatalf("claim: got %+v", task)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", task.Attempts)
	}

	// Claimed task is invisible to a second claim.
	second, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("second claim should see nothing, got %+v", second)
	}

	if err := q.Ack(ctx, task.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	n, _ := q.Len(ctx)
	if n != 0 {
		t.Errorf("len after ack: got %d, want 0", n)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	// WHAT: Re-enqueueing the same task ID is a no-op.
	// WHY: Producers re-emit on retries; the queue must not duplicate work.
	q := newQ(t, Options{Stage: "composer"})
	ctx := context.Background()

	q.Enqueue(ctx, "sp_1", nil)
	q.Enqueue(ctx, "sp_1", nil)

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Errorf("len: got %d, want 1", n)
	}
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	// WHAT: A claimed-but-never-acked task reappears after visibility expires.
	// WHY: This is the stale-claim recovery sweep — crashed workers must not
	// strand work.
	q := newQ(t, Options{Stage: "sentinel", Visibility: 20 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, "ep_1", nil)
	first, _ := q.Claim(ctx)
	if first == nil {
		t.Fatal("first claim returned nil")
	}

	time.Sleep(30 * time.Millisecond)

	second, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if second == nil {
		t.Fatal("task not redelivered after visibility expired")
	}
	if second.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", second.Attempts)
	}
}

func TestNackImmediateRedelivery(t *testing.T) {
	// WHAT: Nack makes a task claimable again immediately.
	q := newQ(t, Options{Stage: "reviewer", Visibility: time.Minute})
	ctx := context.Background()

	q.Enqueue(ctx, "rul_1", nil)
	task, _ := q.Claim(ctx)
	q.Nack(ctx, task.ID)

	again, _ := q.Claim(ctx)
	if again == nil {
		t.Fatal("nacked task not claimable")
	}
}

func TestStageIsolation(t *testing.T) {
	// WHAT: Two stages sharing the table never see each other's tasks.
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	qa := New(db, Options{Stage: "extractor"})
	qb := New(db, Options{Stage: "composer"})
	qa.EnsureTable(ctx)

	qa.Enqueue(ctx, "t1", nil)

	got, _ := qb.Claim(ctx)
	if got != nil {
		t.Fatalf("composer queue claimed extractor task: %+v", got)
	}
}

func TestBatchClaim(t *testing.T) {
	// WHAT: BatchClaim returns up to n tasks, oldest first, all invisible after.
	q := newQ(t, Options{Stage: "extractor", Visibility: time.Minute})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, id, nil)
	}

	tasks, err := q.BatchClaim(ctx, 2)
	if err != nil {
		t.Fatalf("batch claim: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("batch size: got %d, want 2", len(tasks))
	}

	rest, _ := q.BatchClaim(ctx, 10)
	if len(rest) != 1 {
		t.Fatalf("remaining: got %d, want 1", len(rest))
	}
}

func TestRunProcessesAndStops(t *testing.T) {
	// WHAT: Run claims, handles, acks, and stops on context cancel.
	q := newQ(t, Options{Stage: "arbiter", Visibility: time.Minute, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	q.Enqueue(ctx, "cf_1", nil)

	done := make(chan string, 1)
	go q.Run(ctx, func(ctx context.Context, task *Task) error {
		done <- task.ID
		return nil
	})

	select {
	case id := <-done:
		if id != "cf_1" {
			t.Errorf("handled: got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()
	time.Sleep(10 * time.Millisecond)

	n, _ := q.Len(context.Background())
	if n != 0 {
		t.Errorf("len after run: got %d, want 0", n)
	}
}

func TestMaxAttemptsDiscard(t *testing.T) {
	// WHAT: A task past MaxAttempts is discarded, not redelivered forever.
	// WHY: Repeatedly failing work must become operator-visible, not loop.
	q := newQ(t, Options{Stage: "extractor", Visibility: time.Millisecond, MaxAttempts: 2, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, "bad", nil)
	for i := 0; i < 3; i++ {
		task, _ := q.Claim(ctx)
		if task == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if task.Attempts > 2 {
			// Third delivery: queue Run loop would discard here.
			q.Ack(ctx, task.ID)
		} else {
			q.Nack(ctx, task.ID)
		}
	}

	n, _ := q.Len(ctx)
	if n != 0 {
		t.Errorf("len: got %d, want 0 after discard", n)
	}
}
