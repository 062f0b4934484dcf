package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftbreak/driftbreak/internal/config"
	"github.com/driftbreak/driftbreak/internal/types"
)

func testQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	if cfg.LeaseTimeout == 0 {
		cfg = DefaultQueueConfig()
		cfg.PollInterval = 10 * time.Millisecond
		cfg.ReapInterval = 50 * time.Millisecond
	}
	q := New(NewMemoryBackend(), cfg)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func task(url string, priority int) types.Task {
	return types.Task{URL: url, Priority: priority}
}

func TestEnqueueLeaseAck(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, task("https://example.com", 1), EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue should assign an id")
	}

	leased, err := q.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased.ID != id {
		t.Errorf("leased id = %s, want %s", leased.ID, id)
	}
	if leased.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 after first delivery", leased.Attempts)
	}

	if err := q.Ack(ctx, id, types.TaskResult{Data: map[string]any{"title": "ok"}}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Completed != 1 || stats.Active != 0 || stats.Waiting != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, task("", 0), EnqueueOptions{}); err == nil {
		t.Error("empty url should be rejected")
	}
	if _, err := q.Enqueue(ctx, task("not a url", 0), EnqueueOptions{}); !errors.Is(err, types.ErrInvalidURL) {
		t.Errorf("err = %v, want ErrInvalidURL", err)
	}

	past := time.Now().Add(-time.Minute)
	bad := task("https://example.com", 0)
	bad.Deadline = &past
	if _, err := q.Enqueue(ctx, bad, EnqueueOptions{}); err == nil {
		t.Error("past deadline should be rejected")
	}
}

func TestDuplicateID(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, task("https://example.com", 0), EnqueueOptions{ID: "dup"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, task("https://example.com", 0), EnqueueOptions{ID: "dup"}); !errors.Is(err, types.ErrDuplicateTask) {
		t.Errorf("err = %v, want ErrDuplicateTask", err)
	}
}

// Seed scenario: priorities [1,5,3,5,2], four leases yield [5,5,3,2]
// with FIFO among the equal-priority pair.
func TestPriorityOrdering(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	priorities := []int{1, 5, 3, 5, 2}
	ids := make([]string, len(priorities))
	for i, p := range priorities {
		id, err := q.Enqueue(ctx, task("https://example.com", p), EnqueueOptions{})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		ids[i] = id
	}

	want := []int{5, 5, 3, 2}
	var gotIDs []string
	for i, wantP := range want {
		leased, err := q.Lease(ctx)
		if err != nil {
			t.Fatalf("Lease %d: %v", i, err)
		}
		if leased.Priority != wantP {
			t.Errorf("lease %d priority = %d, want %d", i, leased.Priority, wantP)
		}
		gotIDs = append(gotIDs, leased.ID)
	}

	// FIFO tie-break: the first priority-5 task enqueued (index 1) comes
	// before the second (index 3).
	if gotIDs[0] != ids[1] || gotIDs[1] != ids[3] {
		t.Errorf("equal-priority order not FIFO: got %v, enqueued %v", gotIDs[:2], []string{ids[1], ids[3]})
	}
}

func TestDelayedAvailability(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, task("https://example.com", 0), EnqueueOptions{Delay: 80 * time.Millisecond}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Delayed != 1 || stats.Waiting != 0 {
		t.Errorf("stats before delay = %+v", stats)
	}

	start := time.Now()
	leased, err := q.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if waited := time.Since(start); waited < 60*time.Millisecond {
		t.Errorf("delayed task leased after %v, want >= ~80ms", waited)
	}
	_ = q.Ack(ctx, leased.ID, types.TaskResult{})
}

func TestNackRetriesThenFails(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RetryType = config.RetryFixed
	cfg.RetryDelay = 10 * time.Millisecond
	q := testQueue(t, cfg)
	ctx := context.Background()

	var failedID string
	var failedReason string
	var mu sync.Mutex
	q.OnFailed(func(id, reason string) {
		mu.Lock()
		failedID, failedReason = id, reason
		mu.Unlock()
	})

	tk := task("https://example.com", 0)
	tk.MaxAttempts = 2
	id, err := q.Enqueue(ctx, tk, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Attempt 1: lease + nack -> retry.
	leased, err := q.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease 1: %v", err)
	}
	if err := q.Nack(ctx, leased.ID, "blocked"); err != nil {
		t.Fatalf("Nack 1: %v", err)
	}

	// Attempt 2: lease + nack -> permanent failure.
	leased, err = q.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease 2: %v", err)
	}
	if leased.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", leased.Attempts)
	}
	if err := q.Nack(ctx, leased.ID, "blocked again"); err != nil {
		t.Fatalf("Nack 2: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if failedID != id || failedReason != "blocked again" {
		t.Errorf("OnFailed got (%s, %s), want (%s, blocked again)", failedID, failedReason, id)
	}

	stats, _ := q.Stats(ctx)
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
}

func TestExponentialRetryDelay(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.RetryType = config.RetryExponential
	cfg.RetryDelay = 100 * time.Millisecond
	q := New(NewMemoryBackend(), cfg)
	defer q.Close()

	if got := q.retryDelay(1); got != 100*time.Millisecond {
		t.Errorf("delay after attempt 1 = %v, want 100ms", got)
	}
	if got := q.retryDelay(2); got != 200*time.Millisecond {
		t.Errorf("delay after attempt 2 = %v, want 200ms", got)
	}
	if got := q.retryDelay(3); got != 400*time.Millisecond {
		t.Errorf("delay after attempt 3 = %v, want 400ms", got)
	}
}

func TestLeaseExpiryRequeues(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.LeaseTimeout = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReapInterval = 20 * time.Millisecond
	q := testQueue(t, cfg)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, task("https://example.com", 0), EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Lease and never ack: the reaper must return it.
	if _, err := q.Lease(ctx); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	leaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	again, err := q.Lease(leaseCtx)
	if err != nil {
		t.Fatalf("re-lease after expiry: %v", err)
	}
	if again.ID != id {
		t.Errorf("re-leased id = %s, want %s", again.ID, id)
	}
	if again.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (second delivery)", again.Attempts)
	}
}

func TestPauseResume(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, task("https://example.com", 0), EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q.Pause()
	leaseCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	if _, err := q.Lease(leaseCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("paused lease err = %v, want deadline exceeded", err)
	}

	q.Resume()
	if _, err := q.Lease(ctx); err != nil {
		t.Errorf("lease after resume: %v", err)
	}
}

func TestDrainAndObliterate(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, task("https://example.com", i), EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	leased, err := q.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Waiting != 0 {
		t.Errorf("Waiting after drain = %d, want 0", stats.Waiting)
	}
	if stats.Active != 1 {
		t.Errorf("Active after drain = %d, want 1 (in-flight task survives)", stats.Active)
	}
	_ = q.Ack(ctx, leased.ID, types.TaskResult{})

	if err := q.Obliterate(ctx); err != nil {
		t.Fatalf("Obliterate: %v", err)
	}
	stats, _ = q.Stats(ctx)
	if stats != (Stats{}) {
		t.Errorf("stats after obliterate = %+v, want zero", stats)
	}
}

func TestEnqueueBulkAtomic(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	// Second batch contains a duplicate of an existing id: nothing from
	// that batch may land.
	if _, err := q.Enqueue(ctx, task("https://example.com", 0), EnqueueOptions{ID: "existing"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch := []types.Task{task("https://example.com/1", 0), task("https://example.com/2", 0)}
	batch[1].ID = "existing"
	if _, err := q.EnqueueBulk(ctx, batch); !errors.Is(err, types.ErrDuplicateTask) {
		t.Fatalf("err = %v, want ErrDuplicateTask", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Waiting != 1 {
		t.Errorf("Waiting = %d, want 1 (batch rejected atomically)", stats.Waiting)
	}

	ids, err := q.EnqueueBulk(ctx, []types.Task{task("https://example.com/3", 1), task("https://example.com/4", 2)})
	if err != nil {
		t.Fatalf("EnqueueBulk: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("ids = %v, want 2", ids)
	}
}

func TestOnCompletedFires(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var got []types.TaskResult
	q.OnCompleted(func(r types.TaskResult) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	id, _ := q.Enqueue(ctx, task("https://example.com", 0), EnqueueOptions{})
	leased, _ := q.Lease(ctx)
	_ = q.Ack(ctx, leased.ID, types.TaskResult{Data: map[string]any{"k": "v"}})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].TaskID != id {
		t.Errorf("OnCompleted got %+v", got)
	}
}

func TestProgressSubscription(t *testing.T) {
	q := testQueue(t, Config{})

	var mu sync.Mutex
	var pcts []int
	q.OnProgress(func(id string, pct int) {
		mu.Lock()
		pcts = append(pcts, pct)
		mu.Unlock()
	})

	for _, pct := range []int{10, 50, 90, 100} {
		q.Progress("t1", pct)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pcts) != 4 || pcts[0] != 10 || pcts[3] != 100 {
		t.Errorf("progress = %v", pcts)
	}
}

func TestAckWithoutLease(t *testing.T) {
	q := testQueue(t, Config{})
	if err := q.Ack(context.Background(), "ghost", types.TaskResult{}); !errors.Is(err, types.ErrTaskNotLeased) {
		t.Errorf("err = %v, want ErrTaskNotLeased", err)
	}
}
