// Package queue provides the priority-ordered, retryable task queue
// feeding the worker pool. The Queue facade owns retry policy, events
// and retention; a Backend supplies atomic storage with visibility
// timeouts. Two backends exist: in-memory and Redis.
package queue

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/config"
	"github.com/driftbreak/driftbreak/internal/types"
)

// Stats counts tasks per queue state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Backend is the storage contract: atomic lease with a visibility
// deadline, priority-ordered scan, delayed availability. Lease returns
// ErrNoTasksWaiting rather than blocking; the facade polls.
type Backend interface {
	Push(ctx context.Context, task *types.Task) error
	PushBulk(ctx context.Context, tasks []*types.Task) error
	Lease(ctx context.Context, deadline time.Time) (*types.Task, error)
	// Complete moves an active task to the completed or failed store.
	Complete(ctx context.Context, id string, failed bool, expiry time.Time) error
	// Requeue returns an active task to waiting/delayed with updated
	// attempt bookkeeping.
	Requeue(ctx context.Context, task *types.Task) error
	// Active fetches a currently leased task by id.
	Active(ctx context.Context, id string) (*types.Task, error)
	// ReapExpired returns expired leases to waiting and prunes retention.
	ReapExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Drain(ctx context.Context) error
	Obliterate(ctx context.Context) error
	Close() error
}

// EnqueueOptions override task fields at enqueue time.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
	ID       string
}

// Config tunes retry, lease and retention behavior.
type Config struct {
	LeaseTimeout time.Duration
	MaxAttempts  int
	RetryType    config.RetryStrategy
	RetryDelay   time.Duration
	CompletedTTL time.Duration
	FailedTTL    time.Duration
	PollInterval time.Duration
	ReapInterval time.Duration
}

// DefaultQueueConfig returns working defaults.
func DefaultQueueConfig() Config {
	return Config{
		LeaseTimeout: 2 * time.Minute,
		MaxAttempts:  3,
		RetryType:    config.RetryExponential,
		RetryDelay:   2 * time.Second,
		CompletedTTL: time.Hour,
		FailedTTL:    24 * time.Hour,
		PollInterval: 100 * time.Millisecond,
		ReapInterval: 5 * time.Second,
	}
}

// Queue is the client-facing task queue.
type Queue struct {
	backend Backend
	cfg     Config

	mu        sync.Mutex
	paused    bool
	closed    bool
	completed []func(types.TaskResult)
	failed    []func(taskID, reason string)
	progress  []func(taskID string, pct int)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue over a backend and starts the lease reaper.
func New(backend Backend, cfg Config) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	q := &Queue{
		backend: backend,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.reapLoop()
	}()

	return q
}

// Enqueue validates and adds one task. A colliding id is rejected with
// ErrDuplicateTask.
func (q *Queue) Enqueue(ctx context.Context, task types.Task, opts EnqueueOptions) (string, error) {
	prepared, err := q.prepare(&task, opts)
	if err != nil {
		return "", err
	}
	if err := q.backend.Push(ctx, prepared); err != nil {
		return "", err
	}

	log.Debug().
		Str("task_id", prepared.ID).
		Str("url", prepared.URL).
		Int("priority", prepared.Priority).
		Msg("Task enqueued")
	return prepared.ID, nil
}

// EnqueueBulk atomically adds a batch: either every task is accepted or
// none are.
func (q *Queue) EnqueueBulk(ctx context.Context, tasks []types.Task) ([]string, error) {
	prepared := make([]*types.Task, len(tasks))
	ids := make([]string, len(tasks))
	for i := range tasks {
		p, err := q.prepare(&tasks[i], EnqueueOptions{Priority: tasks[i].Priority})
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		prepared[i] = p
		ids[i] = p.ID
	}
	if err := q.backend.PushBulk(ctx, prepared); err != nil {
		return nil, err
	}

	log.Debug().Int("count", len(prepared)).Msg("Task batch enqueued")
	return ids, nil
}

// prepare validates a task and stamps queue bookkeeping.
func (q *Queue) prepare(task *types.Task, opts EnqueueOptions) (*types.Task, error) {
	if opts.ID != "" {
		task.ID = opts.ID
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if opts.Priority != 0 {
		task.Priority = opts.Priority
	}

	if task.URL == "" {
		return nil, fmt.Errorf("%w: task url required", types.ErrInvalidInput)
	}
	if u, err := url.Parse(task.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidURL, task.URL)
	}
	if task.Deadline != nil && !task.Deadline.After(time.Now()) {
		return nil, fmt.Errorf("%w: deadline already passed", types.ErrInvalidInput)
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.cfg.MaxAttempts
	}

	now := time.Now()
	task.EnqueuedAt = now
	task.AvailableAt = now.Add(opts.Delay)

	cp := *task
	return &cp, nil
}

// Lease blocks until a task is available, the queue closes, or ctx is
// done. Returned tasks carry an incremented attempt count and must be
// Acked or Nacked before the lease expires.
func (q *Queue) Lease(ctx context.Context) (*types.Task, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		closed, paused := q.closed, q.paused
		q.mu.Unlock()
		if closed {
			return nil, types.ErrQueueClosed
		}

		if !paused {
			task, err := q.backend.Lease(ctx, time.Now().Add(q.cfg.LeaseTimeout))
			if err == nil {
				log.Debug().
					Str("task_id", task.ID).
					Int("attempt", task.Attempts).
					Msg("Task leased")
				return task, nil
			}
			if err != types.ErrNoTasksWaiting {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stopCh:
			return nil, types.ErrQueueClosed
		case <-ticker.C:
		}
	}
}

// Ack completes a leased task. A result with Failed set lands in the
// failed store and fires OnFailed; otherwise OnCompleted fires.
func (q *Queue) Ack(ctx context.Context, taskID string, result types.TaskResult) error {
	result.TaskID = taskID

	expiry := time.Now().Add(q.cfg.CompletedTTL)
	if result.Failed {
		expiry = time.Now().Add(q.cfg.FailedTTL)
	}
	if err := q.backend.Complete(ctx, taskID, result.Failed, expiry); err != nil {
		return err
	}

	q.mu.Lock()
	completed := append(([]func(types.TaskResult))(nil), q.completed...)
	failed := append(([]func(string, string))(nil), q.failed...)
	q.mu.Unlock()

	if result.Failed {
		for _, h := range failed {
			h(taskID, result.Reason)
		}
	} else {
		for _, h := range completed {
			h(result)
		}
	}

	log.Debug().Str("task_id", taskID).Bool("failed", result.Failed).Msg("Task acked")
	return nil
}

// Nack returns a leased task for retry. While attempts remain, the task
// is re-enqueued after the configured backoff; otherwise it is marked
// failed and OnFailed fires.
func (q *Queue) Nack(ctx context.Context, taskID string, reason string) error {
	task, err := q.backend.Active(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Attempts < task.MaxAttempts {
		task.AvailableAt = time.Now().Add(q.retryDelay(task.Attempts))
		if err := q.backend.Requeue(ctx, task); err != nil {
			return err
		}
		log.Debug().
			Str("task_id", taskID).
			Int("attempt", task.Attempts).
			Time("available_at", task.AvailableAt).
			Str("reason", reason).
			Msg("Task requeued for retry")
		return nil
	}

	if err := q.backend.Complete(ctx, taskID, true, time.Now().Add(q.cfg.FailedTTL)); err != nil {
		return err
	}

	q.mu.Lock()
	failed := append(([]func(string, string))(nil), q.failed...)
	q.mu.Unlock()
	for _, h := range failed {
		h(taskID, reason)
	}

	log.Debug().Str("task_id", taskID).Str("reason", reason).Msg("Task failed permanently")
	return nil
}

// retryDelay computes the delay before attempt n+1.
func (q *Queue) retryDelay(attempts int) time.Duration {
	if q.cfg.RetryType == config.RetryFixed {
		return q.cfg.RetryDelay
	}
	delay := q.cfg.RetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// Progress reports a task's percent-complete to subscribers.
func (q *Queue) Progress(taskID string, pct int) {
	q.mu.Lock()
	handlers := append(([]func(string, int))(nil), q.progress...)
	q.mu.Unlock()
	for _, h := range handlers {
		h(taskID, pct)
	}
}

// OnCompleted subscribes to successful completions.
func (q *Queue) OnCompleted(fn func(types.TaskResult)) {
	q.mu.Lock()
	q.completed = append(q.completed, fn)
	q.mu.Unlock()
}

// OnFailed subscribes to permanent failures.
func (q *Queue) OnFailed(fn func(taskID, reason string)) {
	q.mu.Lock()
	q.failed = append(q.failed, fn)
	q.mu.Unlock()
}

// OnProgress subscribes to progress milestones.
func (q *Queue) OnProgress(fn func(taskID string, pct int)) {
	q.mu.Lock()
	q.progress = append(q.progress, fn)
	q.mu.Unlock()
}

// Pause stops Lease from handing out tasks; queued work is retained.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	log.Info().Msg("Queue paused")
}

// Resume reverses Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	log.Info().Msg("Queue resumed")
}

// Drain discards waiting and delayed tasks; active leases finish.
func (q *Queue) Drain(ctx context.Context) error {
	log.Info().Msg("Queue draining")
	return q.backend.Drain(ctx)
}

// Obliterate discards everything, including history.
func (q *Queue) Obliterate(ctx context.Context) error {
	log.Warn().Msg("Queue obliterated")
	return q.backend.Obliterate(ctx)
}

// Stats returns per-state task counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.backend.Stats(ctx)
}

// Close stops the reaper and the backend. Safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
	return q.backend.Close()
}

// reapLoop periodically returns expired leases to the waiting state so
// crashed workers cannot strand tasks (at-least-once delivery).
func (q *Queue) reapLoop() {
	ticker := time.NewTicker(q.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			n, err := q.backend.ReapExpired(context.Background())
			if err != nil {
				log.Warn().Err(err).Msg("Lease reap failed")
				continue
			}
			if n > 0 {
				log.Info().Int("reaped", n).Msg("Expired leases returned to queue")
			}
		}
	}
}
