package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftbreak/driftbreak/internal/types"
)

// MemoryBackend is the in-process Backend used for tests and
// single-process runs. All operations are O(log n) or O(n) over small
// structures guarded by one mutex.
type MemoryBackend struct {
	mu sync.Mutex

	waiting  taskHeap
	delayed  []*types.Task // availableAt in the future
	active   map[string]*activeLease
	finished map[string]*finishedTask // completed and failed
	known    map[string]struct{}      // every id currently tracked

	seq uint64
}

type activeLease struct {
	task     *types.Task
	deadline time.Time
}

type finishedTask struct {
	failed bool
	expiry time.Time
}

// heapItem orders by priority descending, then enqueue sequence.
type heapItem struct {
	task *types.Task
	seq  uint64
}

type taskHeap []heapItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		active:   make(map[string]*activeLease),
		finished: make(map[string]*finishedTask),
		known:    make(map[string]struct{}),
	}
}

// Push adds one task, rejecting duplicate ids.
func (m *MemoryBackend) Push(ctx context.Context, task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushLocked(task)
}

// PushBulk adds a batch atomically: a duplicate anywhere rejects all.
func (m *MemoryBackend) PushBulk(ctx context.Context, tasks []*types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := m.known[t.ID]; dup {
			return fmt.Errorf("%w: %s", types.ErrDuplicateTask, t.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("%w: %s", types.ErrDuplicateTask, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	for _, t := range tasks {
		if err := m.pushLocked(t); err != nil {
			return err
		}
	}
	return nil
}

// pushLocked must hold mu.
func (m *MemoryBackend) pushLocked(task *types.Task) error {
	if _, dup := m.known[task.ID]; dup {
		return fmt.Errorf("%w: %s", types.ErrDuplicateTask, task.ID)
	}
	m.known[task.ID] = struct{}{}

	cp := *task
	if cp.AvailableAt.After(time.Now()) {
		m.delayed = append(m.delayed, &cp)
		return nil
	}
	m.seq++
	heap.Push(&m.waiting, heapItem{task: &cp, seq: m.seq})
	return nil
}

// promoteDueLocked moves due delayed tasks into the waiting heap.
func (m *MemoryBackend) promoteDueLocked(now time.Time) {
	remaining := m.delayed[:0]
	for _, t := range m.delayed {
		if t.AvailableAt.After(now) {
			remaining = append(remaining, t)
			continue
		}
		m.seq++
		heap.Push(&m.waiting, heapItem{task: t, seq: m.seq})
	}
	m.delayed = remaining
}

// Lease atomically pops the highest-priority due task and marks it
// active until deadline. The attempt counter increments on delivery.
func (m *MemoryBackend) Lease(ctx context.Context, deadline time.Time) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.promoteDueLocked(time.Now())
	if m.waiting.Len() == 0 {
		return nil, types.ErrNoTasksWaiting
	}

	item := heap.Pop(&m.waiting).(heapItem)
	task := item.task
	task.Attempts++
	m.active[task.ID] = &activeLease{task: task, deadline: deadline}

	cp := *task
	return &cp, nil
}

// Complete moves an active task into the finished store.
func (m *MemoryBackend) Complete(ctx context.Context, id string, failed bool, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotLeased, id)
	}
	delete(m.active, id)
	m.finished[id] = &finishedTask{failed: failed, expiry: expiry}
	return nil
}

// Requeue returns an active task to waiting (or delayed when its
// AvailableAt is in the future), keeping its attempt count.
func (m *MemoryBackend) Requeue(ctx context.Context, task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[task.ID]; !ok {
		return fmt.Errorf("%w: %s", types.ErrTaskNotLeased, task.ID)
	}
	delete(m.active, task.ID)

	cp := *task
	if cp.AvailableAt.After(time.Now()) {
		m.delayed = append(m.delayed, &cp)
		return nil
	}
	m.seq++
	heap.Push(&m.waiting, heapItem{task: &cp, seq: m.seq})
	return nil
}

// Active returns a copy of a currently leased task.
func (m *MemoryBackend) Active(ctx context.Context, id string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotLeased, id)
	}
	cp := *lease.task
	return &cp, nil
}

// ReapExpired requeues tasks whose lease deadline passed and prunes
// expired finished entries.
func (m *MemoryBackend) ReapExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	reaped := 0
	for id, lease := range m.active {
		if lease.deadline.After(now) {
			continue
		}
		delete(m.active, id)
		m.seq++
		heap.Push(&m.waiting, heapItem{task: lease.task, seq: m.seq})
		reaped++
	}

	for id, f := range m.finished {
		if !f.expiry.After(now) {
			delete(m.finished, id)
			delete(m.known, id)
		}
	}
	return reaped, nil
}

// Stats counts tasks per state.
func (m *MemoryBackend) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Waiting: m.waiting.Len(),
		Active:  len(m.active),
		Delayed: len(m.delayed),
	}
	for _, f := range m.finished {
		if f.failed {
			s.Failed++
		} else {
			s.Completed++
		}
	}
	return s, nil
}

// Drain discards waiting and delayed tasks.
func (m *MemoryBackend) Drain(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.waiting {
		delete(m.known, item.task.ID)
	}
	for _, t := range m.delayed {
		delete(m.known, t.ID)
	}
	m.waiting = nil
	m.delayed = nil
	return nil
}

// Obliterate discards everything.
func (m *MemoryBackend) Obliterate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.waiting = nil
	m.delayed = nil
	m.active = make(map[string]*activeLease)
	m.finished = make(map[string]*finishedTask)
	m.known = make(map[string]struct{})
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryBackend) Close() error { return nil }
