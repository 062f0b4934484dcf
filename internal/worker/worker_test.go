package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ysmood/gson"

	"github.com/driftbreak/driftbreak/internal/browser"
	"github.com/driftbreak/driftbreak/internal/detect"
	"github.com/driftbreak/driftbreak/internal/identity"
	"github.com/driftbreak/driftbreak/internal/queue"
	"github.com/driftbreak/driftbreak/internal/ratelimit"
	"github.com/driftbreak/driftbreak/internal/session"
	"github.com/driftbreak/driftbreak/internal/telemetry"
	"github.com/driftbreak/driftbreak/internal/types"
)

// scriptedDriver serves canned page snapshots in order, then repeats
// the last one.
type scriptedDriver struct {
	mu     sync.Mutex
	pages  []types.PageInfo
	cursor atomic.Int64
	opened atomic.Int64
	evalErr error
}

type scriptedContext struct {
	driver *scriptedDriver
	closed atomic.Bool
}

func (d *scriptedDriver) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.Context, error) {
	d.opened.Add(1)
	return &scriptedContext{driver: d}, nil
}

func (d *scriptedDriver) Close() error { return nil }

func (c *scriptedContext) Navigate(ctx context.Context, url string) error {
	if c.closed.Load() {
		return types.ErrSessionClosed
	}
	return nil
}

func (c *scriptedContext) Evaluate(ctx context.Context, script string) (gson.JSON, error) {
	if c.closed.Load() {
		return gson.New(nil), types.ErrSessionClosed
	}
	c.driver.mu.Lock()
	evalErr := c.driver.evalErr
	c.driver.mu.Unlock()
	if evalErr != nil {
		return gson.New(nil), evalErr
	}
	if strings.Contains(script, "textContent") || strings.Contains(script, "getAttribute") {
		return gson.New("extracted"), nil
	}
	return gson.New(true), nil
}

func (c *scriptedContext) SetInitScript(script string) error { return nil }

func (c *scriptedContext) Snapshot(ctx context.Context) (types.PageInfo, error) {
	if c.closed.Load() {
		return types.PageInfo{}, types.ErrSessionClosed
	}
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()

	idx := int(c.driver.cursor.Add(1)) - 1
	if idx >= len(c.driver.pages) {
		idx = len(c.driver.pages) - 1
	}
	if idx < 0 {
		return types.PageInfo{HTML: "<html>ok</html>", StatusCode: 200}, nil
	}
	return c.driver.pages[idx], nil
}

func (c *scriptedContext) Screenshot(ctx context.Context) ([]byte, error) { return []byte{0x89}, nil }

func (c *scriptedContext) ExportCookies(ctx context.Context) ([]byte, error) { return nil, nil }

func (c *scriptedContext) ImportCookies(ctx context.Context, data []byte) error { return nil }

func (c *scriptedContext) Close() error {
	c.closed.Store(true)
	return nil
}

type harness struct {
	pool     *Pool
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	sessions *session.Pool
	driver   *scriptedDriver
	metrics  *telemetry.Collector
}

func newHarness(t *testing.T, driver *scriptedDriver) *harness {
	t.Helper()

	qcfg := queue.DefaultQueueConfig()
	qcfg.PollInterval = 10 * time.Millisecond
	qcfg.RetryDelay = 10 * time.Millisecond
	q := queue.New(queue.NewMemoryBackend(), qcfg)

	limiter := ratelimit.New(ratelimit.Config{
		RPS: 1000, RPM: 10000, RPH: 100000, MaxConcurrent: 10,
		BackoffInitial: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond, BackoffFactor: 2,
	})

	sessions := session.NewPool(session.PoolConfig{
		MaxSessions:     3,
		MaxIdle:         time.Minute,
		CleanupInterval: time.Minute,
		Identity:        identity.DefaultConfig(),
	}, driver, identity.NewAssemblerSeeded(1), nil)

	metrics := telemetry.NewCollector(0)
	agg := detect.NewAggregator(detect.NewRegistry(), limiter, nil, metrics)

	p := New(Config{
		Workers:        1,
		GracePeriod:    time.Second,
		DefaultTimeout: 5 * time.Second,
	}, q, limiter, sessions, nil, agg, metrics)

	t.Cleanup(func() {
		p.Stop()
		_ = q.Close()
		_ = sessions.CloseAll()
	})
	return &harness{pool: p, queue: q, limiter: limiter, sessions: sessions, driver: driver, metrics: metrics}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerCompletesTask(t *testing.T) {
	driver := &scriptedDriver{pages: []types.PageInfo{{HTML: "<html><h1>Catalog</h1></html>", StatusCode: 200}}}
	h := newHarness(t, driver)

	var mu sync.Mutex
	var results []types.TaskResult
	h.queue.OnCompleted(func(r types.TaskResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	var progress []int
	h.queue.OnProgress(func(id string, pct int) {
		mu.Lock()
		progress = append(progress, pct)
		mu.Unlock()
	})

	_, err := h.queue.Enqueue(context.Background(), types.Task{
		URL:        "https://example.com",
		Extractors: []types.Extractor{{Name: "title", Selector: "h1"}},
	}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := h.pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "completion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	r := results[0]
	if r.Data["title"] != "extracted" {
		t.Errorf("Data = %v", r.Data)
	}
	if r.SessionID == "" {
		t.Error("result should carry the session id")
	}
	if len(r.Detections) != 0 {
		t.Errorf("clean page produced detections: %v", r.Detections)
	}

	// The last milestone delivered is 100.
	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Errorf("progress = %v, want trailing 100", progress)
	}
}

func TestWorkerBlockedRotatesAndRetries(t *testing.T) {
	driver := &scriptedDriver{pages: []types.PageInfo{
		{HTML: "<h1>Access Denied</h1>", StatusCode: 403},
		{HTML: "<html>welcome</html>", StatusCode: 200},
	}}
	h := newHarness(t, driver)

	var mu sync.Mutex
	var completed int
	h.queue.OnCompleted(func(types.TaskResult) {
		mu.Lock()
		completed++
		mu.Unlock()
	})

	tk := types.Task{URL: "https://example.com"}
	tk.MaxAttempts = 3
	if _, err := h.queue.Enqueue(context.Background(), tk, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "retry completion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completed == 1
	})

	if h.limiter.Stats().TotalBackoffs == 0 {
		t.Error("blocked attempt should trigger backoff")
	}
	if driver.opened.Load() < 2 {
		t.Errorf("opened = %d, want >= 2 (session rotated after block)", driver.opened.Load())
	}

	rep := h.metrics.Metrics(time.Minute)
	if rep.Requests.Blocked == 0 {
		t.Error("metrics should record the blocked attempt")
	}
}

func TestWorkerTerminalFailure(t *testing.T) {
	driver := &scriptedDriver{pages: []types.PageInfo{{HTML: "<html>ok</html>", StatusCode: 200}}}
	driver.evalErr = types.ErrExtractionFailed
	h := newHarness(t, driver)

	var mu sync.Mutex
	var failedReason string
	h.queue.OnFailed(func(id, reason string) {
		mu.Lock()
		failedReason = reason
		mu.Unlock()
	})

	_, err := h.queue.Enqueue(context.Background(), types.Task{
		URL:        "https://example.com",
		Extractors: []types.Extractor{{Name: "x", Selector: ".x"}},
	}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "terminal failure", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failedReason != ""
	})

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(failedReason, "extractionFailed") {
		t.Errorf("reason = %q, want extractionFailed kind", failedReason)
	}

	stats, _ := h.queue.Stats(context.Background())
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1 (no retry on extraction failure)", stats.Failed)
	}
}

func TestWorkerRunsActions(t *testing.T) {
	driver := &scriptedDriver{pages: []types.PageInfo{{HTML: "<html>ok</html>", StatusCode: 200}}}
	h := newHarness(t, driver)

	var mu sync.Mutex
	var done bool
	h.queue.OnCompleted(func(types.TaskResult) {
		mu.Lock()
		done = true
		mu.Unlock()
	})

	_, err := h.queue.Enqueue(context.Background(), types.Task{
		URL: "https://example.com",
		Actions: []types.Action{
			{Type: types.ActionClick, Selector: "#go"},
			{Type: types.ActionTypeText, Selector: "#q", Value: "hi"},
			{Type: types.ActionScroll},
			{Type: types.ActionWait, Duration: 10 * time.Millisecond},
			{Type: types.ActionEvaluate, Script: "() => 1"},
		},
	}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "actions completion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	})
}

func TestWorkerPostNavigation(t *testing.T) {
	driver := &scriptedDriver{pages: []types.PageInfo{
		{URL: "https://example.com/submit", HTML: "<html>posted</html>", StatusCode: 200},
	}}
	h := newHarness(t, driver)

	var mu sync.Mutex
	var done bool
	h.queue.OnCompleted(func(types.TaskResult) {
		mu.Lock()
		done = true
		mu.Unlock()
	})

	_, err := h.queue.Enqueue(context.Background(), types.Task{
		URL:    "https://example.com/submit",
		Method: "POST",
		Body:   "user=alice&q=hello+world",
	}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := h.pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "post completion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	})
}

func TestStopDrainsGracefully(t *testing.T) {
	driver := &scriptedDriver{pages: []types.PageInfo{{HTML: "<html>ok</html>", StatusCode: 200}}}
	h := newHarness(t, driver)

	if err := h.pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Stop with an empty queue must return promptly.
	done := make(chan struct{})
	go func() {
		h.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Double Start is rejected.
	if err := h.pool.Start(); err == nil {
		t.Error("second Start should fail")
	}
}
