package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ysmood/gson"

	"github.com/driftbreak/driftbreak/internal/browser"
	"github.com/driftbreak/driftbreak/internal/identity"
	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/types"
)

// fakeContext is an in-memory browser.Context for pool tests.
type fakeContext struct {
	closed  atomic.Bool
	cookies []byte
	html    string
}

func (f *fakeContext) Navigate(ctx context.Context, url string) error {
	if f.closed.Load() {
		return types.ErrSessionClosed
	}
	return nil
}

func (f *fakeContext) Evaluate(ctx context.Context, script string) (gson.JSON, error) {
	if f.closed.Load() {
		return gson.New(nil), types.ErrSessionClosed
	}
	return gson.New(nil), nil
}

func (f *fakeContext) SetInitScript(script string) error { return nil }

func (f *fakeContext) Snapshot(ctx context.Context) (types.PageInfo, error) {
	if f.closed.Load() {
		return types.PageInfo{}, types.ErrSessionClosed
	}
	return types.PageInfo{HTML: f.html}, nil
}

func (f *fakeContext) Screenshot(ctx context.Context) ([]byte, error) { return []byte{1}, nil }

func (f *fakeContext) ExportCookies(ctx context.Context) ([]byte, error) {
	return f.cookies, nil
}

func (f *fakeContext) ImportCookies(ctx context.Context, data []byte) error {
	f.cookies = data
	return nil
}

func (f *fakeContext) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeDriver opens fakeContexts and records them.
type fakeDriver struct {
	mu       sync.Mutex
	contexts []*fakeContext
	opened   atomic.Int64
	failNext atomic.Bool
}

func (d *fakeDriver) NewContext(ctx context.Context, opts browser.ContextOptions) (browser.Context, error) {
	if d.failNext.Swap(false) {
		return nil, errors.New("launch failed")
	}
	d.opened.Add(1)
	fc := &fakeContext{}
	d.mu.Lock()
	d.contexts = append(d.contexts, fc)
	d.mu.Unlock()
	return fc, nil
}

func (d *fakeDriver) Close() error { return nil }

func newTestPool(t *testing.T, max int) (*Pool, *fakeDriver) {
	t.Helper()
	d := &fakeDriver{}
	p := NewPool(PoolConfig{
		MaxSessions:     max,
		MaxIdle:         time.Minute,
		CleanupInterval: 50 * time.Millisecond,
		Identity:        identity.DefaultConfig(),
	}, d, identity.NewAssemblerSeeded(1), nil)
	t.Cleanup(func() { _ = p.CloseAll() })
	return p, d
}

func TestLeaseRelease(t *testing.T) {
	p, d := newTestPool(t, 3)
	ctx := context.Background()

	sess, err := p.Lease(ctx, LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if sess.State() != StateInUse {
		t.Errorf("state = %v, want in-use", sess.State())
	}
	if sess.ID == "" {
		t.Error("session should have an id")
	}
	if err := identity.Validate(sess.Identity); err != nil {
		t.Errorf("leased identity invalid: %v", err)
	}

	p.Release(sess)
	if sess.State() != StateIdle {
		t.Errorf("state after release = %v, want idle", sess.State())
	}
	if d.opened.Load() != 1 {
		t.Errorf("opened = %d, want 1", d.opened.Load())
	}
}

// Idempotence law: releasing a leased session leaves the idle count
// where it started.
func TestLeaseReleaseIdleCountStable(t *testing.T) {
	p, _ := newTestPool(t, 3)
	ctx := context.Background()

	sess, err := p.Lease(ctx, LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	p.Release(sess)
	before := p.IdleCount()

	again, err := p.Lease(ctx, LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	p.Release(again)

	if after := p.IdleCount(); after != before {
		t.Errorf("idle count changed: %d -> %d", before, after)
	}
}

func TestIdleSessionReused(t *testing.T) {
	p, d := newTestPool(t, 3)
	ctx := context.Background()

	sess, err := p.Lease(ctx, LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	id := sess.ID
	p.Release(sess)

	again, err := p.Lease(ctx, LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if again.ID != id {
		t.Error("idle session should be reused, not reopened")
	}
	if d.opened.Load() != 1 {
		t.Errorf("opened = %d, want 1", d.opened.Load())
	}
}

// Invariant: a session id is owned by at most one holder; the pool never
// exceeds MaxSessions.
func TestMaxSessionsBlocking(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	first, err := p.Lease(ctx, LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	leased := make(chan *Session, 1)
	go func() {
		sess, err := p.Lease(ctx, LeaseOptions{})
		if err != nil {
			close(leased)
			return
		}
		leased <- sess
	}()

	select {
	case <-leased:
		t.Fatal("second lease should block at maxSessions=1 with no idle session")
	case <-time.After(100 * time.Millisecond):
	}

	if got := p.Count(); got > 1 {
		t.Errorf("Count = %d, exceeds max 1", got)
	}

	p.Release(first)
	select {
	case sess := <-leased:
		if sess == nil {
			t.Fatal("second lease failed after release")
		}
		p.Release(sess)
	case <-time.After(time.Second):
		t.Fatal("second lease did not proceed after release")
	}
}

func TestLeaseCancelledWhileBlocked(t *testing.T) {
	p, _ := newTestPool(t, 1)

	first, err := p.Lease(context.Background(), LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer p.Release(first)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Lease(ctx, LeaseOptions{})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked lease did not honor cancellation")
	}
}

func TestLRUEviction(t *testing.T) {
	p, d := newTestPool(t, 2)
	ctx := context.Background()

	a, err := p.Lease(ctx, LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease a: %v", err)
	}
	b, err := p.Lease(ctx, LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease b: %v", err)
	}

	p.Release(a)
	time.Sleep(10 * time.Millisecond) // make a strictly older
	p.Release(b)

	// Both idle but both match; mark them unmatchable by asking for a
	// different platform so a new session must open and one idle session
	// must be evicted — the LRU one (a).
	other := identity.PlatformLinux
	if a.Identity.Platform == identity.PlatformLinux {
		other = identity.PlatformWindows
	}
	if b.Identity.Platform == other {
		t.Skip("both idle sessions already match the preferred platform")
	}

	c, err := p.Lease(ctx, LeaseOptions{PreferPlatform: other})
	if err != nil {
		t.Fatalf("Lease c: %v", err)
	}
	defer p.Release(c)

	if a.State() != StateClosed {
		t.Errorf("LRU session state = %v, want closed", a.State())
	}
	if b.State() != StateIdle {
		t.Errorf("newer idle session state = %v, want idle", b.State())
	}
	if got := p.Count(); got > 2 {
		t.Errorf("Count = %d, exceeds max 2", got)
	}
	if d.opened.Load() != 3 {
		t.Errorf("opened = %d, want 3", d.opened.Load())
	}
}

func TestCloseInUsePropagates(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	sess, err := p.Lease(ctx, LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	p.Close(sess)

	if err := sess.Context.Navigate(ctx, "https://example.com"); !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("Navigate after close = %v, want ErrSessionClosed", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
}

func TestRotateGetsFreshIdentity(t *testing.T) {
	p, d := newTestPool(t, 2)
	ctx := context.Background()

	sess, err := p.Lease(ctx, LeaseOptions{PersistCookies: true})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	d.mu.Lock()
	d.contexts[0].cookies = []byte(`[{"name":"sid","value":"abc"}]`)
	d.mu.Unlock()

	fresh, err := p.Rotate(ctx, sess)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	defer p.Release(fresh)

	if fresh.ID == sess.ID {
		t.Error("rotate should produce a new session id")
	}
	if sess.State() != StateClosed {
		t.Errorf("old session state = %v, want closed", sess.State())
	}

	// Cookies survived the rotation.
	blob, err := fresh.Context.ExportCookies(ctx)
	if err != nil {
		t.Fatalf("ExportCookies: %v", err)
	}
	if string(blob) != `[{"name":"sid","value":"abc"}]` {
		t.Errorf("cookies not carried over: %s", blob)
	}
}

func TestIdleReaper(t *testing.T) {
	d := &fakeDriver{}
	p := NewPool(PoolConfig{
		MaxSessions:     2,
		MaxIdle:         30 * time.Millisecond,
		CleanupInterval: 20 * time.Millisecond,
		Identity:        identity.DefaultConfig(),
	}, d, identity.NewAssemblerSeeded(1), nil)
	defer p.CloseAll()

	sess, err := p.Lease(context.Background(), LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	p.Release(sess)

	deadline := time.After(2 * time.Second)
	for p.Count() > 0 {
		select {
		case <-deadline:
			t.Fatal("idle session was not reaped")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
}

func TestProxyBinding(t *testing.T) {
	d := &fakeDriver{}
	pxPool := proxy.NewPool(proxy.PoolConfig{})
	pxPool.Add(proxy.Proxy{Type: proxy.TypeHTTP, Host: "10.0.0.1", Port: 8080})

	p := NewPool(PoolConfig{
		MaxSessions:     2,
		MaxIdle:         time.Minute,
		CleanupInterval: time.Minute,
		Identity:        identity.DefaultConfig(),
	}, d, identity.NewAssemblerSeeded(1), pxPool)
	defer p.CloseAll()

	sess, err := p.Lease(context.Background(), LeaseOptions{UseProxy: true})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if sess.Proxy == nil || sess.ProxyKey() != "10.0.0.1:8080" {
		t.Fatalf("session not bound to proxy: %+v", sess.Proxy)
	}

	bound, _ := pxPool.Get("10.0.0.1:8080")
	if bound.Inflight != 1 {
		t.Errorf("proxy inflight = %d, want 1", bound.Inflight)
	}

	p.Close(sess)
	bound, _ = pxPool.Get("10.0.0.1:8080")
	if bound.Inflight != 0 {
		t.Errorf("proxy inflight after close = %d, want 0", bound.Inflight)
	}
}

func TestCloseAllRejectsFurtherLeases(t *testing.T) {
	p, _ := newTestPool(t, 2)

	if err := p.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if _, err := p.Lease(context.Background(), LeaseOptions{}); !errors.Is(err, types.ErrSessionPoolClosed) {
		t.Errorf("err = %v, want ErrSessionPoolClosed", err)
	}

	// Second CloseAll is a no-op.
	if err := p.CloseAll(); err != nil {
		t.Errorf("second CloseAll: %v", err)
	}
}

func TestDetectionsAppendAtomic(t *testing.T) {
	p, _ := newTestPool(t, 1)
	sess, err := p.Lease(context.Background(), LeaseOptions{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer p.Release(sess)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.AddDetections([]types.Detection{{Kind: types.DetectionBlock}})
		}()
	}
	wg.Wait()

	if got := len(sess.Detections()); got != 10 {
		t.Errorf("detections = %d, want 10", got)
	}
}
