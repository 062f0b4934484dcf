package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/driftbreak/driftbreak/internal/browser"
	"github.com/driftbreak/driftbreak/internal/identity"
	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/types"
)

// LeaseOptions select how a session is built or matched.
type LeaseOptions struct {
	// UseProxy binds the rotation-current proxy from the pool.
	UseProxy bool
	// SpecificProxy overrides rotation with an exact proxy.
	SpecificProxy *proxy.Proxy
	// PersistCookies carries the cookie jar across Rotate.
	PersistCookies bool
	// PreferPlatform pins the identity platform ("" = random).
	PreferPlatform string
	// Headers are merged into every request of the session.
	Headers map[string]string
}

// PoolConfig configures the session pool.
type PoolConfig struct {
	MaxSessions int
	// MaxIdle closes idle sessions lazily once they have been unused
	// this long.
	MaxIdle time.Duration
	// Identity selects the randomization knobs for new personas.
	Identity identity.Config
	// CleanupInterval is how often the idle reaper runs.
	CleanupInterval time.Duration
}

// Pool is a bounded pool of live sessions with LRU eviction of idle
// sessions. When every slot is in use, Lease blocks until a release or
// context cancellation.
type Pool struct {
	cfg       PoolConfig
	driver    browser.Driver
	assembler *identity.Assembler
	proxies   *proxy.Pool // may be nil

	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[string]*Session
	opening  int // slots reserved for sessions being opened
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats PoolStats
}

// PoolStats counts pool activity.
type PoolStats struct {
	Leased  int64
	Opened  int64
	Evicted int64
	Rotated int64
	Expired int64
}

// NewPool creates the pool and starts the idle reaper. proxies may be
// nil when the deployment runs without proxies.
func NewPool(cfg PoolConfig, driver browser.Driver, assembler *identity.Assembler, proxies *proxy.Pool) *Pool {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	p := &Pool{
		cfg:       cfg,
		driver:    driver,
		assembler: assembler,
		proxies:   proxies,
		sessions:  make(map[string]*Session),
		stopCh:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reapLoop()
	}()

	log.Info().
		Int("max_sessions", cfg.MaxSessions).
		Dur("max_idle", cfg.MaxIdle).
		Msg("Session pool initialized")
	return p
}

// Lease returns an owned session. Preference order: a matching idle
// session, then a fresh one if capacity allows, then LRU eviction of an
// idle session. With no idle session and no capacity, Lease blocks
// until a release or ctx is done.
func (p *Pool) Lease(ctx context.Context, opts LeaseOptions) (*Session, error) {
	// Wake this waiter if the context dies while blocked on cond.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, types.ErrSessionPoolClosed
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}

		// 1. Reuse a suitable idle session.
		if sess := p.matchIdleLocked(opts); sess != nil {
			sess.setState(StateInUse)
			sess.Touch()
			p.stats.Leased++
			p.mu.Unlock()
			return sess, nil
		}

		// 2. Open a new session when below capacity.
		if len(p.sessions)+p.opening < p.cfg.MaxSessions {
			p.opening++
			p.mu.Unlock()
			return p.openSession(ctx, opts)
		}

		// 3. Evict the LRU idle session to make room.
		if victim := p.lruIdleLocked(); victim != nil {
			victim.setState(StateClosing)
			p.removeLocked(victim)
			p.opening++
			p.stats.Evicted++
			p.mu.Unlock()

			p.closeSession(victim)
			log.Debug().Str("session_id", victim.ID).Msg("Idle session evicted for new lease")
			return p.openSession(ctx, opts)
		}

		// 4. Saturated: every session is in use. Wait cooperatively.
		p.cond.Wait()
	}
}

// matchIdleLocked picks an idle session compatible with opts. Proxy use
// must agree; a platform preference must match the session's identity.
func (p *Pool) matchIdleLocked(opts LeaseOptions) *Session {
	for _, sess := range p.sessions {
		if sess.State() != StateIdle {
			continue
		}
		if opts.UseProxy != (sess.Proxy != nil) {
			continue
		}
		if opts.SpecificProxy != nil && sess.ProxyKey() != opts.SpecificProxy.Key() {
			continue
		}
		if opts.PreferPlatform != "" && sess.Identity.Platform != opts.PreferPlatform {
			continue
		}
		return sess
	}
	return nil
}

// lruIdleLocked returns the idle session with the earliest lastUsed.
func (p *Pool) lruIdleLocked() *Session {
	var victim *Session
	for _, sess := range p.sessions {
		if sess.State() != StateIdle {
			continue
		}
		if victim == nil || sess.LastUsedTime().Before(victim.LastUsedTime()) {
			victim = sess
		}
	}
	return victim
}

// openSession builds identity, proxy binding and browser context. The
// caller must have reserved an opening slot; it is returned on failure.
func (p *Pool) openSession(ctx context.Context, opts LeaseOptions) (*Session, error) {
	release := func() {
		p.mu.Lock()
		p.opening--
		p.cond.Broadcast()
		p.mu.Unlock()
	}

	idCfg := p.cfg.Identity
	idCfg.Platform = opts.PreferPlatform
	persona, err := p.assembler.Assemble(idCfg)
	if err != nil {
		release()
		return nil, err
	}

	var bound *proxy.Proxy
	var driverProxy *proxy.DriverForm
	if opts.SpecificProxy != nil {
		cp := *opts.SpecificProxy
		bound = &cp
	} else if opts.UseProxy && p.proxies != nil {
		px, err := p.proxies.Next()
		if err != nil {
			release()
			return nil, fmt.Errorf("lease proxy: %w", err)
		}
		bound = &px
	}
	if bound != nil {
		form := proxy.ToDriverForm(*bound)
		driverProxy = &form
	}

	bctx, err := p.driver.NewContext(ctx, browser.ContextOptions{
		Identity: persona,
		Proxy:    driverProxy,
		Headers:  opts.Headers,
	})
	if err != nil {
		release()
		return nil, err
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Identity:  persona,
		Proxy:     bound,
		Context:   bctx,
		StartedAt: time.Now(),
		opts:      opts,
	}
	sess.setState(StateInUse)
	sess.Touch()

	p.mu.Lock()
	if p.closed {
		p.opening--
		p.mu.Unlock()
		_ = bctx.Close()
		return nil, types.ErrSessionPoolClosed
	}
	p.sessions[sess.ID] = sess
	p.opening--
	p.stats.Leased++
	p.stats.Opened++
	p.mu.Unlock()

	if bound != nil && p.proxies != nil {
		p.proxies.IncInflight(bound.Key())
	}

	log.Debug().
		Str("session_id", sess.ID).
		Str("platform", persona.Platform).
		Str("proxy", sess.ProxyKey()).
		Msg("Session opened")
	return sess, nil
}

// Release returns a session to idle and wakes all waiters. Releasing a
// session the pool no longer tracks closes it.
func (p *Pool) Release(sess *Session) {
	if sess == nil {
		return
	}

	p.mu.Lock()
	_, tracked := p.sessions[sess.ID]
	if !tracked || p.closed {
		p.mu.Unlock()
		p.closeSession(sess)
		return
	}
	sess.setState(StateIdle)
	sess.Touch()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Rotate closes the session and leases a fresh one with a new identity
// and proxy. With PersistCookies set, the cookie jar carries over.
func (p *Pool) Rotate(ctx context.Context, sess *Session) (*Session, error) {
	if sess == nil {
		return nil, types.ErrInvalidInput
	}

	var cookies []byte
	if sess.opts.PersistCookies {
		if blob, err := sess.Context.ExportCookies(ctx); err == nil {
			cookies = blob
		} else {
			log.Debug().Err(err).Str("session_id", sess.ID).Msg("Cookie export failed during rotate")
		}
	}

	opts := sess.opts
	p.Close(sess)

	p.mu.Lock()
	p.stats.Rotated++
	p.mu.Unlock()

	fresh, err := p.Lease(ctx, opts)
	if err != nil {
		return nil, err
	}
	if cookies != nil {
		if err := fresh.Context.ImportCookies(ctx, cookies); err != nil {
			log.Debug().Err(err).Str("session_id", fresh.ID).Msg("Cookie import failed after rotate")
		}
	}

	log.Debug().
		Str("old", sess.ID).
		Str("new", fresh.ID).
		Msg("Session rotated")
	return fresh, nil
}

// Close definitively closes a session in any state. Closing an in-use
// session surfaces ErrSessionClosed to its holder on the next driver
// call.
func (p *Pool) Close(sess *Session) {
	if sess == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.sessions[sess.ID]; ok {
		p.removeLocked(sess)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	sess.setState(StateClosing)
	p.closeSession(sess)
}

// removeLocked drops a session from tracking. Must hold mu.
func (p *Pool) removeLocked(sess *Session) {
	delete(p.sessions, sess.ID)
}

// closeSession closes the browser context and releases the proxy
// binding. Never called with mu held: closing is slow I/O.
func (p *Pool) closeSession(sess *Session) {
	if sess.State() == StateClosed {
		return
	}
	if err := sess.Context.Close(); err != nil {
		log.Debug().Err(err).Str("session_id", sess.ID).Msg("Error closing session context")
	}
	if sess.Proxy != nil && p.proxies != nil {
		p.proxies.DecInflight(sess.Proxy.Key())
	}
	sess.setState(StateClosed)

	log.Debug().
		Str("session_id", sess.ID).
		Dur("lifetime", time.Since(sess.StartedAt)).
		Int64("requests", sess.RequestCount()).
		Msg("Session closed")
}

// reapLoop lazily closes idle sessions older than MaxIdle.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle collects expired idle sessions under the lock, closes them
// outside it.
func (p *Pool) reapIdle() {
	if p.cfg.MaxIdle <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.MaxIdle)

	p.mu.Lock()
	var expired []*Session
	for _, sess := range p.sessions {
		if sess.State() == StateIdle && sess.LastUsedTime().Before(cutoff) {
			sess.setState(StateClosing)
			p.removeLocked(sess)
			expired = append(expired, sess)
		}
	}
	p.stats.Expired += int64(len(expired))
	if len(expired) > 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	for _, sess := range expired {
		p.closeSession(sess)
		log.Debug().Str("session_id", sess.ID).Msg("Idle session expired")
	}
}

// Count returns the number of tracked sessions (idle + in-use).
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions) + p.opening
}

// IdleCount returns the number of idle sessions.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, sess := range p.sessions {
		if sess.State() == StateIdle {
			n++
		}
	}
	return n
}

// Stats returns a copy of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// CloseAll shuts the pool down: no further leases, all sessions closed
// in parallel, the reaper stopped.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sess.setState(StateClosing)
		sessions = append(sessions, sess)
	}
	p.sessions = make(map[string]*Session)
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range sessions {
		sess := sess
		eg.Go(func() error {
			p.closeSession(sess)
			return nil
		})
	}
	err := eg.Wait()

	log.Info().Int("closed", len(sessions)).Msg("Session pool closed")
	return err
}
