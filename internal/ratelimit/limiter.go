// Package ratelimit provides multi-window request rate limiting with a
// concurrency semaphore and exponential backoff.
//
// The limiter admits a request only when every configured sliding window
// (second, minute, hour) has room, a concurrent slot is free, and no
// backoff window is active. Acquire blocks until all conditions hold; it
// never fails for rate reasons.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Config holds limiter settings. A zero window limit disables that window.
type Config struct {
	RPS           int // max requests in any 1s window
	RPM           int // max requests in any 60s window
	RPH           int // max requests in any 3600s window
	MaxConcurrent int // max concurrently held slots

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
}

// DefaultConfig returns conservative defaults suitable for probing a
// single target without tripping obvious rate limits.
func DefaultConfig() Config {
	return Config{
		RPS:            2,
		RPM:            30,
		RPH:            500,
		MaxConcurrent:  5,
		BackoffInitial: 5 * time.Second,
		BackoffMax:     5 * time.Minute,
		BackoffFactor:  2.0,
	}
}

// Limiter serializes admission across three sliding windows, a counting
// semaphore and a shared backoff state. Safe for concurrent use.
//
// Lock ordering: the semaphore is acquired before mu and released after
// the window state is unwound. mu guards the deques and backoff fields;
// critical sections never sleep.
type Limiter struct {
	cfg Config

	mu           sync.Mutex
	second       []time.Time
	minute       []time.Time
	hour         []time.Time
	backoffUntil time.Time
	backoffDelay time.Duration

	sem      *semaphore.Weighted
	inflight atomic.Int64

	totalAcquired atomic.Int64
	totalBackoffs atomic.Int64
}

// Slot represents one admitted request. Release must be called exactly
// once when the request finishes; extra calls are ignored.
type Slot struct {
	limiter  *Limiter
	url      string
	acquired time.Time
	released atomic.Bool
}

// New creates a limiter from cfg. Invalid backoff settings fall back to
// the defaults so a zero-value Config is still usable.
func New(cfg Config) *Limiter {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultConfig().BackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = DefaultConfig().BackoffFactor
	}

	return &Limiter{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Acquire blocks until the request may proceed, then records it and
// returns a slot. The only failure modes are context cancellation and
// deadline expiry.
func (l *Limiter) Acquire(ctx context.Context, url string) (*Slot, error) {
	// The concurrent-slot semaphore gates first so a caller waiting on a
	// window does not also starve slot holders.
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		wait := l.admitOrWait()
		if wait <= 0 {
			l.inflight.Add(1)
			l.totalAcquired.Add(1)
			return &Slot{limiter: l, url: url, acquired: time.Now()}, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.sem.Release(1)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// admitOrWait either records nothing and returns the duration until the
// next admission attempt, or admits the request (returns <= 0) after
// appending the timestamp to every window.
func (l *Limiter) admitOrWait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	// Backoff is checked first; when both backoff and a window apply the
	// caller naturally waits for the later because it re-evaluates here.
	var until time.Time
	if now.Before(l.backoffUntil) {
		until = l.backoffUntil
	}

	if t := windowAdmitAt(l.second, l.cfg.RPS, time.Second, now); t.After(until) {
		until = t
	}
	if t := windowAdmitAt(l.minute, l.cfg.RPM, time.Minute, now); t.After(until) {
		until = t
	}
	if t := windowAdmitAt(l.hour, l.cfg.RPH, time.Hour, now); t.After(until) {
		until = t
	}

	if until.After(now) {
		return until.Sub(now)
	}

	l.second = append(l.second, now)
	l.minute = append(l.minute, now)
	l.hour = append(l.hour, now)
	return 0
}

// windowAdmitAt returns the earliest time a new request fits in the
// window, or the zero time if it fits now. limit <= 0 disables the window.
func windowAdmitAt(deque []time.Time, limit int, span time.Duration, now time.Time) time.Time {
	if limit <= 0 || len(deque) < limit {
		return time.Time{}
	}
	// The oldest of the newest `limit` entries must age out first.
	return deque[len(deque)-limit].Add(span)
}

// prune drops window entries older than their span. Must hold mu.
func (l *Limiter) prune(now time.Time) {
	l.second = pruneBefore(l.second, now.Add(-time.Second))
	l.minute = pruneBefore(l.minute, now.Add(-time.Minute))
	l.hour = pruneBefore(l.hour, now.Add(-time.Hour))
}

func pruneBefore(deque []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(deque) && !deque[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return deque
	}
	// Shift in place so the backing array is reused.
	n := copy(deque, deque[i:])
	return deque[:n]
}

// Release returns the slot. Safe to call more than once.
func (s *Slot) Release() {
	if s == nil || s.released.Swap(true) {
		return
	}
	s.limiter.inflight.Add(-1)
	s.limiter.sem.Release(1)
}

// URL returns the URL this slot was acquired for.
func (s *Slot) URL() string { return s.url }

// TriggerBackoff escalates the backoff delay and opens a new backoff
// window. Each call strictly increases the delay up to BackoffMax.
// Admissions do not reset backoff; it decays only by expiry or Reset.
func (l *Limiter) TriggerBackoff() {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := time.Duration(float64(l.backoffDelay) * l.cfg.BackoffFactor)
	if next < l.cfg.BackoffInitial {
		next = l.cfg.BackoffInitial
	}
	if next > l.cfg.BackoffMax {
		next = l.cfg.BackoffMax
	}
	l.backoffDelay = next
	l.backoffUntil = time.Now().Add(next)
	l.totalBackoffs.Add(1)

	log.Warn().
		Dur("delay", next).
		Time("until", l.backoffUntil).
		Msg("Rate limiter backoff triggered")
}

// Reset zeroes all window counters and clears the backoff state.
// Inflight slots are unaffected.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.second = nil
	l.minute = nil
	l.hour = nil
	l.backoffUntil = time.Time{}
	l.backoffDelay = 0
	l.totalAcquired.Store(0)
	l.totalBackoffs.Store(0)

	log.Debug().Msg("Rate limiter reset")
}

// Stats is a point-in-time snapshot of the limiter state.
type Stats struct {
	RequestsLastSecond int           `json:"requestsLastSecond"`
	RequestsLastMinute int           `json:"requestsLastMinute"`
	RequestsLastHour   int           `json:"requestsLastHour"`
	Inflight           int           `json:"inflight"`
	BackoffRemaining   time.Duration `json:"backoffRemaining"`
	BackoffDelay       time.Duration `json:"backoffDelay"`
	TotalAcquired      int64         `json:"totalAcquired"`
	TotalBackoffs      int64         `json:"totalBackoffs"`
}

// Stats returns a snapshot after pruning stale window entries.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	var remaining time.Duration
	if now.Before(l.backoffUntil) {
		remaining = l.backoffUntil.Sub(now)
	}

	return Stats{
		RequestsLastSecond: len(l.second),
		RequestsLastMinute: len(l.minute),
		RequestsLastHour:   len(l.hour),
		Inflight:           int(l.inflight.Load()),
		BackoffRemaining:   remaining,
		BackoffDelay:       l.backoffDelay,
		TotalAcquired:      l.totalAcquired.Load(),
		TotalBackoffs:      l.totalBackoffs.Load(),
	}
}

// WithRateLimit acquires a slot for url, runs fn, and releases the slot
// on every exit path. It replaces decorator-style wrapping so the
// control flow stays visible at the call site.
func WithRateLimit(ctx context.Context, l *Limiter, url string, fn func(context.Context) error) error {
	slot, err := l.Acquire(ctx, url)
	if err != nil {
		return err
	}
	defer slot.Release()
	return fn(ctx)
}
