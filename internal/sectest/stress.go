package sectest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/session"
	"github.com/driftbreak/driftbreak/internal/types"
)

// StressOptions configure one stress run against a single URL.
type StressOptions struct {
	URL                string
	ConcurrentSessions int
	RequestsPerSession int
	UseProxies         bool
}

// StressReport aggregates the run. AvgResponseMs is wall clock divided
// by total requests, overhead included; it is a throughput figure, not
// a per-request latency.
type StressReport struct {
	URL           string  `json:"url"`
	Sessions      int     `json:"sessions"`
	TotalRequests int     `json:"totalRequests"`
	Succeeded     int64   `json:"succeeded"`
	Failed        int64   `json:"failed"`
	Detected      int64   `json:"detected"`
	WallClockMs   int64   `json:"wallClockMs"`
	AvgResponseMs float64 `json:"avgResponseMs"`
}

// Stress launches ConcurrentSessions parallel sequences, each owning
// one session for RequestsPerSession navigations.
func (t *Tester) Stress(ctx context.Context, opts StressOptions) (*StressReport, error) {
	if opts.URL == "" {
		return nil, types.ErrInvalidInput
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 5
	}
	if opts.RequestsPerSession <= 0 {
		opts.RequestsPerSession = 10
	}

	log.Info().
		Str("url", opts.URL).
		Int("sessions", opts.ConcurrentSessions).
		Int("requests_each", opts.RequestsPerSession).
		Msg("Stress test starting")

	var succeeded, failed, detected atomic.Int64
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < opts.ConcurrentSessions; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()

			sess, err := t.sessions.Lease(ctx, session.LeaseOptions{UseProxy: opts.UseProxies})
			if err != nil {
				failed.Add(int64(opts.RequestsPerSession))
				return
			}
			defer t.sessions.Close(sess)

			for j := 0; j < opts.RequestsPerSession; j++ {
				if ctx.Err() != nil {
					failed.Add(int64(opts.RequestsPerSession - j))
					return
				}

				slot, err := t.limiter.Acquire(ctx, opts.URL)
				if err != nil {
					failed.Add(int64(opts.RequestsPerSession - j))
					return
				}
				ds, err := t.collect(ctx, sess, opts.URL)
				slot.Release()

				switch {
				case err != nil:
					failed.Add(1)
				case types.HasBlocking(ds):
					detected.Add(1)
				default:
					succeeded.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	wall := time.Since(start)
	total := opts.ConcurrentSessions * opts.RequestsPerSession

	report := &StressReport{
		URL:           opts.URL,
		Sessions:      opts.ConcurrentSessions,
		TotalRequests: total,
		Succeeded:     succeeded.Load(),
		Failed:        failed.Load(),
		Detected:      detected.Load(),
		WallClockMs:   wall.Milliseconds(),
		AvgResponseMs: float64(wall.Milliseconds()) / float64(total),
	}

	log.Info().
		Int64("succeeded", report.Succeeded).
		Int64("failed", report.Failed).
		Int64("detected", report.Detected).
		Float64("avg_ms", report.AvgResponseMs).
		Msg("Stress test finished")
	return report, nil
}
