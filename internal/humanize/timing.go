// Package humanize paces scripted page interactions so their timing
// resembles a person rather than a tight loop.
package humanize

import (
	"context"
	"math/rand"
	"time"
)

// TimingConfig bounds the randomized delays, in milliseconds.
type TimingConfig struct {
	PreActionMinMs  int
	PreActionMaxMs  int
	PostActionMinMs int
	PostActionMaxMs int
	TypingMinMs     int
	TypingMaxMs     int
}

// DefaultTimingConfig returns delays tuned to casual browsing speed.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		PreActionMinMs:  100,
		PreActionMaxMs:  400,
		PostActionMinMs: 150,
		PostActionMaxMs: 500,
		TypingMinMs:     50,
		TypingMaxMs:     150,
	}
}

// Timing provides humanized delays around actions.
type Timing struct {
	cfg TimingConfig
}

// NewTiming creates a Timing with default configuration.
func NewTiming() *Timing {
	return &Timing{cfg: DefaultTimingConfig()}
}

// NewTimingWithConfig creates a Timing with custom bounds.
func NewTimingWithConfig(cfg TimingConfig) *Timing {
	return &Timing{cfg: cfg}
}

// PreAction returns the pause a person takes before acting.
func (t *Timing) PreAction() time.Duration {
	return RandomDuration(t.cfg.PreActionMinMs, t.cfg.PreActionMaxMs)
}

// PostAction returns the dwell after an action completes.
func (t *Timing) PostAction() time.Duration {
	return RandomDuration(t.cfg.PostActionMinMs, t.cfg.PostActionMaxMs)
}

// Keystroke returns the gap between two keystrokes.
func (t *Timing) Keystroke() time.Duration {
	return RandomDuration(t.cfg.TypingMinMs, t.cfg.TypingMaxMs)
}

// RandomDuration returns a random duration in [minMs, maxMs].
func RandomDuration(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	ms := minMs + rand.Intn(maxMs-minMs+1)
	return time.Duration(ms) * time.Millisecond
}

// Sleep pauses for d or until ctx is done. Reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SleepJitter pauses for base scaled by a random factor in
// [1-jitter, 1+jitter]. jitter is clamped to [0, 1].
func SleepJitter(ctx context.Context, base time.Duration, jitter float64) bool {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	factor := 1 + (rand.Float64()*2-1)*jitter
	return Sleep(ctx, time.Duration(float64(base)*factor))
}
