// Package sectest provides the security-test and stress driver modes:
// synthesized navigation attempts whose detections aggregate into a
// vulnerability verdict about the target's bot defenses.
package sectest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/detect"
	"github.com/driftbreak/driftbreak/internal/ratelimit"
	"github.com/driftbreak/driftbreak/internal/session"
	"github.com/driftbreak/driftbreak/internal/types"
)

// SecurityOptions configure one security test run.
type SecurityOptions struct {
	URL           string
	Attempts      int
	UseProxies    bool
	HumanBehavior bool
	Screenshots   bool
}

// AttemptOutcome records one probe attempt.
type AttemptOutcome struct {
	Index      int               `json:"index"`
	Detections []types.Detection `json:"detections"`
	DurationMs int64             `json:"durationMs"`
	Error      string            `json:"error,omitempty"`
	Screenshot []byte            `json:"-"`
}

// Vulnerability is one rule-derived finding.
type Vulnerability struct {
	Severity       string `json:"severity"`
	Title          string `json:"title"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// VulnerabilityReport is the security-test verdict.
type VulnerabilityReport struct {
	URL             string           `json:"url"`
	Timestamp       time.Time        `json:"timestamp"`
	Attempts        int              `json:"attempts"`
	BypassSuccess   bool             `json:"bypassSuccess"`
	DetectionRate   float64          `json:"detectionRate"`
	Vulnerabilities []Vulnerability  `json:"vulnerabilities"`
	Recommendations []string         `json:"recommendations"`
	Outcomes        []AttemptOutcome `json:"outcomes"`
}

// Protected reports whether the target blocked every attempt.
func (r *VulnerabilityReport) Protected() bool {
	return !r.BypassSuccess
}

// Tester runs security probes against one target.
type Tester struct {
	sessions *session.Pool
	limiter  *ratelimit.Limiter
	agg      *detect.Aggregator

	// collect is injectable for tests; defaults to a real navigation
	// plus classification through the aggregator.
	collect func(ctx context.Context, sess *session.Session, url string) ([]types.Detection, error)
}

// NewTester wires a tester over the shared pools.
func NewTester(sessions *session.Pool, limiter *ratelimit.Limiter, agg *detect.Aggregator) *Tester {
	t := &Tester{sessions: sessions, limiter: limiter, agg: agg}
	t.collect = t.navigateAndCollect
	return t
}

// navigateAndCollect performs one real navigation and classification.
func (t *Tester) navigateAndCollect(ctx context.Context, sess *session.Session, url string) ([]types.Detection, error) {
	sess.IncRequests()
	if err := sess.Context.Navigate(ctx, url); err != nil {
		return nil, err
	}
	page, err := sess.Context.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return t.agg.Collect(sess, page, url), nil
}

// Run performs opts.Attempts sequential probes, each on a fresh
// session, and synthesizes the verdict.
func (t *Tester) Run(ctx context.Context, opts SecurityOptions) (*VulnerabilityReport, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: url required", types.ErrInvalidInput)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}

	log.Info().
		Str("url", opts.URL).
		Int("attempts", opts.Attempts).
		Bool("proxies", opts.UseProxies).
		Msg("Security test starting")

	report := &VulnerabilityReport{
		URL:       opts.URL,
		Timestamp: time.Now(),
		Attempts:  opts.Attempts,
	}

	for i := 0; i < opts.Attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome := t.attempt(ctx, i, opts)
		report.Outcomes = append(report.Outcomes, outcome)

		log.Debug().
			Int("attempt", i+1).
			Int("detections", len(outcome.Detections)).
			Str("error", outcome.Error).
			Msg("Security test attempt finished")
	}

	t.judge(report)

	log.Info().
		Bool("bypass", report.BypassSuccess).
		Float64("detection_rate", report.DetectionRate).
		Int("vulnerabilities", len(report.Vulnerabilities)).
		Msg("Security test finished")
	return report, nil
}

// attempt runs one probe on a fresh session.
func (t *Tester) attempt(ctx context.Context, index int, opts SecurityOptions) AttemptOutcome {
	outcome := AttemptOutcome{Index: index}
	start := time.Now()

	slot, err := t.limiter.Acquire(ctx, opts.URL)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	defer slot.Release()

	sess, err := t.sessions.Lease(ctx, session.LeaseOptions{UseProxy: opts.UseProxies})
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	// Every attempt gets a fresh persona: the session is closed, not
	// released, so the next lease cannot reuse it.
	defer t.sessions.Close(sess)

	detections, err := t.collect(ctx, sess, opts.URL)
	outcome.DurationMs = time.Since(start).Milliseconds()
	outcome.Detections = detections
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	if opts.Screenshots {
		if shot, err := sess.Context.Screenshot(ctx); err == nil {
			outcome.Screenshot = shot
		}
	}
	return outcome
}

// judge fills BypassSuccess, DetectionRate and the vulnerability list
// from the attempt outcomes.
func (t *Tester) judge(report *VulnerabilityReport) {
	total := len(report.Outcomes)
	if total == 0 {
		return
	}

	var detected, clean, blocks, captchas, challenges, rateLimits, fingerprints int
	for _, o := range report.Outcomes {
		if len(o.Detections) > 0 {
			detected++
		}
		if len(o.Detections) == 0 && o.Error == "" {
			clean++
		}
		if types.HasKind(o.Detections, types.DetectionBlock) {
			blocks++
		}
		if types.HasKind(o.Detections, types.DetectionCaptcha) {
			captchas++
		}
		if types.HasKind(o.Detections, types.DetectionChallenge) {
			challenges++
		}
		if types.HasKind(o.Detections, types.DetectionRateLimit) {
			rateLimits++
		}
		if types.HasKind(o.Detections, types.DetectionFingerprint) {
			fingerprints++
		}
	}

	report.DetectionRate = float64(detected) / float64(total)
	// Bypass success: at least one attempt with no block or captcha.
	for _, o := range report.Outcomes {
		if o.Error != "" {
			continue
		}
		if !types.HasKind(o.Detections, types.DetectionBlock) &&
			!types.HasKind(o.Detections, types.DetectionCaptcha) {
			report.BypassSuccess = true
			break
		}
	}

	report.Vulnerabilities = applyRules(ruleInput{
		total:        total,
		detected:     detected,
		clean:        clean,
		blocks:       blocks,
		captchas:     captchas,
		challenges:   challenges,
		rateLimits:   rateLimits,
		fingerprints: fingerprints,
	})

	seen := make(map[string]bool)
	for _, v := range report.Vulnerabilities {
		if v.Recommendation != "" && !seen[v.Recommendation] {
			seen[v.Recommendation] = true
			report.Recommendations = append(report.Recommendations, v.Recommendation)
		}
	}
}
