// Package worker provides the pool of long-running workers that drain
// the task queue. Each worker is sequential: lease task, acquire a rate
// slot, lease a session, navigate, classify, act, extract, report.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/detect"
	"github.com/driftbreak/driftbreak/internal/humanize"
	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/queue"
	"github.com/driftbreak/driftbreak/internal/ratelimit"
	"github.com/driftbreak/driftbreak/internal/session"
	"github.com/driftbreak/driftbreak/internal/telemetry"
	"github.com/driftbreak/driftbreak/internal/types"
)

// Progress milestones fired through the queue's OnProgress subscribers.
const (
	progressLeased    = 10
	progressNavigated = 50
	progressExtracted = 90
	progressDone      = 100
)

// Config tunes the worker pool.
type Config struct {
	Workers        int
	GracePeriod    time.Duration
	DefaultTimeout time.Duration
	UseProxies     bool
}

// Pool runs n workers against the shared subsystems.
type Pool struct {
	cfg      Config
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	sessions *session.Pool
	proxies  *proxy.Pool // may be nil
	agg      *detect.Aggregator
	metrics  *telemetry.Collector
	timing   *humanize.Timing

	started    atomic.Bool
	loopCancel context.CancelFunc
	hardCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New wires a worker pool. proxies may be nil when running direct.
func New(cfg Config, q *queue.Queue, limiter *ratelimit.Limiter, sessions *session.Pool,
	proxies *proxy.Pool, agg *detect.Aggregator, metrics *telemetry.Collector) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		sessions: sessions,
		proxies:  proxies,
		agg:      agg,
		metrics:  metrics,
		timing:   humanize.NewTiming(),
	}
}

// Start launches the workers. Calling Start twice is an error.
func (p *Pool) Start() error {
	if p.started.Swap(true) {
		return fmt.Errorf("%w: worker pool already started", types.ErrInvalidInput)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	taskCtx, hardCancel := context.WithCancel(context.Background())
	p.loopCancel = loopCancel
	p.hardCancel = hardCancel

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(loopCtx, taskCtx, id)
		}(i)
	}

	log.Info().Int("workers", p.cfg.Workers).Msg("Worker pool started")
	return nil
}

// Stop drains gracefully: new leases stop immediately, in-flight tasks
// get GracePeriod to finish, then their contexts are cancelled.
func (p *Pool) Stop() {
	if !p.started.Load() || p.loopCancel == nil {
		return
	}

	log.Info().Dur("grace", p.cfg.GracePeriod).Msg("Worker pool stopping")
	p.loopCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.GracePeriod):
		log.Warn().Msg("Grace period expired, cancelling in-flight tasks")
		p.hardCancel()
		<-done
	}
	p.hardCancel()

	log.Info().Msg("Worker pool stopped")
}

// run is one worker's loop: lease from the queue until the loop context
// dies, processing each task under the task context.
func (p *Pool) run(loopCtx, taskCtx context.Context, id int) {
	wlog := log.With().Int("worker", id).Logger()
	wlog.Debug().Msg("Worker started")

	for {
		task, err := p.queue.Lease(loopCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, types.ErrQueueClosed) {
				wlog.Debug().Msg("Worker exiting")
				return
			}
			wlog.Warn().Err(err).Msg("Lease failed")
			continue
		}
		p.process(taskCtx, task)
	}
}

// process executes one task end to end and decides retry vs terminal
// per the error taxonomy.
func (p *Pool) process(ctx context.Context, task *types.Task) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	tlog := log.With().Str("task_id", task.ID).Str("url", task.URL).Logger()

	slot, err := p.limiter.Acquire(taskCtx, task.URL)
	if err != nil {
		// Shutdown or timeout while waiting for admission: the lease
		// expires server-side, so just hand the task back.
		p.nack(task, "cancelled waiting for rate slot")
		return
	}
	defer slot.Release()

	sess, err := p.sessions.Lease(taskCtx, session.LeaseOptions{
		UseProxy: p.cfg.UseProxies,
		Headers:  task.Headers,
	})
	if err != nil {
		p.nack(task, fmt.Sprintf("session lease: %v", err))
		return
	}
	sessID, proxyHost := sess.ID, sess.ProxyKey()
	released := false
	defer func() {
		if !released {
			p.sessions.Release(sess)
		}
	}()

	p.queue.Progress(task.ID, progressLeased)

	result, detections, err := p.execute(taskCtx, sess, task)
	durationMs := time.Since(start).Milliseconds()

	p.logMetrics(task, detections, err, durationMs)

	if err == nil {
		result.DurationMs = durationMs
		result.SessionID = sessID
		result.ProxyHost = proxyHost
		p.queue.Progress(task.ID, progressDone)
		if ackErr := p.queue.Ack(context.Background(), task.ID, *result); ackErr != nil {
			tlog.Warn().Err(ackErr).Msg("Ack failed")
		}
		tlog.Debug().Int64("ms", durationMs).Msg("Task completed")
		return
	}

	taskErr := types.NewTaskError(task.ID, task.URL, sessID, proxyHost, err)
	switch taskErr.Kind {
	case types.KindBlocked:
		// Escalate backoff, burn the session and its proxy binding, and
		// hand the task back for a fresh attempt.
		p.limiter.TriggerBackoff()
		p.sessions.Close(sess)
		released = true
		if p.proxies != nil && proxyHost != "" {
			if _, rerr := p.proxies.Rotate(); rerr != nil && !errors.Is(rerr, types.ErrProxyPoolEmpty) {
				tlog.Debug().Err(rerr).Msg("Proxy rotation failed")
			}
		}
		p.nack(task, "blocked")
		tlog.Info().Str("session", sessID).Msg("Blocked; session rotated and task requeued")

	case types.KindRateLimited:
		// Backoff was already triggered by the aggregator.
		p.nack(task, "rate limited")

	case types.KindTransientNetwork, types.KindNavigationFailed, types.KindPoolExhausted:
		if task.Attempts < task.MaxAttempts {
			p.nack(task, taskErr.Error())
		} else {
			p.ackFailed(task, taskErr, detections, durationMs, sessID, proxyHost)
		}

	case types.KindCancelled:
		p.nack(task, "cancelled")

	default:
		// extractionFailed, invalidInput and anything unknown are
		// terminal: surface the failure as the task result.
		p.ackFailed(task, taskErr, detections, durationMs, sessID, proxyHost)
	}
}

// execute runs navigation, classification, actions and extraction.
func (p *Pool) execute(ctx context.Context, sess *session.Session, task *types.Task) (*types.TaskResult, []types.Detection, error) {
	sess.IncRequests()
	if err := p.navigate(ctx, sess, task); err != nil {
		return nil, nil, err
	}
	p.queue.Progress(task.ID, progressNavigated)

	snapshot, err := sess.Context.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	detections := p.agg.Collect(sess, snapshot, task.URL)

	if types.HasBlocking(detections) {
		return nil, detections, types.ErrBlocked
	}
	if types.HasKind(detections, types.DetectionRateLimit) {
		return nil, detections, types.ErrRateLimited
	}

	for i, action := range task.Actions {
		if err := p.runAction(ctx, sess, task, action); err != nil {
			return nil, detections, fmt.Errorf("action %d (%s): %w", i, action.Type, err)
		}
	}

	data, err := p.extract(ctx, sess, task.Extractors)
	if err != nil {
		return nil, detections, err
	}
	p.queue.Progress(task.ID, progressExtracted)

	result := &types.TaskResult{TaskID: task.ID, Data: data, Detections: detections}
	if task.Screenshot {
		if shot, err := sess.Context.Screenshot(ctx); err == nil {
			result.Screenshot = shot
		} else {
			log.Debug().Err(err).Str("task_id", task.ID).Msg("Screenshot failed")
		}
	}
	return result, detections, nil
}

// navigate loads the task URL. POST bodies are delivered by injecting
// and submitting a form from a blank page, so the navigation carries
// the session's identity exactly like a user-submitted form.
func (p *Pool) navigate(ctx context.Context, sess *session.Session, task *types.Task) error {
	if !strings.EqualFold(task.Method, "POST") || task.Body == "" {
		return sess.Context.Navigate(ctx, task.URL)
	}

	if err := sess.Context.Navigate(ctx, "about:blank"); err != nil {
		return err
	}
	script := postFormScript(task.URL, task.Body)
	if _, err := sess.Context.Evaluate(ctx, script); err != nil {
		return fmt.Errorf("%w: post form: %v", types.ErrNavigationFailed, err)
	}

	// The submit triggers a navigation the driver does not await; poll
	// until the document left about:blank.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := sess.Context.Snapshot(ctx)
		if err == nil && info.URL != "" && info.URL != "about:blank" {
			return nil
		}
		if !humanize.Sleep(ctx, 100*time.Millisecond) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: post navigation did not settle", types.ErrNavigationFailed)
}

// postFormScript renders JS that submits body (urlencoded pairs) to
// url as a POST form.
func postFormScript(url, body string) string {
	return fmt.Sprintf(`() => {
  const form = document.createElement('form');
  form.method = 'POST';
  form.action = %q;
  for (const pair of %q.split('&')) {
    const eq = pair.indexOf('=');
    const input = document.createElement('input');
    input.type = 'hidden';
    input.name = decodeURIComponent(eq < 0 ? pair : pair.slice(0, eq));
    input.value = eq < 0 ? '' : decodeURIComponent(pair.slice(eq + 1).replace(/\+/g, ' '));
    form.appendChild(input);
  }
  document.body.appendChild(form);
  form.submit();
  return true;
}`, url, body)
}

// runAction executes one scripted interaction, humanized when the task
// asks for it.
func (p *Pool) runAction(ctx context.Context, sess *session.Session, task *types.Task, action types.Action) error {
	if task.HumanBehavior {
		if !humanize.Sleep(ctx, p.timing.PreAction()) {
			return ctx.Err()
		}
	}

	switch action.Type {
	case types.ActionClick:
		script := fmt.Sprintf(
			`() => { const el = document.querySelector(%q); if (!el) return false; el.click(); return true; }`,
			action.Selector)
		found, err := sess.Context.Evaluate(ctx, script)
		if err != nil {
			return err
		}
		if !found.Bool() {
			return fmt.Errorf("%w: %q", types.ErrInvalidSelector, action.Selector)
		}

	case types.ActionTypeText:
		if task.HumanBehavior {
			// Feed characters one at a time with keystroke gaps.
			for _, r := range action.Value {
				script := fmt.Sprintf(
					`() => { const el = document.querySelector(%q); if (!el) return false; el.value += %q; el.dispatchEvent(new Event('input', {bubbles: true})); return true; }`,
					action.Selector, string(r))
				found, err := sess.Context.Evaluate(ctx, script)
				if err != nil {
					return err
				}
				if !found.Bool() {
					return fmt.Errorf("%w: %q", types.ErrInvalidSelector, action.Selector)
				}
				if !humanize.Sleep(ctx, p.timing.Keystroke()) {
					return ctx.Err()
				}
			}
			break
		}
		script := fmt.Sprintf(
			`() => { const el = document.querySelector(%q); if (!el) return false; el.value = %q; el.dispatchEvent(new Event('input', {bubbles: true})); return true; }`,
			action.Selector, action.Value)
		found, err := sess.Context.Evaluate(ctx, script)
		if err != nil {
			return err
		}
		if !found.Bool() {
			return fmt.Errorf("%w: %q", types.ErrInvalidSelector, action.Selector)
		}

	case types.ActionScroll:
		return p.runScroll(ctx, sess, task, action)

	case types.ActionWait:
		d := action.Duration
		if d <= 0 {
			d = time.Second
		}
		if !humanize.Sleep(ctx, d) {
			return ctx.Err()
		}

	case types.ActionEvaluate:
		if _, err := sess.Context.Evaluate(ctx, action.Script); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: unknown action type %q", types.ErrInvalidInput, action.Type)
	}

	if task.HumanBehavior {
		if !humanize.Sleep(ctx, p.timing.PostAction()) {
			return ctx.Err()
		}
	}
	return nil
}

// runScroll scrolls toward an element (or by a fixed amount), smoothly
// when humanized.
func (p *Pool) runScroll(ctx context.Context, sess *session.Session, task *types.Task, action types.Action) error {
	target := 600.0
	if action.Selector != "" {
		offset, err := sess.Context.Evaluate(ctx, humanize.ScrollToElementScript(action.Selector))
		if err != nil {
			return err
		}
		target = offset.Num()
	}

	if !task.HumanBehavior {
		_, err := sess.Context.Evaluate(ctx, humanize.ScrollScript(target))
		return err
	}

	for _, step := range humanize.ScrollSteps(humanize.DefaultScrollConfig(), 0, target) {
		if _, err := sess.Context.Evaluate(ctx, humanize.ScrollScript(step)); err != nil {
			return err
		}
		if !humanize.Sleep(ctx, humanize.RandomDuration(30, 90)) {
			return ctx.Err()
		}
	}
	return nil
}

// extract pulls named values from the page. A missing element yields
// null for that extractor; a failing script fails the extraction.
func (p *Pool) extract(ctx context.Context, sess *session.Session, extractors []types.Extractor) (map[string]any, error) {
	if len(extractors) == 0 {
		return nil, nil
	}

	data := make(map[string]any, len(extractors))
	for _, ex := range extractors {
		script := extractorScript(ex)
		val, err := sess.Context.Evaluate(ctx, script)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrExtractionFailed, ex.Name, err)
		}
		data[ex.Name] = val.Val()
	}
	return data, nil
}

// extractorScript renders the JS for one extractor.
func extractorScript(ex types.Extractor) string {
	read := "el.textContent.trim()"
	if ex.Attribute != "" {
		read = fmt.Sprintf("el.getAttribute(%q)", ex.Attribute)
	}
	if ex.All {
		return fmt.Sprintf(
			`() => Array.from(document.querySelectorAll(%q)).map(el => %s)`,
			ex.Selector, read)
	}
	return fmt.Sprintf(
		`() => { const el = document.querySelector(%q); return el ? %s : null; }`,
		ex.Selector, read)
}

// nack hands a task back to the queue for retry, best-effort.
func (p *Pool) nack(task *types.Task, reason string) {
	if err := p.queue.Nack(context.Background(), task.ID, reason); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("Nack failed")
	}
}

// ackFailed records a terminal failure as the task result.
func (p *Pool) ackFailed(task *types.Task, taskErr *types.TaskError, detections []types.Detection, durationMs int64, sessID, proxyHost string) {
	result := types.TaskResult{
		TaskID:     task.ID,
		Failed:     true,
		Reason:     taskErr.Error(),
		Detections: detections,
		DurationMs: durationMs,
		SessionID:  sessID,
		ProxyHost:  proxyHost,
	}
	if err := p.queue.Ack(context.Background(), task.ID, result); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed-ack failed")
	}
}

// logMetrics records one attempt in the telemetry collector.
func (p *Pool) logMetrics(task *types.Task, detections []types.Detection, err error, durationMs int64) {
	if p.metrics == nil {
		return
	}
	blocked := types.HasKind(detections, types.DetectionBlock) ||
		types.HasKind(detections, types.DetectionChallenge)
	captcha := types.HasKind(detections, types.DetectionCaptcha)
	p.metrics.LogRequest(telemetry.RequestLog{
		DurationMs: durationMs,
		Success:    err == nil,
		Blocked:    blocked,
		Captcha:    captcha,
		URL:        task.URL,
	})
}
