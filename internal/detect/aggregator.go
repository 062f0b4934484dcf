package detect

import (
	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/ratelimit"
	"github.com/driftbreak/driftbreak/internal/session"
	"github.com/driftbreak/driftbreak/internal/telemetry"
	"github.com/driftbreak/driftbreak/internal/types"
)

// Aggregator routes per-attempt detections to every interested
// subsystem: the session record, the proxy pool's health score, the
// rate limiter's backoff and the metrics log.
type Aggregator struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	proxies  *proxy.Pool
	metrics  *telemetry.Collector
}

// NewAggregator wires the aggregator. limiter, proxies and metrics may
// each be nil; nil collaborators are skipped.
func NewAggregator(registry *Registry, limiter *ratelimit.Limiter, proxies *proxy.Pool, metrics *telemetry.Collector) *Aggregator {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Aggregator{registry: registry, limiter: limiter, proxies: proxies, metrics: metrics}
}

// Registry exposes the classifier registry, e.g. for rule loading.
func (a *Aggregator) Registry() *Registry { return a.registry }

// Collect classifies a loaded page and fans the findings out. The
// detections are appended to the session before the caller sees them,
// so the worker always observes a complete session record.
//
// Proxy feedback counts the attempt as a failure iff a block or captcha
// detection is present; challenge pages alone do not penalize the exit.
func (a *Aggregator) Collect(sess *session.Session, page types.PageInfo, url string) []types.Detection {
	detections := a.registry.Classify(page, url)

	if sess != nil {
		sess.AddDetections(detections)
	}

	if a.proxies != nil && sess != nil && sess.ProxyKey() != "" {
		failed := types.HasKind(detections, types.DetectionBlock) ||
			types.HasKind(detections, types.DetectionCaptcha)
		if err := a.proxies.Update(sess.ProxyKey(), !failed); err != nil {
			log.Debug().Err(err).Str("proxy", sess.ProxyKey()).Msg("Proxy score update failed")
		}
	}

	if a.limiter != nil && types.HasKind(detections, types.DetectionRateLimit) {
		a.limiter.TriggerBackoff()
	}

	if a.metrics != nil {
		for _, d := range detections {
			a.metrics.LogDetection(d)
		}
	}

	if len(detections) > 0 {
		kinds := make([]string, len(detections))
		for i, d := range detections {
			kinds[i] = string(d.Kind)
		}
		log.Debug().Strs("kinds", kinds).Str("url", url).Msg("Detections collected")
	}
	return detections
}
