package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftbreak/driftbreak/internal/types"
)

// Prom mirrors the in-process telemetry into a Prometheus registry.
// Each Prom owns its registry so tests and multiple runtimes never
// collide on metric registration.
type Prom struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	detectionsTotal *prometheus.CounterVec

	sessionsOpen prometheus.Gauge
	queueDepth   prometheus.Gauge
	proxiesTotal prometheus.Gauge
}

// NewProm builds and registers the metric set.
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftbreak_requests_total",
			Help: "Total navigation attempts by outcome",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftbreak_request_duration_seconds",
			Help:    "Navigation attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		detectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftbreak_detections_total",
			Help: "Total anti-bot detections by kind",
		}, []string{"kind"}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftbreak_sessions_open",
			Help: "Open browser sessions",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftbreak_queue_waiting",
			Help: "Tasks waiting in the queue",
		}),
		proxiesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftbreak_proxies_total",
			Help: "Proxies currently in the pool",
		}),
	}

	p.registry.MustRegister(
		p.requestsTotal,
		p.requestDuration,
		p.detectionsTotal,
		p.sessionsOpen,
		p.queueDepth,
		p.proxiesTotal,
	)
	return p
}

// Handler serves the registry over HTTP.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one navigation attempt.
func (p *Prom) ObserveRequest(r RequestLog) {
	outcome := "success"
	switch {
	case r.Blocked:
		outcome = "blocked"
	case r.Captcha:
		outcome = "captcha"
	case !r.Success:
		outcome = "failed"
	}
	p.requestsTotal.WithLabelValues(outcome).Inc()
	p.requestDuration.Observe(float64(r.DurationMs) / 1000)
}

// ObserveDetection records one detection.
func (p *Prom) ObserveDetection(d types.Detection) {
	p.detectionsTotal.WithLabelValues(string(d.Kind)).Inc()
}

// SetSessionsOpen updates the open-session gauge.
func (p *Prom) SetSessionsOpen(n int) { p.sessionsOpen.Set(float64(n)) }

// SetQueueDepth updates the waiting-task gauge.
func (p *Prom) SetQueueDepth(n int) { p.queueDepth.Set(float64(n)) }

// SetProxiesTotal updates the proxy-count gauge.
func (p *Prom) SetProxiesTotal(n int) { p.proxiesTotal.Set(float64(n)) }
