// Package telemetry provides the in-process request/detection logs,
// windowed metrics, trend computation, health signal and alerting.
package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/types"
)

// Retention bounds, FIFO-evicted.
const (
	DefaultMaxHistory   = 10000
	maxDetectionHistory = 1000
	recentDetections    = 10
)

// RequestLog is one navigation attempt record.
type RequestLog struct {
	TS         time.Time `json:"ts"`
	DurationMs int64     `json:"durationMs"`
	Success    bool      `json:"success"`
	Blocked    bool      `json:"blocked"`
	Captcha    bool      `json:"captcha"`
	URL        string    `json:"url"`
}

// Collector accumulates bounded request and detection logs. Safe for
// concurrent use; writers append under one lock, readers snapshot.
type Collector struct {
	mu         sync.Mutex
	maxHistory int
	requests   []RequestLog
	detections []types.Detection

	prom *Prom // optional mirror, may be nil
}

// NewCollector creates a collector retaining up to maxHistory request
// logs (DefaultMaxHistory when <= 0).
func NewCollector(maxHistory int) *Collector {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Collector{maxHistory: maxHistory}
}

// SetProm mirrors counters into a Prometheus registry.
func (c *Collector) SetProm(p *Prom) {
	c.mu.Lock()
	c.prom = p
	c.mu.Unlock()
}

// LogRequest appends one request record, evicting the oldest beyond
// the retention bound.
func (c *Collector) LogRequest(r RequestLog) {
	if r.TS.IsZero() {
		r.TS = time.Now()
	}

	c.mu.Lock()
	c.requests = append(c.requests, r)
	if len(c.requests) > c.maxHistory {
		c.requests = c.requests[len(c.requests)-c.maxHistory:]
	}
	prom := c.prom
	c.mu.Unlock()

	if prom != nil {
		prom.ObserveRequest(r)
	}
}

// LogDetection appends one detection record.
func (c *Collector) LogDetection(d types.Detection) {
	c.mu.Lock()
	c.detections = append(c.detections, d)
	if len(c.detections) > maxDetectionHistory {
		c.detections = c.detections[len(c.detections)-maxDetectionHistory:]
	}
	prom := c.prom
	c.mu.Unlock()

	if prom != nil {
		prom.ObserveDetection(d)
	}
}

// RequestCounts summarizes request outcomes inside a window.
type RequestCounts struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
	Captcha    int `json:"captcha"`
}

// Performance summarizes request latency inside a window.
type Performance struct {
	AvgMs int64   `json:"avgMs"`
	MinMs int64   `json:"minMs"`
	MaxMs int64   `json:"maxMs"`
	RPS   float64 `json:"rps"`
}

// DetectionSummary summarizes detections inside a window.
type DetectionSummary struct {
	Total  int                         `json:"total"`
	ByKind map[types.DetectionKind]int `json:"byKind"`
	Recent []types.Detection           `json:"recent"`
}

// Report is the windowed metrics snapshot.
type Report struct {
	Window      time.Duration    `json:"window"`
	Requests    RequestCounts    `json:"requests"`
	Performance Performance      `json:"performance"`
	Detections  DetectionSummary `json:"detections"`
}

// Metrics computes the report over the trailing window (5m when <= 0).
func (c *Collector) Metrics(window time.Duration) Report {
	if window <= 0 {
		window = 5 * time.Minute
	}
	cutoff := time.Now().Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	rep := Report{Window: window}
	rep.Detections.ByKind = make(map[types.DetectionKind]int)

	var totalMs int64
	for _, r := range c.requests {
		if r.TS.Before(cutoff) {
			continue
		}
		rep.Requests.Total++
		if r.Success {
			rep.Requests.Successful++
		} else {
			rep.Requests.Failed++
		}
		if r.Blocked {
			rep.Requests.Blocked++
		}
		if r.Captcha {
			rep.Requests.Captcha++
		}

		totalMs += r.DurationMs
		if rep.Performance.MinMs == 0 || r.DurationMs < rep.Performance.MinMs {
			rep.Performance.MinMs = r.DurationMs
		}
		if r.DurationMs > rep.Performance.MaxMs {
			rep.Performance.MaxMs = r.DurationMs
		}
	}
	if rep.Requests.Total > 0 {
		rep.Performance.AvgMs = totalMs / int64(rep.Requests.Total)
		rep.Performance.RPS = float64(rep.Requests.Total) / window.Seconds()
	}

	for _, d := range c.detections {
		if d.Timestamp.Before(cutoff) {
			continue
		}
		rep.Detections.Total++
		rep.Detections.ByKind[d.Kind]++
	}
	start := len(c.detections) - recentDetections
	if start < 0 {
		start = 0
	}
	rep.Detections.Recent = append(rep.Detections.Recent, c.detections[start:]...)

	return rep
}

// SuccessRateTrend computes the success rate per bucket, oldest first.
// Buckets with no requests report -1.
func (c *Collector) SuccessRateTrend(buckets int, bucketMs int64) []float64 {
	return c.trend(buckets, bucketMs, func(r RequestLog) bool { return r.Success })
}

// DetectionRateTrend computes the detected-fraction per bucket, oldest
// first. Buckets with no requests report -1.
func (c *Collector) DetectionRateTrend(buckets int, bucketMs int64) []float64 {
	return c.trend(buckets, bucketMs, func(r RequestLog) bool { return r.Blocked || r.Captcha })
}

func (c *Collector) trend(buckets int, bucketMs int64, match func(RequestLog) bool) []float64 {
	if buckets <= 0 || bucketMs <= 0 {
		return nil
	}
	now := time.Now()
	span := time.Duration(bucketMs) * time.Millisecond
	start := now.Add(-span * time.Duration(buckets))

	totals := make([]int, buckets)
	hits := make([]int, buckets)

	c.mu.Lock()
	for _, r := range c.requests {
		if r.TS.Before(start) || r.TS.After(now) {
			continue
		}
		idx := int(r.TS.Sub(start) / span)
		if idx >= buckets {
			idx = buckets - 1
		}
		totals[idx]++
		if match(r) {
			hits[idx]++
		}
	}
	c.mu.Unlock()

	out := make([]float64, buckets)
	for i := range out {
		if totals[i] == 0 {
			out[i] = -1
			continue
		}
		out[i] = float64(hits[i]) / float64(totals[i])
	}
	return out
}

// HealthThresholds configure the health signal.
type HealthThresholds struct {
	MinSuccessRate   float64       `json:"minSuccessRate"`
	MaxDetectionRate float64       `json:"maxDetectionRate"`
	MaxAvgMs         int64         `json:"maxAvgMs"`
	Window           time.Duration `json:"window"`
}

// HealthStatus is the threshold evaluation result.
type HealthStatus struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues"`
}

// Health evaluates the trailing window against the thresholds. An empty
// window is healthy: no evidence of trouble.
func (c *Collector) Health(th HealthThresholds) HealthStatus {
	rep := c.Metrics(th.Window)

	status := HealthStatus{Healthy: true}
	if rep.Requests.Total == 0 {
		return status
	}

	successRate := float64(rep.Requests.Successful) / float64(rep.Requests.Total)
	if th.MinSuccessRate > 0 && successRate < th.MinSuccessRate {
		status.Healthy = false
		status.Issues = append(status.Issues, "success rate below threshold")
	}

	detectionRate := float64(rep.Requests.Blocked+rep.Requests.Captcha) / float64(rep.Requests.Total)
	if th.MaxDetectionRate > 0 && detectionRate > th.MaxDetectionRate {
		status.Healthy = false
		status.Issues = append(status.Issues, "detection rate above threshold")
	}

	if th.MaxAvgMs > 0 && rep.Performance.AvgMs > th.MaxAvgMs {
		status.Healthy = false
		status.Issues = append(status.Issues, "average latency above threshold")
	}

	if !status.Healthy {
		log.Warn().Strs("issues", status.Issues).Msg("Health check failed")
	}
	return status
}

// Reset clears both logs.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.requests = nil
	c.detections = nil
	c.mu.Unlock()
}
