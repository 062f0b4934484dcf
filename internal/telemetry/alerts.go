package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity tags an alert.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// maxStoredAlerts bounds the recent-alert ring.
const maxStoredAlerts = 100

// Alert is one dispatched alert.
type Alert struct {
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives dispatched alerts.
type Handler func(Alert)

// Alerter broadcasts severity-tagged alerts to registered handlers and
// keeps the most recent ones for inspection.
type Alerter struct {
	mu       sync.Mutex
	handlers map[Severity][]Handler
	all      []Handler
	recent   []Alert
}

// NewAlerter creates an empty alerter.
func NewAlerter() *Alerter {
	return &Alerter{handlers: make(map[Severity][]Handler)}
}

// On registers a handler for one severity.
func (a *Alerter) On(sev Severity, h Handler) {
	a.mu.Lock()
	a.handlers[sev] = append(a.handlers[sev], h)
	a.mu.Unlock()
}

// OnAny registers a handler for every severity.
func (a *Alerter) OnAny(h Handler) {
	a.mu.Lock()
	a.all = append(a.all, h)
	a.mu.Unlock()
}

// Alert stores and broadcasts one alert. Handlers run synchronously on
// the caller's goroutine: severity handlers first, then OnAny handlers,
// each group in registration order, so a slow handler delays the rest.
func (a *Alerter) Alert(sev Severity, msg string) {
	alert := Alert{Severity: sev, Message: msg, Timestamp: time.Now()}

	a.mu.Lock()
	a.recent = append(a.recent, alert)
	if len(a.recent) > maxStoredAlerts {
		a.recent = a.recent[len(a.recent)-maxStoredAlerts:]
	}
	targets := append(append([]Handler(nil), a.handlers[sev]...), a.all...)
	a.mu.Unlock()

	switch sev {
	case SeverityCritical:
		log.Error().Str("severity", string(sev)).Msg(msg)
	case SeverityWarning:
		log.Warn().Str("severity", string(sev)).Msg(msg)
	default:
		log.Info().Str("severity", string(sev)).Msg(msg)
	}

	for _, h := range targets {
		h(alert)
	}
}

// Recent returns a copy of the stored alerts, oldest first.
func (a *Alerter) Recent() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Alert, len(a.recent))
	copy(out, a.recent)
	return out
}
