package proxy

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ProviderConfig configures a residential proxy provider gateway.
// Providers of this style expose one gateway endpoint; the session and
// geo parameters are encoded into the username.
type ProviderConfig struct {
	Host     string
	Port     int
	Customer string
	Password string
	Country  string // optional two-letter code

	// SessionDuration forces a new session id after this long.
	SessionDuration time.Duration
	// MaxFailures forces a new session id after this many reported
	// failures on the current session.
	MaxFailures int
}

// Provider synthesizes sticky-session residential proxy descriptors.
// Each session maps to one upstream exit; rotating the session id
// rotates the exit.
type Provider struct {
	cfg ProviderConfig

	mu        sync.Mutex
	sessionID string
	startedAt time.Time
	failures  int
}

// NewProvider creates a provider and opens its first session.
func NewProvider(cfg ProviderConfig) *Provider {
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = 10 * time.Minute
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	p := &Provider{cfg: cfg}
	p.rotateLocked()
	return p
}

// Session returns the current session's proxy descriptor, rotating
// first if the session has expired or failed too often.
func (pr *Provider) Session() Proxy {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if time.Since(pr.startedAt) >= pr.cfg.SessionDuration || pr.failures >= pr.cfg.MaxFailures {
		pr.rotateLocked()
	}
	return pr.descriptorLocked()
}

// Rotate discards the current session and returns a descriptor for a
// fresh one.
func (pr *Provider) Rotate() Proxy {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.rotateLocked()
	return pr.descriptorLocked()
}

// ReportFailure counts one failure against the current session.
func (pr *Provider) ReportFailure() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.failures++
}

// rotateLocked must be called with mu held.
func (pr *Provider) rotateLocked() {
	pr.sessionID = randomSessionID()
	pr.startedAt = time.Now()
	pr.failures = 0
	log.Debug().Str("session", pr.sessionID).Msg("Residential proxy session rotated")
}

// descriptorLocked must be called with mu held.
func (pr *Provider) descriptorLocked() Proxy {
	username := fmt.Sprintf("customer-%s-session-%s", pr.cfg.Customer, pr.sessionID)
	if pr.cfg.Country != "" {
		username += "-country-" + strings.ToLower(pr.cfg.Country)
	}
	return Proxy{
		Type:        TypeHTTP,
		Host:        pr.cfg.Host,
		Port:        pr.cfg.Port,
		Auth:        &Auth{Username: username, Password: pr.cfg.Password},
		Country:     strings.ToUpper(pr.cfg.Country),
		Residential: true,
		Score:       InitialScore,
	}
}

const sessionIDChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSessionID() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = sessionIDChars[rand.Intn(len(sessionIDChars))]
	}
	return string(b)
}
