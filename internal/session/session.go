// Package session provides the bounded pool of live browser contexts.
// Each session binds one identity (applied once, at creation) and
// optionally one proxy for its whole lifetime.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftbreak/driftbreak/internal/browser"
	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/types"
)

// State is the lifecycle state of a session.
type State int32

// Session lifecycle states. The only transition permitted out of
// StateInUse besides release is StateClosing.
const (
	StateOpening State = iota
	StateIdle
	StateInUse
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in-use"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live browser context. Exactly one worker owns a
// session while it is in use; the in-use flag is exclusive by contract.
type Session struct {
	ID        string
	Identity  types.Identity
	Proxy     *proxy.Proxy // immutable for the session lifetime; nil when direct
	Context   browser.Context
	StartedAt time.Time

	opts LeaseOptions // remembered for Rotate

	state        atomic.Int32
	lastUsed     atomic.Int64 // unix nano
	requestCount atomic.Int64

	mu         sync.Mutex
	detections []types.Detection
	cookieBlob []byte
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Touch updates the last-used timestamp.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsedTime returns the last-used timestamp.
func (s *Session) LastUsedTime() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// IncRequests counts one navigation against this session.
func (s *Session) IncRequests() {
	s.requestCount.Add(1)
}

// RequestCount returns the number of navigations performed.
func (s *Session) RequestCount() int64 {
	return s.requestCount.Load()
}

// AddDetections appends detections atomically, before the owning worker
// inspects them.
func (s *Session) AddDetections(ds []types.Detection) {
	if len(ds) == 0 {
		return
	}
	s.mu.Lock()
	s.detections = append(s.detections, ds...)
	s.mu.Unlock()
}

// Detections returns a copy of the session's detection log.
func (s *Session) Detections() []types.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Detection, len(s.detections))
	copy(out, s.detections)
	return out
}

// ProxyKey returns the bound proxy's pool key, or "" when direct.
func (s *Session) ProxyKey() string {
	if s.Proxy == nil {
		return ""
	}
	return s.Proxy.Key()
}
