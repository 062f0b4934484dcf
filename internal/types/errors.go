package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Rate limiter errors
	ErrLimiterClosed = errors.New("rate limiter is closed")

	// Proxy pool errors
	ErrProxyPoolEmpty  = errors.New("proxy pool is empty")
	ErrProxyNotFound   = errors.New("proxy not found in pool")
	ErrInvalidProxy    = errors.New("invalid proxy")
	ErrNoProxyMatch    = errors.New("no proxy matches the requested filter")
	ErrProxyTestFailed = errors.New("proxy connectivity test failed")

	// Session pool errors
	ErrSessionPoolClosed = errors.New("session pool is closed")
	ErrSessionClosed     = errors.New("session was closed while in use")
	ErrSessionInUse      = errors.New("session is currently in use")
	ErrPoolExhausted     = errors.New("session pool exhausted: no capacity and no idle session")

	// Queue errors
	ErrQueueClosed    = errors.New("task queue is closed")
	ErrQueuePaused    = errors.New("task queue is paused")
	ErrDuplicateTask  = errors.New("duplicate task id")
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskNotLeased  = errors.New("task is not currently leased")
	ErrNoTasksWaiting = errors.New("no tasks waiting")

	// Navigation / execution errors
	ErrBlocked          = errors.New("request blocked by target defenses")
	ErrRateLimited      = errors.New("rate limited by target")
	ErrNavigationFailed = errors.New("navigation failed")
	ErrExtractionFailed = errors.New("extraction failed")

	// Input errors
	ErrInvalidURL      = errors.New("invalid URL")
	ErrInvalidSelector = errors.New("invalid selector")
	ErrInvalidInput    = errors.New("invalid input")

	// Startup errors
	ErrConfiguration = errors.New("configuration error")
)

// ErrorKind is the recovery taxonomy the worker loop decides retries with.
type ErrorKind string

// Error kinds. Recoverable kinds are retried (possibly after backoff or
// session rotation); the rest surface as terminal task results.
const (
	KindRateLimited      ErrorKind = "rateLimited"
	KindBlocked          ErrorKind = "blocked"
	KindTransientNetwork ErrorKind = "transientNetwork"
	KindNavigationFailed ErrorKind = "navigationFailed"
	KindExtractionFailed ErrorKind = "extractionFailed"
	KindInvalidInput     ErrorKind = "invalidInput"
	KindPoolExhausted    ErrorKind = "poolExhausted"
	KindConfiguration    ErrorKind = "configurationError"
	KindCancelled        ErrorKind = "cancelled"
	KindUnknown          ErrorKind = "unknown"
)

// Recoverable reports whether a task failing with this kind should be retried.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindRateLimited, KindBlocked, KindTransientNetwork, KindNavigationFailed, KindPoolExhausted:
		return true
	}
	return false
}

// Categorize maps an error to its taxonomy kind.
// Sentinels are matched first, then network error types, then string
// heuristics for driver errors that carry no typed cause.
func Categorize(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrBlocked):
		return KindBlocked
	case errors.Is(err, ErrExtractionFailed), errors.Is(err, ErrInvalidSelector):
		return KindExtractionFailed
	case errors.Is(err, ErrInvalidURL), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidProxy):
		return KindInvalidInput
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrSessionPoolClosed):
		return KindPoolExhausted
	case errors.Is(err, ErrNavigationFailed), errors.Is(err, ErrSessionClosed):
		return KindNavigationFailed
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindTransientNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return KindTransientNetwork
	case strings.Contains(msg, "navigation"), strings.Contains(msg, "net::err"):
		return KindNavigationFailed
	}

	return KindUnknown
}

// TaskError wraps a task execution failure with enough context to reproduce:
// task id, url, session id and proxy host travel with the error.
type TaskError struct {
	TaskID    string
	URL       string
	SessionID string
	ProxyHost string
	Kind      ErrorKind
	Err       error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %s: %v", e.TaskID, e.URL, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError builds a TaskError, categorizing err with Categorize.
func NewTaskError(taskID, url, sessionID, proxyHost string, err error) *TaskError {
	return &TaskError{
		TaskID:    taskID,
		URL:       url,
		SessionID: sessionID,
		ProxyHost: proxyHost,
		Kind:      Categorize(err),
		Err:       err,
	}
}
