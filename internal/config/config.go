// Package config provides application configuration management.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxConcurrentBrowsers = 50
	maxMaxSessions        = 500
	maxWorkers            = 200
	maxTimeout            = 10 * time.Minute
	maxRPH                = 1000000
)

// RetryStrategy selects how Nack delays grow between attempts.
type RetryStrategy string

// Retry strategies.
const (
	RetryExponential RetryStrategy = "exponential"
	RetryFixed       RetryStrategy = "fixed"
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Browser settings
	Headless    bool
	BrowserPath string

	// Rate limiting
	RPS            int
	RPM            int
	RPH            int
	MaxConcurrent  int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Proxy settings
	ProxyEnabled        bool
	ProxyListFile       string
	ProxyRotationEvery  time.Duration
	ProxyEvictThreshold float64
	ProxyWatchFile      bool

	// Session pool
	MaxSessions    int
	SessionMaxIdle time.Duration
	PersistCookies bool

	// Worker pool
	Workers        int
	GracePeriod    time.Duration
	DefaultTimeout time.Duration

	// Queue
	QueueBackend   string // "memory" or "redis"
	RedisHost      string
	RedisPort      int
	RedisPassword  string
	LeaseTimeout   time.Duration
	MaxAttempts    int
	RetryType      RetryStrategy
	RetryDelay     time.Duration
	CompletedTTL   time.Duration
	FailedTTL      time.Duration

	// Detection
	DetectRulesPath string

	// Telemetry
	MetricsEnabled bool
	MetricsPort    int
	MaxHistory     int

	// Logging
	LogLevel string
	LogDir   string

	// Reports
	ReportDir string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		// Rate limiting
		RPS:            getEnvInt("RATE_LIMIT_RPS", 2),
		RPM:            getEnvInt("RATE_LIMIT_RPM", 30),
		RPH:            getEnvInt("RATE_LIMIT_RPH", 500),
		MaxConcurrent:  getEnvInt("MAX_CONCURRENT_BROWSERS", 5),
		BackoffInitial: getEnvDuration("BACKOFF_INITIAL", 5*time.Second),
		BackoffMax:     getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		BackoffFactor:  getEnvFloat("BACKOFF_FACTOR", 2.0),

		// Proxy
		ProxyEnabled:        getEnvBool("PROXY_ENABLED", false),
		ProxyListFile:       getEnvString("PROXY_LIST_FILE", ""),
		ProxyRotationEvery:  getEnvDuration("PROXY_ROTATION_INTERVAL", 30*time.Second),
		ProxyEvictThreshold: getEnvFloat("PROXY_EVICT_THRESHOLD", 0.2),
		ProxyWatchFile:      getEnvBool("PROXY_WATCH_FILE", false),

		// Sessions
		MaxSessions:    getEnvInt("MAX_SESSIONS", 10),
		SessionMaxIdle: getEnvDuration("SESSION_MAX_IDLE", 5*time.Minute),
		PersistCookies: getEnvBool("PERSIST_COOKIES", false),

		// Workers
		Workers:        getEnvInt("WORKERS", 5),
		GracePeriod:    getEnvDuration("GRACE_PERIOD", 30*time.Second),
		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),

		// Queue
		QueueBackend:  getEnvString("QUEUE_BACKEND", "memory"),
		RedisHost:     getEnvString("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnvInt("REDIS_PORT", 6379),
		RedisPassword: getEnvString("REDIS_PASSWORD", ""),
		LeaseTimeout:  getEnvDuration("LEASE_TIMEOUT", 2*time.Minute),
		MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 3),
		RetryType:     RetryStrategy(getEnvString("RETRY_TYPE", string(RetryExponential))),
		RetryDelay:    getEnvDuration("RETRY_DELAY", 2*time.Second),
		CompletedTTL:  getEnvDuration("COMPLETED_TTL", time.Hour),
		FailedTTL:     getEnvDuration("FAILED_TTL", 24*time.Hour),

		// Detection
		DetectRulesPath: getEnvString("DETECT_RULES_PATH", ""),

		// Telemetry
		MetricsEnabled: getEnvBool("METRICS_ENABLED", false),
		MetricsPort:    getEnvInt("METRICS_PORT", 9464),
		MaxHistory:     getEnvInt("MAX_HISTORY", 10000),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogDir:   getEnvString("LOG_DIR", ""),

		// Reports
		ReportDir: getEnvString("VULNERABILITY_REPORT_DIR", "./reports"),
	}
}

// RedisAddr returns the host:port address for the Redis queue backend.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Validate checks configuration values and corrects invalid ones to
// sensible defaults, logging a warning for each correction.
func (c *Config) Validate() {
	if c.RPS < 0 {
		log.Warn().Int("rps", c.RPS).Msg("Negative RPS, disabling per-second window")
		c.RPS = 0
	}
	if c.RPM < 0 {
		log.Warn().Int("rpm", c.RPM).Msg("Negative RPM, disabling per-minute window")
		c.RPM = 0
	}
	if c.RPH < 0 || c.RPH > maxRPH {
		log.Warn().Int("rph", c.RPH).Msg("Invalid RPH, disabling per-hour window")
		c.RPH = 0
	}

	if c.MaxConcurrent < 1 {
		log.Warn().Int("max_concurrent", c.MaxConcurrent).Msg("Invalid MAX_CONCURRENT_BROWSERS, using 5")
		c.MaxConcurrent = 5
	} else if c.MaxConcurrent > maxConcurrentBrowsers {
		log.Warn().
			Int("max_concurrent", c.MaxConcurrent).
			Int("max", maxConcurrentBrowsers).
			Msg("MAX_CONCURRENT_BROWSERS too large, capping to maximum")
		c.MaxConcurrent = maxConcurrentBrowsers
	}

	if c.BackoffInitial <= 0 {
		log.Warn().Dur("initial", c.BackoffInitial).Msg("Invalid backoff initial, using 5s")
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		log.Warn().
			Dur("max", c.BackoffMax).
			Dur("initial", c.BackoffInitial).
			Msg("Backoff max below initial, adjusting to initial")
		c.BackoffMax = c.BackoffInitial
	}
	if c.BackoffFactor <= 1.0 {
		log.Warn().Float64("factor", c.BackoffFactor).Msg("Backoff factor must exceed 1.0, using 2.0")
		c.BackoffFactor = 2.0
	}

	if c.ProxyEvictThreshold < 0 || c.ProxyEvictThreshold >= 1 {
		log.Warn().Float64("threshold", c.ProxyEvictThreshold).Msg("Invalid eviction threshold, using 0.2")
		c.ProxyEvictThreshold = 0.2
	}
	if c.ProxyEnabled && c.ProxyListFile == "" {
		log.Warn().Msg("PROXY_ENABLED is true but PROXY_LIST_FILE is not set - running without proxies")
		c.ProxyEnabled = false
	}
	if c.ProxyListFile != "" && strings.Contains(c.ProxyListFile, "..") {
		log.Error().Str("path", c.ProxyListFile).Msg("PROXY_LIST_FILE contains path traversal sequence (..), ignoring")
		c.ProxyListFile = ""
		c.ProxyEnabled = false
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid MAX_SESSIONS, using 10")
		c.MaxSessions = 10
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("max", maxMaxSessions).
			Msg("MAX_SESSIONS too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}
	if c.SessionMaxIdle < 10*time.Second {
		log.Warn().Dur("max_idle", c.SessionMaxIdle).Msg("SESSION_MAX_IDLE too short, using 10s")
		c.SessionMaxIdle = 10 * time.Second
	}

	if c.Workers < 1 {
		log.Warn().Int("workers", c.Workers).Msg("Invalid WORKERS, using 5")
		c.Workers = 5
	} else if c.Workers > maxWorkers {
		log.Warn().Int("workers", c.Workers).Int("max", maxWorkers).Msg("WORKERS too high, capping to maximum")
		c.Workers = maxWorkers
	}

	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("DEFAULT_TIMEOUT too short, using 60s")
		c.DefaultTimeout = 60 * time.Second
	} else if c.DefaultTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.DefaultTimeout).Dur("max", maxTimeout).Msg("DEFAULT_TIMEOUT too long, capping")
		c.DefaultTimeout = maxTimeout
	}
	if c.GracePeriod < time.Second {
		log.Warn().Dur("grace", c.GracePeriod).Msg("GRACE_PERIOD too short, using 30s")
		c.GracePeriod = 30 * time.Second
	}

	switch c.QueueBackend {
	case "memory", "redis":
	default:
		log.Warn().Str("backend", c.QueueBackend).Msg("Unknown QUEUE_BACKEND, using memory")
		c.QueueBackend = "memory"
	}
	if c.LeaseTimeout < 5*time.Second {
		log.Warn().Dur("lease", c.LeaseTimeout).Msg("LEASE_TIMEOUT too short, using 2m")
		c.LeaseTimeout = 2 * time.Minute
	}
	if c.MaxAttempts < 1 {
		log.Warn().Int("attempts", c.MaxAttempts).Msg("Invalid MAX_ATTEMPTS, using 3")
		c.MaxAttempts = 3
	}
	switch c.RetryType {
	case RetryExponential, RetryFixed:
	default:
		log.Warn().Str("type", string(c.RetryType)).Msg("Unknown RETRY_TYPE, using exponential")
		c.RetryType = RetryExponential
	}
	if c.RetryDelay <= 0 {
		log.Warn().Dur("delay", c.RetryDelay).Msg("Invalid RETRY_DELAY, using 2s")
		c.RetryDelay = 2 * time.Second
	}

	if c.MaxHistory < 100 {
		log.Warn().Int("history", c.MaxHistory).Msg("MAX_HISTORY too small, using 10000")
		c.MaxHistory = 10000
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().Str("path", c.BrowserPath).Msg("BROWSER_PATH contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	if c.MetricsEnabled && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		log.Warn().Int("port", c.MetricsPort).Msg("Invalid METRICS_PORT, using 9464")
		c.MetricsPort = 9464
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Float64("default", defaultValue).
			Msg("Invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
