package multipart

import (
	"net/http"
	"time"
)

const (
	// DefaultConcurrency is the default number of parallel chunk uploads.
	DefaultConcurrency = 4

	// DefaultMaxAttempts is the default number of attempts per chunk, including the first one.
	DefaultMaxAttempts = 5
)

// Config holds configuration for the chunk uploader and the session.
type Config struct {
	// Concurrency is the maximum number of parallel chunk uploads.
	// Default: 4
	Concurrency int

	// MaxAttempts is the attempt budget per chunk. Only transient failures are retried.
	// Default: 5
	MaxAttempts int

	// BackoffBase is the wait before the second attempt; every further wait is multiplied by BackoffFactor.
	// Default: 1 second, factor 2
	BackoffBase   time.Duration
	BackoffFactor float64

	// BackoffMax caps a single backoff wait.
	// Default: 30 seconds
	BackoffMax time.Duration

	// AttemptTimeout bounds a single HTTP attempt, not the whole session.
	// Default: 5 minutes
	AttemptTimeout time.Duration

	// HungThreshold is the duration after which a chunk upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// DrainTimeout is how long in-flight uploads may keep running after the caller cancels.
	// Default: 30 seconds
	DrainTimeout time.Duration

	// HTTPClient is the HTTP client to use for chunk uploads.
	// If nil, a default optimized client will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    DefaultConcurrency,
		MaxAttempts:    DefaultMaxAttempts,
		BackoffBase:    time.Second,
		BackoffFactor:  2,
		BackoffMax:     30 * time.Second,
		AttemptTimeout: 5 * time.Minute,
		HungThreshold:  30 * time.Second,
		DrainTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.DrainTimeout < 0 {
		c.DrainTimeout = 0
	}
	return c
}

// DefaultHTTPClient creates an HTTP client optimized for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - attempt timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// backoff returns the wait before the given attempt (attempt 2 waits BackoffBase).
func (c Config) backoff(attempt int) time.Duration {
	wait := float64(c.BackoffBase)
	for i := 2; i < attempt; i++ {
		wait *= c.BackoffFactor
		if wait >= float64(c.BackoffMax) {
			return c.BackoffMax
		}
	}
	if time.Duration(wait) > c.BackoffMax {
		return c.BackoffMax
	}
	return time.Duration(wait)
}
