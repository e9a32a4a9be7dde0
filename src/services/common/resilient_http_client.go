package common

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// SENTINEL ERRORS (for error type checking)
// =============================================================================

var (
	// ErrServiceUnavailable indicates the remote service is not reachable
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrServiceTimeout indicates the request exceeded timeout or was cancelled
	ErrServiceTimeout = errors.New("service timeout")

	// ErrServiceOverloaded indicates the service returned 503/504/429
	ErrServiceOverloaded = errors.New("service overloaded")

	// ErrMaxRetriesExceeded indicates all retry attempts failed
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// RetryConfig holds retry/backoff configuration
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns sensible defaults for chunk transfers
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// =============================================================================
// GENERIC RETRY LOOP
// =============================================================================

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. A nil retryable treats every error as retryable.
func Retry(ctx context.Context, cfg RetryConfig, logger *logrus.Logger, operation string, retryable func(error) bool, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrServiceTimeout, ctx.Err())
		}

		if attempt > 0 {
			backoff := CalculateBackoff(attempt, cfg.InitialBackoff, cfg.MaxBackoff, cfg.BackoffFactor)
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"operation": operation,
					"attempt":   attempt,
					"backoff":   backoff.String(),
				}).Debug("Retrying after backoff")
			}

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %v", ErrServiceTimeout, ctx.Err())
			case <-timer.C:
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}

		if logger != nil && attempt < cfg.MaxRetries {
			logger.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt + 1,
				"error":     err.Error(),
			}).Warn("Operation failed, will retry")
		}
	}

	if cfg.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, cfg.MaxRetries+1, lastErr)
}

// =============================================================================
// RESILIENT HTTP CLIENT
// =============================================================================

// ResilientHTTPClient wraps http.Client with retry/backoff capabilities
type ResilientHTTPClient struct {
	client *http.Client
	config RetryConfig
	logger *logrus.Logger
}

// NewResilientHTTPClient creates a new resilient HTTP client
func NewResilientHTTPClient(timeout time.Duration, config RetryConfig, logger *logrus.Logger) *ResilientHTTPClient {
	if logger == nil {
		logger = logrus.New()
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	return &ResilientHTTPClient{
		client: client,
		config: config,
		logger: logger,
	}
}

// DoWithRetry executes requests built by newRequest with exponential backoff.
// newRequest is called once per attempt so request bodies can be rebuilt.
func (c *ResilientHTTPClient) DoWithRetry(ctx context.Context, operation string, newRequest func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response

	err := Retry(ctx, c.config, c.logger, operation, isRetryable, func(int) error {
		req, err := newRequest()
		if err != nil {
			return err
		}

		r, err := c.client.Do(req.WithContext(ctx))
		if err != nil {
			return classifyError(err)
		}

		if isRetryableStatusCode(r.StatusCode) {
			r.Body.Close()
			return fmt.Errorf("%w: status %d", ErrServiceOverloaded, r.StatusCode)
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// classifyError converts a network error to a sentinel error
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	// Context cancellation/timeout
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrServiceTimeout, err)
	}

	// Connection refused
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
	}

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: DNS lookup failed: %v", ErrServiceUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}

// isRetryable determines if an error warrants a retry
func isRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrServiceOverloaded)
}

// isRetryableStatusCode returns true for HTTP status codes that warrant retry
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout,  // 504
		http.StatusTooManyRequests: // 429
		return true
	default:
		return false
	}
}

// =============================================================================
// UTILITY FUNCTIONS
// =============================================================================

// CalculateBackoff computes the backoff duration for a given attempt
func CalculateBackoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if factor < 1 {
		factor = 1
	}
	backoff := float64(initial) * math.Pow(factor, float64(attempt-1))
	if time.Duration(backoff) > max {
		return max
	}
	return time.Duration(backoff)
}
