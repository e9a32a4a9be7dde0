package common

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(n int) RetryConfig {
	return RetryConfig{
		MaxRetries:     n,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), CalculateBackoff(0, time.Second, time.Minute, 2))
	assert.Equal(t, time.Second, CalculateBackoff(1, time.Second, time.Minute, 2))
	assert.Equal(t, 4*time.Second, CalculateBackoff(3, time.Second, time.Minute, 2))
	assert.Equal(t, time.Minute, CalculateBackoff(20, time.Second, time.Minute, 2))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), nil, "test", nil, func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	cause := errors.New("down")
	calls := 0
	err := Retry(context.Background(), fastRetry(2), nil, "test", nil, func(int) error {
		calls++
		return cause
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestRetry_NoRetriesReturnsCause(t *testing.T) {
	cause := errors.New("down")
	err := Retry(context.Background(), fastRetry(0), nil, "test", nil, func(int) error { return cause })
	assert.Equal(t, cause, err)
}

func TestRetry_NonRetryableStopsEarly(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	err := Retry(context.Background(), fastRetry(5), nil, "test",
		func(err error) bool { return !errors.Is(err, permanent) },
		func(int) error {
			calls++
			return permanent
		})
	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetry(3), nil, "test", nil, func(int) error { return nil })
	assert.ErrorIs(t, err, ErrServiceTimeout)
}

func TestResilientHTTPClient_RetriesOverloaded(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewResilientHTTPClient(time.Second, fastRetry(3), nil)
	resp, err := client.DoWithRetry(context.Background(), "GET /", func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestResilientHTTPClient_DoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewResilientHTTPClient(time.Second, fastRetry(3), nil)
	resp, err := client.DoWithRetry(context.Background(), "GET /", func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestResilientHTTPClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewResilientHTTPClient(time.Second, fastRetry(1), nil)
	_, err := client.DoWithRetry(context.Background(), "GET /", func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}
