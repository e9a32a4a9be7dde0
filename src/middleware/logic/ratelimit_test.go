package logic

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func limitedRouter(rl *RateLimiter, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(pre...)
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r http.Handler, remote, subject string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remote
	if subject != "" {
		req.Header.Set("X-Subject", subject)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(3, nil, quietLogger())
	defer rl.Stop()
	r := limitedRouter(rl)

	codes := make([]int, 0, 4)
	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = hit(r, "10.0.0.1:1234", "")
		codes = append(codes, last.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429}, codes)
	// 3 per minute refills one token every 20s
	assert.Equal(t, "20", last.Header().Get("Retry-After"))
	assert.Contains(t, last.Body.String(), "rate_limit_exceeded")

	// Another client has its own bucket
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.2:1234", "").Code)
}

func TestRateLimiter_SubjectOrIP(t *testing.T) {
	rl := NewRateLimiter(1, SubjectOrIP("subject"), quietLogger())
	defer rl.Stop()

	// Stands in for the auth middleware
	setSubject := func(c *gin.Context) {
		if sub := c.GetHeader("X-Subject"); sub != "" {
			c.Set("subject", sub)
		}
	}
	r := limitedRouter(rl, setSubject)

	// One subject spread over two hosts shares a budget
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:1", "writer").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.2:1", "writer").Code)

	// Other subjects and anonymous clients on the same hosts are unaffected
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:1", "reader").Code)
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:1", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.1:1", "").Code)
}

func TestRateLimiter_SweepDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(10, nil, nil)
	defer rl.Stop()

	rl.bucketFor("ip:10.0.0.1")
	rl.bucketFor("ip:10.0.0.2")

	assert.Zero(t, rl.sweep(time.Now()))
	assert.Equal(t, 2, rl.sweep(time.Now().Add(rl.ttl+time.Minute)))

	rl.mu.RLock()
	assert.Empty(t, rl.buckets)
	rl.mu.RUnlock()

	// Stop is idempotent
	rl.Stop()
}
