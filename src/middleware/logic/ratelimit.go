package logic

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// KeyFunc selects the bucket a request is charged to
type KeyFunc func(c *gin.Context) string

// ClientIP charges every request to its client address
func ClientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// SubjectOrIP charges authenticated chunk requests to the token subject
// stored under subjectKey, so one writer fanning out from several hosts
// shares a single budget. Anonymous requests fall back to the client IP.
func SubjectOrIP(subjectKey string) KeyFunc {
	return func(c *gin.Context) string {
		if sub := c.GetString(subjectKey); sub != "" {
			return "sub:" + sub
		}
		return ClientIP(c)
	}
}

// RateLimiter is a keyed token bucket limiter. Idle buckets are swept
// after ttl.
type RateLimiter struct {
	buckets map[string]*bucket
	mu      sync.RWMutex
	rate    rate.Limit
	burst   int
	ttl     time.Duration
	key     KeyFunc
	logger  *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix seconds
}

// NewRateLimiter allows perMin requests per minute per key, with a burst of
// perMin. A nil key charges by client IP. Call Stop to end the sweeper.
func NewRateLimiter(perMin int, key KeyFunc, logger *logrus.Logger) *RateLimiter {
	if perMin < 1 {
		perMin = 1
	}
	if key == nil {
		key = ClientIP
	}
	if logger == nil {
		logger = logrus.New()
	}

	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate.Limit(float64(perMin) / 60.0),
		burst:   perMin,
		ttl:     10 * time.Minute,
		key:     key,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *RateLimiter) bucketFor(key string) *rate.Limiter {
	now := time.Now().Unix()

	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		b.lastSeen.Store(now)
		return b.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		b.lastSeen.Store(now)
		return b.limiter
	}

	b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	b.lastSeen.Store(now)
	rl.buckets[key] = b
	return b.limiter
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// sweep drops buckets not seen within ttl of now
func (rl *RateLimiter) sweep(now time.Time) int {
	cutoff := now.Add(-rl.ttl).Unix()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	dropped := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Load() < cutoff {
			delete(rl.buckets, key)
			dropped++
		}
	}
	return dropped
}

// Stop ends the background sweeper. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware rejects requests over budget with 429 and a Retry-After
// derived from when the bucket refills.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.key(c)
		res := rl.bucketFor(key).Reserve()

		delay := res.Delay()
		if res.OK() && delay == 0 {
			c.Next()
			return
		}
		res.Cancel()

		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}

		rl.logger.WithFields(logrus.Fields{
			"key":         key,
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"retry_after": retryAfter,
		}).Warn("Chunk request rate limited")

		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"code":        "rate_limit_exceeded",
				"message":     "Too many chunk requests. Please try again later.",
				"retry_after": retryAfter,
			},
		})
	}
}
