package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Per-client token bucket limiter for the ingest and query surfaces.
// Each client IP refills at a steady rate up to a burst ceiling; an empty
// bucket answers 429 with a Retry-After. Idle buckets are reaped so
// transient exporters and agents cannot grow the table without bound.

const bucketIdleReap = 10 * time.Minute

type clientBucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

// RateLimiter holds per-client bucket state.
type RateLimiter struct {
	rate    float64 // tokens per second
	burst   float64
	perMin  int
	mu      sync.Mutex
	buckets map[string]*clientBucket
}

// NewRateLimiter allows ratePerMin requests per minute per client with the
// given burst capacity.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	rl := &RateLimiter{
		rate:    float64(ratePerMin) / 60.0,
		burst:   float64(burst),
		perMin:  ratePerMin,
		buckets: make(map[string]*clientBucket),
	}
	go rl.reapLoop()
	return rl
}

func (rl *RateLimiter) allow(client string) (bool, time.Duration) {
	rl.mu.Lock()
	bucket, ok := rl.buckets[client]
	if !ok {
		bucket = &clientBucket{tokens: rl.burst}
		rl.buckets[client] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	bucket.tokens += now.Sub(bucket.lastSeen).Seconds() * rl.rate
	if bucket.tokens > rl.burst {
		bucket.tokens = rl.burst
	}
	bucket.lastSeen = now

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true, 0
	}
	retryAfter := time.Duration((1.0-bucket.tokens)/rl.rate*1000) * time.Millisecond
	return false, retryAfter
}

// Middleware enforces the limit keyed by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.allow(c.ClientIP())
		if !allowed {
			c.Header("Retry-After", retryAfter.String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "Rate limit exceeded",
				"retryAfter": retryAfter.String(),
				"limit":      fmt.Sprintf("%d requests/minute per client", rl.perMin),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// reapLoop drops buckets idle past bucketIdleReap.
func (rl *RateLimiter) reapLoop() {
	ticker := time.NewTicker(bucketIdleReap)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-bucketIdleReap)
		rl.mu.Lock()
		for client, b := range rl.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, client)
			}
		}
		rl.mu.Unlock()
	}
}
