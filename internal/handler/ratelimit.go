package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures RateLimiter.
type RateLimitConfig struct {
	RPS   int // steady-state requests per second per client IP
	Burst int // bucket size; defaults to 2*RPS

	// IdleTTL is how long a client's bucket survives without requests.
	IdleTTL time.Duration
	// SweepEvery is the interval of the idle-bucket sweep.
	SweepEvery time.Duration

	// Exempt lists request paths that are never limited (probes, scrapes).
	Exempt []string
}

func (c *RateLimitConfig) applyDefaults() {
	if c.Burst <= 0 {
		c.Burst = 2 * c.RPS
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Minute
	}
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per client IP.
type clientLimiters struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*clientBucket
}

func newClientLimiters(cfg RateLimitConfig) *clientLimiters {
	cfg.applyDefaults()
	return &clientLimiters{cfg: cfg, buckets: make(map[string]*clientBucket)}
}

// take spends one token for ip. When the bucket is empty it returns false
// and the wait until the next token.
func (cl *clientLimiters) take(ip string, now time.Time) (bool, time.Duration) {
	cl.mu.Lock()
	b, ok := cl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(cl.cfg.RPS), cl.cfg.Burst)}
		cl.buckets[ip] = b
	}
	b.lastSeen = now
	cl.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// sweep drops buckets idle for longer than IdleTTL and reports how many
// remain.
func (cl *clientLimiters) sweep(now time.Time) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ip, b := range cl.buckets {
		if now.Sub(b.lastSeen) > cl.cfg.IdleTTL {
			delete(cl.buckets, ip)
		}
	}
	return len(cl.buckets)
}

func (cl *clientLimiters) run(ctx context.Context) {
	ticker := time.NewTicker(cl.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			cl.sweep(now)
		case <-ctx.Done():
			return
		}
	}
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting. Idle buckets are swept until ctx is done.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	cl := newClientLimiters(cfg)
	go cl.run(ctx)

	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, p := range cfg.Exempt {
		exempt[p] = struct{}{}
	}
	limit := strconv.Itoa(cl.cfg.RPS)

	return func(c *gin.Context) {
		if _, ok := exempt[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		ok, wait := cl.take(c.ClientIP(), time.Now())
		c.Header("X-RateLimit-Limit", limit)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate limit exceeded",
				"retry_after_seconds": secs,
			})
			return
		}
		c.Next()
	}
}
