// Package ratelimit throttles API callers with a token bucket per acting
// user. Unauthenticated callers are keyed by client IP.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowbot/internal/auth"
)

var rejected = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "escrowbot",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter.",
})

func init() {
	prometheus.MustRegister(rejected)
}

// Config configures rate limiting.
type Config struct {
	PerMinute int           // sustained requests per minute per key
	Burst     int           // bucket size
	IdleTTL   time.Duration // buckets unused this long are dropped
}

// DefaultConfig returns 60 requests per minute with bursts of 10.
func DefaultConfig() Config {
	return Config{PerMinute: 60, Burst: 10, IdleTTL: 2 * time.Minute}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	cfg      Config
	now      func() time.Time
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its idle-bucket sweeper.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.IdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

// Sweep drops buckets idle for longer than IdleTTL.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop ends the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.Burst - 1), seen: now}
		return true
	}

	b.tokens += now.Sub(b.seen).Seconds() * float64(l.cfg.PerMinute) / 60
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects callers over their limit with 429. It must run after
// auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := 1
	if l.cfg.PerMinute > 0 && l.cfg.PerMinute < 60 {
		retryAfter = (60 + l.cfg.PerMinute - 1) / l.cfg.PerMinute
	}

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id, ok := auth.UserID(c); ok {
			key = fmt.Sprintf("user:%d", id)
		}

		if !l.Allow(key) {
			rejected.Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
