// Package ratelimit provides per-caller token-bucket rate limiting for the
// revolve API.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/revolve/internal/auth"
)

var rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "revolve",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Total requests rejected by the rate limiter.",
})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per caller
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key fits in its bucket, consuming a
// token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}

// Middleware rate limits by caller identity, falling back to client IP for
// anonymous requests. It must run after auth.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if owner := auth.CallerID(c); owner != "" {
			key = "owner:" + owner
		}

		if !l.Allow(key) {
			rejectedTotal.Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
