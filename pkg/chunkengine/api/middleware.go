package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestCounter tracks per-client request counts within a fixed window.
type requestCounter struct {
	count     int
	resetTime time.Time
}

// rateLimiter is a minimal fixed-window limiter keyed by client IP,
// sufficient for a read-only admin surface.
type rateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*requestCounter
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		limit:    requestsPerMinute,
		window:   time.Minute,
		counters: make(map[string]*requestCounter),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rc, ok := rl.counters[key]
	if !ok || now.After(rc.resetTime) {
		rl.counters[key] = &requestCounter{count: 1, resetTime: now.Add(rl.window)}
		return true
	}
	if rc.count >= rl.limit {
		return false
	}
	rc.count++
	return true
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for now := range ticker.C {
		rl.mu.Lock()
		for k, rc := range rl.counters {
			if now.After(rc.resetTime) {
				delete(rl.counters, k)
			}
		}
		rl.mu.Unlock()
	}
}

func rateLimitMiddleware(requestsPerMinute int) gin.HandlerFunc {
	rl := newRateLimiter(requestsPerMinute)
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin http request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}
