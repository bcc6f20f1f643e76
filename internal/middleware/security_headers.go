package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// FixedWindowRateLimiter is a per-key fixed-window counter that reports
// accurate remaining/reset values via response headers — unlike the token
// bucket in middleware.go, which rejects over-limit callers but can't report
// a precise reset time. CallbackRateLimit wraps it for the internal
// bot-callback endpoints; the router in cmd/main.go does not install it.
type FixedWindowRateLimiter struct {
	requests    sync.Map // map[string]*fixedWindowEntry
	limit       int64
	windowSecs  int64
	cleanupStop chan struct{}
}

type fixedWindowEntry struct {
	count       int64
	windowStart int64
}

// NewFixedWindowRateLimiter creates a limiter and starts its idle-entry
// cleanup goroutine.
func NewFixedWindowRateLimiter(limit int64, windowSecs int64) *FixedWindowRateLimiter {
	rl := &FixedWindowRateLimiter{
		limit:       limit,
		windowSecs:  windowSecs,
		cleanupStop: make(chan struct{}),
	}
	go rl.cleanupExpiredEntries()
	return rl
}

// Allow reports whether key may proceed, plus the remaining count and
// seconds until the window resets.
func (rl *FixedWindowRateLimiter) Allow(key string) (bool, int64, int64) {
	now := time.Now().Unix()

	entryI, loaded := rl.requests.LoadOrStore(key, &fixedWindowEntry{
		count:       1,
		windowStart: now,
	})
	entry := entryI.(*fixedWindowEntry)

	if !loaded {
		return true, rl.limit - 1, rl.windowSecs
	}

	for {
		windowStart := atomic.LoadInt64(&entry.windowStart)
		if now-windowStart >= rl.windowSecs {
			if atomic.CompareAndSwapInt64(&entry.windowStart, windowStart, now) {
				atomic.StoreInt64(&entry.count, 1)
				return true, rl.limit - 1, rl.windowSecs
			}
			continue
		}
		break
	}

	windowStart := atomic.LoadInt64(&entry.windowStart)
	newCount := atomic.AddInt64(&entry.count, 1)
	remaining := rl.limit - newCount
	resetIn := rl.windowSecs - (now - windowStart)

	if remaining < 0 {
		remaining = 0
	}
	if resetIn < 0 {
		resetIn = 0
	}

	if newCount > rl.limit {
		atomic.AddInt64(&entry.count, -1)
		return false, 0, resetIn
	}

	return true, remaining, resetIn
}

func (rl *FixedWindowRateLimiter) cleanupExpiredEntries() {
	ticker := time.NewTicker(time.Duration(rl.windowSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now().Unix()
			expireThreshold := now - (rl.windowSecs * 2)

			rl.requests.Range(func(key, value interface{}) bool {
				entry := value.(*fixedWindowEntry)
				if atomic.LoadInt64(&entry.windowStart) < expireThreshold {
					rl.requests.Delete(key)
				}
				return true
			})
		case <-rl.cleanupStop:
			return
		}
	}
}

// StopCleanup stops the cleanup goroutine.
func (rl *FixedWindowRateLimiter) StopCleanup() {
	close(rl.cleanupStop)
}

func clientIPForRateLimit(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
		if idx := strings.LastIndex(ip, ":"); idx != -1 {
			ip = ip[:idx]
		}
	}
	return ip
}

// CallbackRateLimit rate-limits the internal bot-callback endpoints by
// source IP, with standard X-RateLimit-* headers so a misbehaving bot
// container's retry loop is visible to whoever's operating it.
func CallbackRateLimit(limit int64, windowSecs int64) gin.HandlerFunc {
	limiter := NewFixedWindowRateLimiter(limit, windowSecs)

	return func(c *gin.Context) {
		key := clientIPForRateLimit(c)
		allowed, remaining, resetIn := limiter.Allow(key)

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limiter.limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetIn, 10))

		if !allowed {
			c.Header("Retry-After", strconv.FormatInt(resetIn, 10))
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "rate limit exceeded",
				Code:      "RATE_LIMIT_EXCEEDED",
				Timestamp: time.Now().UTC(),
				RequestID: c.GetHeader("X-Request-ID"),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
