package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"calsync_server/pkg/apperr"
)

type requestInfo struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a simple in-memory per-IP limiter for the admin and
// linking endpoints. Webhook traffic is not limited here; the source
// platform controls its own delivery rate.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string]*requestInfo
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string]*requestInfo),
		limit:    limit,
		window:   window,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.window)
		for ip, info := range rl.requests {
			if info.windowStart.Before(cutoff) {
				delete(rl.requests, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := c.IP()
		now := time.Now()

		rl.mu.Lock()
		info, ok := rl.requests[ip]
		if !ok || now.Sub(info.windowStart) > rl.window {
			info = &requestInfo{windowStart: now}
			rl.requests[ip] = info
		}
		info.count++
		count := info.count
		rl.mu.Unlock()

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.limit))
		remaining := rl.limit - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if count > rl.limit {
			return apperr.New("RATE_LIMITED", "too many requests", fiber.StatusTooManyRequests)
		}
		return c.Next()
	}
}
