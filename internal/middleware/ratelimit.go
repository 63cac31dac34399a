package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DistributedLimiter is a limiter shared across server instances.
type DistributedLimiter interface {
	AllowAction(ctx context.Context, userID uuid.UUID, action string, rate, burst int) (bool, error)
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits chat sends per user. It asks the distributed limiter
// first and falls back to an in-process token bucket when that errors or is
// not configured.
type RateLimiter struct {
	limiters map[uuid.UUID]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	action   string
	shared   DistributedLimiter
	logger   *zap.Logger
}

func NewRateLimiter(rps, burst int, shared DistributedLimiter, logger *zap.Logger) *RateLimiter {
	if burst <= 0 {
		burst = rps * 2
	}
	return &RateLimiter{
		limiters: make(map[uuid.UUID]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		action:   "chat_send",
		shared:   shared,
		logger:   logger.Named("rate_limit"),
	}
}

func (rl *RateLimiter) getLimiter(userID uuid.UUID) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[userID]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[userID] = entry
	}
	entry.lastSeen = time.Now()

	return entry.limiter
}

// Allow reports whether userID may send another message now.
func (rl *RateLimiter) Allow(ctx context.Context, userID uuid.UUID) bool {
	if rl.shared != nil {
		ok, err := rl.shared.AllowAction(ctx, userID, rl.action, int(rl.rate), rl.burst)
		if err == nil {
			return ok
		}
		rl.logger.Warn("Shared rate limiter failed, using local limiter",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
	return rl.getLimiter(userID).Allow()
}

// Cleanup drops limiters idle for longer than maxIdle until ctx is done.
func (rl *RateLimiter) Cleanup(ctx context.Context, maxIdle time.Duration) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.sweep(now, maxIdle)
			}
		}
	}()
}

func (rl *RateLimiter) sweep(now time.Time, maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(rl.limiters, id)
		}
	}
}

// RateLimitMiddleware limits requests per user
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := UserID(c)
		if !ok {
			c.Next()
			return
		}

		if !rl.Allow(c.Request.Context(), uid) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}

		c.Next()
	}
}
