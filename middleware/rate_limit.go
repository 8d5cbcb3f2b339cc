package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/cppla/imgconv/utils"
)

const limiterIdleTTL = 5 * time.Minute

type clientLimiter struct {
	limiter *rate.Limiter
	expires time.Time
}

// IPRateLimiter hands out one token bucket per client IP.
type IPRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

// NewIPRateLimiter allows perMinute requests per client with a burst of half that.
func NewIPRateLimiter(perMinute int) *IPRateLimiter {
	perMinute = max(perMinute, 1)
	return &IPRateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    max(perMinute/2, 1),
		limiters: map[string]*clientLimiter{},
	}
}

// Allow reports whether key may make a request now.
func (l *IPRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, cl := range l.limiters {
		if now.After(cl.expires) {
			delete(l.limiters, k)
		}
	}

	cl, ok := l.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = cl
	}
	cl.expires = now.Add(limiterIdleTTL)
	return cl.limiter.Allow()
}

// RateLimitMiddleware rejects clients exceeding their token bucket with 429.
func RateLimitMiddleware(l *IPRateLimiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !l.Allow(ctx.ClientIP()) {
			utils.Fail(ctx, http.StatusTooManyRequests, "rate limit exceeded")
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
