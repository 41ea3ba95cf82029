package gateapi

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/cmdgate/cmdgate/internal/metrics"
)

// RateLimit configures the per-client token bucket. A zero RequestsPerSecond
// disables limiting.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiters struct {
	conf    RateLimit
	mu      sync.Mutex
	clients map[string]*clientLimiter
	swept   time.Time
}

const limiterIdleTimeout = 10 * time.Minute

func (l *limiters) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > limiterIdleTimeout {
		for k, cl := range l.clients {
			if now.Sub(cl.lastSeen) > limiterIdleTimeout {
				delete(l.clients, k)
			}
		}
		l.swept = now
	}
	cl, ok := l.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.conf.RequestsPerSecond), l.conf.Burst)}
		l.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// rateLimitMiddleware limits requests per credential, or per client IP for
// requests without one
func rateLimitMiddleware(conf RateLimit, m *metrics.Metrics) fiber.Handler {
	l := &limiters{
		conf:    conf,
		clients: make(map[string]*clientLimiter),
		swept:   time.Now(),
	}
	return func(c *fiber.Ctx) error {
		key := "ip:" + c.IP()
		if credential := credentialFromRequest(c); credential != "" {
			key = "key:" + credential
		}
		now := time.Now()
		reservation := l.get(key, now).ReserveN(now, 1)
		if !reservation.OK() {
			m.RateLimited()
			return errorResponse(c, fiber.StatusTooManyRequests, ErrorCodeRateLimited, "rate limit exceeded")
		}
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			m.RateLimited()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(delay.Seconds())+1))
			return errorResponse(c, fiber.StatusTooManyRequests, ErrorCodeRateLimited, "rate limit exceeded")
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(conf.Burst))
		return c.Next()
	}
}
