package httpapi

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// bucketClass names the three rate-limit tiers of spec.md §4.L.
type bucketClass string

const (
	classWebhook bucketClass = "webhook"
	classWrite   bucketClass = "write"
	classDefault bucketClass = "default"
)

// RateLimitConfig holds the three tiers' requests-per-minute budgets.
type RateLimitConfig struct {
	WebhookPerMin int
	WritePerMin   int
	DefaultPerMin int
}

const rateLimitWindow = 60 * time.Second

// classify maps a request to its rate-limit tier (spec.md §4.L / §5):
// webhooks get their own generous ceiling; writes to session-mutating
// endpoints get the strictest; everything else gets the default.
func classify(method, path string) bucketClass {
	if strings.HasPrefix(path, "/api/hooks/") {
		return classWebhook
	}
	if strings.HasPrefix(path, "/api/sessions") && method != fiber.MethodGet {
		return classWrite
	}
	if strings.HasPrefix(path, "/api/queue") && method != fiber.MethodGet {
		return classWrite
	}
	return classDefault
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter is a per-(IP, path-prefix) token bucket, refilled
// continuously at rate = capacity/window (spec.md §5's token-bucket
// definition), implemented with golang.org/x/time/rate rather than the
// hand-rolled bucket the teacher's own middleware used, since this is
// the idiomatic ecosystem choice for exactly this shape of limiter.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	cfg     RateLimitConfig
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.WebhookPerMin <= 0 {
		cfg.WebhookPerMin = 60
	}
	if cfg.WritePerMin <= 0 {
		cfg.WritePerMin = 30
	}
	if cfg.DefaultPerMin <= 0 {
		cfg.DefaultPerMin = 120
	}
	rl := &rateLimiter{
		buckets: make(map[string]*limiterEntry),
		cfg:     cfg,
	}
	go rl.evictLoop()
	return rl
}

func (rl *rateLimiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for key, e := range rl.buckets {
			if time.Since(e.lastSeen) > 10*time.Minute {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) perMinute(class bucketClass) int {
	switch class {
	case classWebhook:
		return rl.cfg.WebhookPerMin
	case classWrite:
		return rl.cfg.WritePerMin
	default:
		return rl.cfg.DefaultPerMin
	}
}

// allow reports whether a request from ip against class's bucket is
// permitted, lazily creating the bucket on first sight.
func (rl *rateLimiter) allow(ip string, class bucketClass) bool {
	key := ip + "|" + string(class)
	perMin := rl.perMinute(class)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.buckets[key]
	if !ok {
		limit := rate.Limit(float64(perMin) / rateLimitWindow.Seconds())
		e = &limiterEntry{limiter: rate.NewLimiter(limit, perMin)}
		rl.buckets[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// RateLimitMiddleware enforces the per-(IP, path-prefix) token bucket.
func RateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	rl := newRateLimiter(cfg)
	return func(c *fiber.Ctx) error {
		path := c.Path()
		// Probe/static/auth-page endpoints are never throttled; webhook
		// ingestion still goes through the webhook-class bucket below.
		if bypassesAuth(path) && !strings.HasPrefix(path, "/api/hooks/") {
			return c.Next()
		}

		class := classify(c.Method(), path)
		if !rl.allow(c.IP(), class) {
			c.Set("Retry-After", fmt.Sprintf("%d", int(rateLimitWindow.Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(errEnvelope("RATE_LIMITED", "rate limit exceeded"))
		}
		return c.Next()
	}
}
