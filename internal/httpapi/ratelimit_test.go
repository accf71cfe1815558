package httpapi

import (
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.Equal(t, classWebhook, classify(fiber.MethodPost, "/api/hooks/event"))
	require.Equal(t, classWrite, classify(fiber.MethodPost, "/api/sessions"))
	require.Equal(t, classDefault, classify(fiber.MethodGet, "/api/sessions"))
	require.Equal(t, classWrite, classify(fiber.MethodDelete, "/api/queue/5/cancel"))
	require.Equal(t, classDefault, classify(fiber.MethodGet, "/api/stats"))
}

func TestRateLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{DefaultPerMin: 2})
	require.True(t, rl.allow("1.2.3.4", classDefault))
	require.True(t, rl.allow("1.2.3.4", classDefault))
	require.False(t, rl.allow("1.2.3.4", classDefault))
}

func TestRateLimiterTracksIPsIndependently(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{DefaultPerMin: 1})
	require.True(t, rl.allow("1.1.1.1", classDefault))
	require.True(t, rl.allow("2.2.2.2", classDefault))
	require.False(t, rl.allow("1.1.1.1", classDefault))
}
