package httpapi

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleUsageCurrent(c *fiber.Ctx) error {
	if s.deps.Usage == nil {
		return disabled(c, "usage polling is not enabled")
	}
	out := fiber.Map{}
	for _, provider := range s.deps.Usage.Providers() {
		snap, err := s.deps.Store.LatestUsableSnapshot(provider)
		if err != nil {
			return internalError(c, err)
		}
		if snap == nil {
			continue
		}
		out[provider] = viewUsageSnapshot(snap)
	}
	return c.JSON(fiber.Map{"usage": out})
}

func (s *Server) handleUsageHistory(c *fiber.Ctx) error {
	if s.deps.Usage == nil {
		return disabled(c, "usage polling is not enabled")
	}
	provider := c.Query("provider")
	if provider == "" {
		return badRequest(c, "INVALID_INPUT", "provider query parameter is required")
	}
	limit, _ := strconv.Atoi(c.Query("limit", "100"))

	history, err := s.deps.Store.UsageHistory(provider, limit)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"history": viewUsageSnapshots(history)})
}

func (s *Server) handleUsageSummary(c *fiber.Ctx) error {
	if s.deps.Usage == nil {
		return disabled(c, "usage polling is not enabled")
	}
	summary := fiber.Map{}
	for _, provider := range s.deps.Usage.Providers() {
		snap, err := s.deps.Store.LatestUsableSnapshot(provider)
		if err != nil {
			return internalError(c, err)
		}
		entry := fiber.Map{"provider": provider, "polled": false}
		if snap != nil {
			entry["polled"] = true
			entry["polled_at"] = snap.PolledAt
			entry["requests_remaining"] = snap.RequestsRemaining.Int64
			entry["tokens_remaining"] = snap.TokensRemaining.Int64
		}
		summary[provider] = entry
	}
	return c.JSON(fiber.Map{"summary": summary})
}
