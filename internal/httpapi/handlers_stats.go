package httpapi

import "github.com/gofiber/fiber/v2"

func (s *Server) handleStats(c *fiber.Ctx) error {
	stats, err := s.deps.Store.Stats()
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{
		"sessions_by_status": stats.SessionsByStatus,
		"messages_total":     stats.MessagesTotal,
		"messages_last_24h":  stats.MessagesLast24h,
		"active_hosts":       stats.ActiveHosts,
	})
}
