package httpapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/agentbus/orchestrator/internal/messagesvc"
)

type webhookEventRequest struct {
	Type         string `json:"type"`
	SessionName  string `json:"session_name"`
	Platform     string `json:"platform"`
	Content      string `json:"content"`
	Role         string `json:"role"`
	SourceID     string `json:"source_id"`
	SourceAuthor string `json:"source_author"`
	Timestamp    string `json:"timestamp"`
}

// handleWebhookEvent ingests a bridge-posted event (spec.md §4.F item 1 /
// §6). It never propagates an error to the caller: the response is
// always 202, and failures are logged only (spec.md §7's propagation
// policy for the message-ingest webhook).
func (s *Server) handleWebhookEvent(c *fiber.Ctx) error {
	var req webhookEventRequest
	if err := c.BodyParser(&req); err != nil {
		s.logger.Warn().Err(err).Msg("malformed webhook payload")
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
	}

	ev := messagesvc.BridgeEvent{
		Type:         req.Type,
		SessionName:  req.SessionName,
		Platform:     req.Platform,
		Content:      req.Content,
		Role:         req.Role,
		SourceID:     req.SourceID,
		SourceAuthor: req.SourceAuthor,
		Timestamp:    req.Timestamp,
	}
	if err := s.deps.Messages.IngestBridgeEvent(ev); err != nil {
		s.logger.Warn().Err(err).Str("session", req.SessionName).Msg("failed to ingest bridge event")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
}
