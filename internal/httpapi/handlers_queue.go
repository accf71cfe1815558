package httpapi

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/agentbus/orchestrator/internal/bus"
)

func (s *Server) handleQueueList(c *fiber.Ctx) error {
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.Query("limit", "100"))

	entries, err := s.deps.Store.ListCommandQueue(status, limit)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"queue": viewQueueEntries(entries)})
}

type queueAddRequest struct {
	SessionName string `json:"session_name"`
	Host        string `json:"host"`
	Command     string `json:"command"`
	Priority    int    `json:"priority"`
}

func (s *Server) handleQueueAdd(c *fiber.Ctx) error {
	var req queueAddRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_JSON", "malformed request body")
	}
	if strings.TrimSpace(req.SessionName) == "" {
		return badRequest(c, "MISSING_NAME", "session_name is required")
	}
	if strings.TrimSpace(req.Command) == "" {
		return badRequest(c, "INVALID_INPUT", "command is required")
	}

	sess, err := s.deps.Store.GetSession(req.SessionName)
	if err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}
	host := req.Host
	if host == "" {
		host = sess.Host.String
	}

	entry, err := s.deps.Store.EnqueueCommand(req.SessionName, host, req.Command, req.Priority)
	if err != nil {
		return internalError(c, err)
	}
	s.deps.Bus.Publish(bus.CommandQueued(map[string]any{
		"id": entry.ID, "session_name": entry.SessionName, "command": entry.Command,
	}))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"entry": viewQueueEntry(entry)})
}

func (s *Server) handleQueueCancel(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return badRequest(c, "INVALID_INPUT", "id must be numeric")
	}
	if err := s.deps.Store.CancelCommandQueueEntry(id); err != nil {
		return storeErrorResponse(c, err, "UNKNOWN_KEY")
	}
	return c.JSON(fiber.Map{"cancelled": id})
}

// handleQueueExecute drains every pending entry immediately rather than
// waiting for the usage poller's reset-triggered drain (spec.md §4.J),
// sending each to its session via the two-stage tmux protocol.
func (s *Server) handleQueueExecute(c *fiber.Ctx) error {
	entries, err := s.deps.Store.PendingCommands(50)
	if err != nil {
		return internalError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Context(), 60*time.Second)
	defer cancel()

	executed := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if err := s.deps.Store.SetCommandQueueExecuting(entry.ID); err != nil {
			continue
		}
		host, ok := s.deps.Sessions.FindHost(ctx, entry.SessionName)
		if !ok {
			_ = s.deps.Store.FailCommandQueueEntry(entry.ID, "session not found on any configured host")
			s.deps.Bus.Publish(bus.CommandFailed(map[string]any{"id": entry.ID}))
			continue
		}
		if err := s.deps.Sessions.Send(ctx, host, entry.SessionName, entry.Command); err != nil {
			_ = s.deps.Store.FailCommandQueueEntry(entry.ID, err.Error())
			s.deps.Bus.Publish(bus.CommandFailed(map[string]any{"id": entry.ID}))
			continue
		}
		_ = s.deps.Store.CompleteCommandQueueEntry(entry.ID)
		s.deps.Bus.Publish(bus.CommandExecuted(map[string]any{"id": entry.ID, "session_name": entry.SessionName}))
		executed = append(executed, entry.ID)
	}
	return c.JSON(fiber.Map{"executed": executed})
}
