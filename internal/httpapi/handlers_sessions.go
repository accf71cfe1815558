package httpapi

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/agentbus/orchestrator/internal/apierr"
	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
	"github.com/agentbus/orchestrator/internal/store"
)

// maxBulkDelete bounds a single bulk-delete request (spec.md §4.L).
const maxBulkDelete = 20

// agentTypeAllowList is the patchable agent_type enum.
var agentTypeAllowList = map[string]bool{
	"claude": true, "codex": true, "gemini": true, "opencode": true, "": true,
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	filter := store.ListSessionsFilter{
		Status:     c.Query("status"),
		Host:       c.Query("host"),
		NameSubstr: c.Query("q"),
		Sort:       c.Query("sort"),
		Descending: c.Query("order") == "desc",
	}
	if filter.Status != "" && !validSessionStatus(filter.Status) {
		return badRequest(c, "INVALID_STATUS", "unknown status filter")
	}
	if limit, err := strconv.Atoi(c.Query("limit", "0")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset", "0")); err == nil {
		filter.Offset = offset
	}

	sessions, err := s.deps.Store.ListSessions(filter)
	if err != nil {
		if errors.Is(err, apierr.ErrInvalidInput) {
			return badRequest(c, "INVALID_INPUT", err.Error())
		}
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"sessions": viewSessions(sessions)})
}

func validSessionStatus(status string) bool {
	switch status {
	case "active", "idle", "closed":
		return true
	}
	return false
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	name := c.Params("name")
	sess, err := s.deps.Store.GetSession(name)
	if err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}
	count, err := s.deps.Store.CountMessages(name)
	if err != nil {
		return internalError(c, err)
	}
	view := viewSession(sess)
	return c.JSON(fiber.Map{"session": view, "message_count": count})
}

type createSessionRequest struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	AgentType  string `json:"agent_type"`
	WorkingDir string `json:"working_dir"`
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	var req createSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_JSON", "malformed request body")
	}
	if req.Name == "" {
		return badRequest(c, "MISSING_NAME", "name is required")
	}
	if !sessionsvc.IsValidName(req.Name) {
		return badRequest(c, "INVALID_NAME", "name must match ^[A-Za-z0-9_-]+$ and be at most 64 characters")
	}
	if req.AgentType != "" && !agentTypeAllowList[req.AgentType] {
		return badRequest(c, "INVALID_INPUT", "unknown agent_type")
	}

	host := req.Host
	if host == "" {
		host = s.deps.Sessions.DefaultHost()
	}
	if !s.deps.Sessions.HostAllowed(host) {
		return badRequest(c, "INVALID_HOST", "host is not configured")
	}

	if _, err := s.deps.Store.GetSession(req.Name); err == nil {
		return conflict(c, "ALREADY_EXISTS", "a session with this name already exists")
	}

	ctx, cancel := context.WithTimeout(c.Context(), 15*time.Second)
	defer cancel()
	if err := s.deps.Sessions.Create(ctx, host, req.Name, req.WorkingDir); err != nil {
		s.logger.Warn().Err(err).Str("session", req.Name).Msg("tmux create failed")
		return c.Status(fiber.StatusInternalServerError).JSON(errEnvelope("TMUX_CREATE_FAILED", "failed to create tmux session"))
	}

	if err := s.deps.Store.CreateSession(req.Name, host, req.AgentType, req.WorkingDir); err != nil {
		return internalError(c, err)
	}

	sess, err := s.deps.Store.GetSession(req.Name)
	if err != nil {
		return internalError(c, err)
	}
	view := viewSession(sess)
	s.deps.Bus.Publish(bus.SessionCreated(map[string]any{
		"name": sess.Name, "host": sess.Host.String, "status": sess.Status,
	}))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"session": view})
}

func (s *Server) handleDeleteSession(c *fiber.Ctx) error {
	name := c.Params("name")
	sess, err := s.deps.Store.GetSession(name)
	if err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}

	threadsArchived := s.deleteSessionThread(sess)

	ctx, cancel := context.WithTimeout(c.Context(), 15*time.Second)
	defer cancel()
	_, tmuxKilled := s.deps.Sessions.Kill(ctx, name)

	if err := s.deps.Store.DeleteSession(name); err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}
	s.deps.Bus.Publish(bus.SessionClosed(map[string]any{"name": name}))
	return c.JSON(fiber.Map{"deleted": true, "tmux_killed": tmuxKilled, "threads_archived": threadsArchived})
}

// deleteSessionThread applies the configured thread_cleanup action to any
// platform thread anchors the session holds (spec.md §6's thread_cleanup
// configuration key), returning the platforms it acted on.
func (s *Server) deleteSessionThread(sess *store.Session) []string {
	archive := s.cfg.ThreadCleanup != "delete"
	acted := make([]string, 0, 2)
	if sess.DiscordThreadID.Valid && s.deps.Discord != nil {
		if archive {
			_ = s.deps.Discord.SetArchived(sess.DiscordThreadID.String, true)
		} else {
			_ = s.deps.Discord.DeleteThread(sess.DiscordThreadID.String)
		}
		acted = append(acted, "discord")
	}
	if sess.SlackThreadTS.Valid && s.deps.Slack != nil {
		if archive {
			_ = s.deps.Slack.SetArchived(sess.SlackThreadTS.String, true)
		} else {
			_ = s.deps.Slack.DeleteThread(sess.SlackThreadTS.String)
		}
		acted = append(acted, "slack")
	}
	return acted
}

type bulkDeleteRequest struct {
	Names []string `json:"names"`
}

func (s *Server) handleBulkDeleteSessions(c *fiber.Ctx) error {
	var req bulkDeleteRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_JSON", "malformed request body")
	}
	if len(req.Names) == 0 {
		return badRequest(c, "MISSING_NAME", "names is required")
	}
	if len(req.Names) > maxBulkDelete {
		return badRequest(c, "INVALID_INPUT", "at most 20 names per bulk-delete request")
	}

	ctx, cancel := context.WithTimeout(c.Context(), 30*time.Second)
	defer cancel()

	deleted := make([]string, 0, len(req.Names))
	failed := make([]string, 0)
	for _, name := range req.Names {
		sess, err := s.deps.Store.GetSession(name)
		if err != nil {
			failed = append(failed, name)
			continue
		}
		_ = s.deleteSessionThread(sess)
		s.deps.Sessions.Kill(ctx, name)
		if err := s.deps.Store.DeleteSession(name); err != nil {
			failed = append(failed, name)
			continue
		}
		s.deps.Bus.Publish(bus.SessionClosed(map[string]any{"name": name}))
		deleted = append(deleted, name)
	}
	return c.JSON(fiber.Map{"deleted": deleted, "failed": failed})
}

type patchSessionRequest struct {
	AgentType  *string `json:"agent_type"`
	WorkingDir *string `json:"working_dir"`
}

func (s *Server) handlePatchSession(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, err := s.deps.Store.GetSession(name); err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}

	var req patchSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_JSON", "malformed request body")
	}
	if req.AgentType == nil && req.WorkingDir == nil {
		return badRequest(c, "NO_UPDATES", "no recognised fields to update")
	}
	if req.AgentType != nil {
		if !agentTypeAllowList[*req.AgentType] {
			return badRequest(c, "INVALID_INPUT", "unknown agent_type")
		}
		if err := s.deps.Store.PatchSessionAgentType(name, *req.AgentType); err != nil {
			return internalError(c, err)
		}
	}
	if req.WorkingDir != nil {
		if err := s.deps.Store.PatchSessionWorkingDir(name, *req.WorkingDir); err != nil {
			return internalError(c, err)
		}
	}

	sess, err := s.deps.Store.GetSession(name)
	if err != nil {
		return internalError(c, err)
	}
	s.deps.Bus.Publish(bus.SessionUpdated(map[string]any{"name": sess.Name}))
	return c.JSON(fiber.Map{"session": viewSession(sess)})
}

type sendSessionRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSendSession(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, err := s.deps.Store.GetSession(name); err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}

	var req sendSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_JSON", "malformed request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return badRequest(c, "MISSING_MESSAGE", "message is required")
	}

	ctx, cancel := context.WithTimeout(c.Context(), 15*time.Second)
	defer cancel()
	host, ok := s.deps.Sessions.FindHost(ctx, name)
	if !ok {
		return notFound(c, "SESSION_NOT_FOUND", "session not found on any configured host")
	}
	if err := s.deps.Sessions.Send(ctx, host, name, req.Message); err != nil {
		s.logger.Warn().Err(err).Str("session", name).Msg("send failed")
		return c.Status(fiber.StatusInternalServerError).JSON(errEnvelope("SEND_FAILED", "failed to send to session"))
	}
	_ = s.deps.Store.TouchSessionUpdatedAt(name)
	return c.JSON(fiber.Map{"sent": true, "host": host})
}

func (s *Server) handleSessionMessages(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, err := s.deps.Store.GetSession(name); err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	if limit <= 0 {
		limit = 100
	}

	messages, err := s.deps.Store.GetMessages(name, limit, offset)
	if err != nil {
		return internalError(c, err)
	}
	total, err := s.deps.Store.CountMessages(name)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"messages": viewMessages(messages), "total": total})
}

func (s *Server) handleSessionSync(c *fiber.Ctx) error {
	name := c.Params("name")
	sess, err := s.deps.Store.GetSession(name)
	if err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}
	if s.deps.MessageSync == nil {
		return disabled(c, "message sync is not enabled")
	}
	ctx, cancel := context.WithTimeout(c.Context(), 30*time.Second)
	defer cancel()
	n, err := s.deps.MessageSync.PullSession(ctx, sess)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"synced": n})
}

func (s *Server) handleSessionTranscript(c *fiber.Ctx) error {
	name := c.Params("name")
	sess, err := s.deps.Store.GetSession(name)
	if err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}
	if s.deps.Transcript == nil {
		return disabled(c, "transcript ingestion is not enabled")
	}
	ctx, cancel := context.WithTimeout(c.Context(), 30*time.Second)
	defer cancel()
	host := sess.Host.String
	if host == "" {
		host = s.deps.Sessions.DefaultHost()
	}
	n, err := s.deps.Transcript.Tail(ctx, host, sess.Name, sess.WorkingDir.String)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"ingested": n})
}

func (s *Server) handleSessionExport(c *fiber.Ctx) error {
	name := c.Params("name")
	sess, err := s.deps.Store.GetSession(name)
	if err != nil {
		return storeErrorResponse(c, err, "SESSION_NOT_FOUND")
	}
	messages, err := s.deps.Store.GetMessages(name, 100000, 0)
	if err != nil {
		return internalError(c, err)
	}
	c.Set("Content-Disposition", `attachment; filename="`+name+`-export.json"`)
	return c.JSON(fiber.Map{"session": viewSession(sess), "messages": viewMessages(messages)})
}
