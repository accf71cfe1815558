package httpapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// prefKeys enumerates the dashboard's user-preference key family under
// the `pref:` namespace (spec.md §3). Unknown keys are rejected rather
// than allowing free-form clutter into the kv table.
var prefKeys = map[string]bool{
	"theme":               true,
	"default_host":        true,
	"notifications":       true,
	"sidebar_collapsed":   true,
	"transcript_preview":  true,
}

const prefPrefix = "pref:"

func (s *Server) handleGetPrefs(c *fiber.Ctx) error {
	stored, err := s.deps.Store.ListKVPrefix(prefPrefix)
	if err != nil {
		return internalError(c, err)
	}
	out := make(fiber.Map, len(stored))
	for k, v := range stored {
		out[strings.TrimPrefix(k, prefPrefix)] = v
	}
	return c.JSON(fiber.Map{"prefs": out})
}

func (s *Server) handlePutPrefs(c *fiber.Ctx) error {
	var req map[string]string
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_JSON", "malformed request body")
	}
	if len(req) == 0 {
		return badRequest(c, "NO_UPDATES", "no recognised fields to update")
	}
	for k, v := range req {
		if !prefKeys[k] {
			return badRequest(c, "INVALID_INPUT", "unknown preference key: "+k)
		}
		if err := s.deps.Store.SetKV(prefPrefix+k, v); err != nil {
			return internalError(c, err)
		}
	}
	return c.JSON(fiber.Map{"updated": true})
}

// settingWritableKeys are administrator-controlled settings the API can
// mutate (spec.md §4.L: settings are "split between user-writable and
// runtime-derived keys"). Everything else under `setting:` is computed
// by the control plane and exposed read-only.
var settingWritableKeys = map[string]bool{
	"new_session_agent": true,
	"thread_cleanup":    true,
	"poll_interval":     true,
}

const settingPrefix = "setting:"

func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	stored, err := s.deps.Store.ListKVPrefix(settingPrefix)
	if err != nil {
		return internalError(c, err)
	}
	writable := fiber.Map{}
	derived := fiber.Map{
		"new_session_agent": s.cfg.NewSessionAgent,
		"thread_cleanup":    s.cfg.ThreadCleanup,
		"poll_interval":     s.cfg.PollInterval,
		"discord_enabled":   s.cfg.DiscordEnabled(),
		"slack_enabled":     s.cfg.SlackEnabled(),
		"auth_enabled":      s.cfg.AuthEnabled(),
	}
	for k, v := range stored {
		name := strings.TrimPrefix(k, settingPrefix)
		if settingWritableKeys[name] {
			writable[name] = v
		}
	}
	return c.JSON(fiber.Map{"settings": writable, "runtime": derived})
}

func (s *Server) handlePutSettings(c *fiber.Ctx) error {
	var req map[string]string
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_JSON", "malformed request body")
	}
	if len(req) == 0 {
		return badRequest(c, "NO_UPDATES", "no recognised fields to update")
	}
	for k, v := range req {
		if !settingWritableKeys[k] {
			return badRequest(c, "INVALID_INPUT", "setting is not user-writable: "+k)
		}
		if err := s.deps.Store.SetKV(settingPrefix+k, v); err != nil {
			return internalError(c, err)
		}
	}
	return c.JSON(fiber.Map{"updated": true})
}
