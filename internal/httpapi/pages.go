package httpapi

import (
	"html"
	"time"

	"github.com/gofiber/fiber/v2"
)

// handleLoginPage serves a minimal credential-entry form. Full templated
// dashboard HTML is out of scope here; this page exists only to issue the
// signed cookie that lets the dashboard's own JS bundle authenticate.
func (s *Server) handleLoginPage(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	next := html.EscapeString(validatedNext(c.Query("next", "/")))
	return c.SendString(`<!doctype html><html><body>
<form method="post" action="/login?next=` + next + `">
<input type="password" name="token" placeholder="dashboard token" autofocus>
<button type="submit">Sign in</button>
</form>
</body></html>`)
}

type loginRequest struct {
	Token string `json:"token" form:"token"`
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "INVALID_JSON", "malformed request body")
	}
	if !bearerMatches(req.Token, s.cfg.DashboardToken) {
		return c.Status(fiber.StatusUnauthorized).JSON(errEnvelope("UNAUTHORIZED", "invalid token"))
	}

	now := time.Now().Unix()
	c.Cookie(&fiber.Cookie{
		Name:     CookieName,
		Value:    signCookieValue(s.cfg.DashboardToken, now),
		Expires:  time.Now().Add(cookieLifetime),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})

	next := validatedNext(c.Query("next", "/"))
	return c.Redirect(next, fiber.StatusFound)
}

func (s *Server) handleLogout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:     CookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.Redirect("/login", fiber.StatusFound)
}
