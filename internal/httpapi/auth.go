package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// CookieName is the browser session cookie carrying the signed timestamp
// credential (spec.md §4.L).
const CookieName = "orchestrator_session"

// cookieLifetime bounds how old a signed cookie may be before it is
// rejected.
const cookieLifetime = 24 * time.Hour

// authBypassPrefixes never require a credential (spec.md §4.L).
var authBypassPrefixes = []string{
	"/healthz",
	"/api/hooks/",
	"/api/install.sh",
	"/static/",
	"/login",
	"/logout",
}

func bypassesAuth(path string) bool {
	for _, p := range authBypassPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// signCookieValue builds the `{unix_ts}.{hmac_sha256(ts)}` cookie value
// for the given secret (spec.md §4.L).
func signCookieValue(secret string, ts int64) string {
	return fmt.Sprintf("%d.%s", ts, hmacHex(secret, ts))
}

func hmacHex(secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyCookieValue checks a cookie value's HMAC and 24h lifetime.
func verifyCookieValue(secret, value string) bool {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false
	}
	if time.Since(time.Unix(ts, 0)) > cookieLifetime {
		return false
	}
	expected := hmacHex(secret, ts)
	return hmac.Equal([]byte(expected), []byte(parts[1]))
}

// bearerMatches performs a timing-safe comparison of the supplied Bearer
// token against the configured dashboard token.
func bearerMatches(token, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(configured)) == 1
}

// authCredential reports whether req carries a valid Bearer token or a
// valid signed cookie.
func (s *Server) authCredential(c *fiber.Ctx) bool {
	if auth := c.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		if bearerMatches(token, s.cfg.DashboardToken) {
			return true
		}
	}
	if cookie := c.Cookies(CookieName); cookie != "" {
		if verifyCookieValue(s.cfg.DashboardToken, cookie) {
			return true
		}
	}
	return false
}

// isBrowserNavigation reports whether a request looks like a top-level
// browser navigation rather than a programmatic/API/websocket call
// (spec.md §4.L: Accept names HTML, path not under /api/ or /ws).
func isBrowserNavigation(c *fiber.Ctx) bool {
	path := c.Path()
	if strings.HasPrefix(path, "/api/") || path == "/ws" {
		return false
	}
	return strings.Contains(c.Get("Accept"), "text/html")
}

// validatedNext returns next if it is a single-leading-slash relative
// path, otherwise "/".
func validatedNext(next string) string {
	if strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") {
		if u, err := url.Parse(next); err == nil && u.Scheme == "" && u.Host == "" {
			return next
		}
	}
	return "/"
}

// AuthMiddleware enforces spec.md §4.L's auth contract. Dev mode
// (no DashboardToken configured) allows every request.
func AuthMiddleware(s *Server, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.cfg.AuthEnabled() {
			return c.Next()
		}
		if bypassesAuth(c.Path()) {
			return c.Next()
		}
		if s.authCredential(c) {
			return c.Next()
		}

		if isBrowserNavigation(c) {
			next := validatedNext(c.Path())
			return c.Redirect("/login?next="+url.QueryEscape(next), fiber.StatusFound)
		}

		logger.Warn().Str("path", c.Path()).Str("ip", c.IP()).Msg("unauthorized request")
		return c.Status(fiber.StatusUnauthorized).JSON(errEnvelope("UNAUTHORIZED", "missing or invalid credentials"))
	}
}

// wsAuthCredential checks the websocket upgrade's credential, which may
// arrive as a query parameter (coder/websocket's Accept happens before
// any custom header exchange, so the query carrier is the pragmatic
// choice for browser EventSource-style connections), a Bearer header, or
// the signed cookie. The upgrade handler is a plain net/http.Handler (it
// runs under fiber's adaptor), so this works from *http.Request directly
// rather than through fiber.Ctx.
func (s *Server) wsAuthCredential(r *http.Request) bool {
	if !s.cfg.AuthEnabled() {
		return true
	}
	if token := r.URL.Query().Get("token"); token != "" && bearerMatches(token, s.cfg.DashboardToken) {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if bearerMatches(strings.TrimPrefix(auth, "Bearer "), s.cfg.DashboardToken) {
			return true
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		if verifyCookieValue(s.cfg.DashboardToken, cookie.Value) {
			return true
		}
	}
	return false
}
