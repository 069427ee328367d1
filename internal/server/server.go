// Package server is the HTTP front door: Slack Events API and interactivity
// webhooks per tenant, plus probes and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/p-blackswan/knowledge-agent/internal/health"
	"github.com/p-blackswan/knowledge-agent/internal/metrics"
	"github.com/p-blackswan/knowledge-agent/internal/requestid"
	"github.com/p-blackswan/knowledge-agent/internal/tenant"
)

// TenantApp is the part of a tenant app the webhooks drive.
type TenantApp interface {
	SigningSecret() string
	HandleCallbackEvent(ctx context.Context, inner slackevents.EventsAPIInnerEvent)
	HandleInteraction(ctx context.Context, cb slack.InteractionCallback)
}

// Tenants looks up the app serving a tenant.
type Tenants interface {
	Lookup(ctx context.Context, tenantID string) (TenantApp, error)
}

type registryTenants struct{ reg *tenant.Registry }

func (r registryTenants) Lookup(ctx context.Context, tenantID string) (TenantApp, error) {
	app, err := r.reg.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// FromRegistry serves tenants from reg.
func FromRegistry(reg *tenant.Registry) Tenants { return registryTenants{reg: reg} }

// Config holds server settings.
type Config struct {
	ListenAddr string
}

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Server is the Fiber application.
type Server struct {
	app     *fiber.App
	cfg     Config
	tenants Tenants
	checker *health.Checker
	logger  zerolog.Logger

	// Events are processed after the ack, on a context that outlives the
	// request.
	baseCtx  context.Context
	inflight sync.WaitGroup
}

// New creates and configures the server. baseCtx bounds background event
// processing.
func New(baseCtx context.Context, cfg Config, tenants Tenants, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:     app,
		cfg:     cfg,
		tenants: tenants,
		checker: checker,
		logger:  logger.With().Str("component", "http_server").Logger(),
		baseCtx: baseCtx,
	}
	s.setupMiddleware()
	s.setupRoutes(m)
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get("X-Request-ID")
		if reqID == "" {
			_, reqID = requestid.New(context.Background())
		}
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})
}

func (s *Server) setupRoutes(m *metrics.Metrics) {
	s.app.Get("/healthz", s.liveness)
	s.app.Get("/readyz", s.readiness)
	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	sl := s.app.Group("/slack")
	sl.Post("/events/:tenant", s.handleEvents)
	sl.Post("/interactions/:tenant", s.handleInteractions)
}

// Start listens until Shutdown. Blocks.
func (s *Server) Start() error {
	addr := s.cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s.logger.Info().Str("addr", addr).Msg("http server starting")
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for events already acked.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("http server shutting down")
	err := s.app.Shutdown()
	s.Wait()
	return err
}

// Wait blocks until background event processing is done.
func (s *Server) Wait() { s.inflight.Wait() }

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) readiness(c *fiber.Ctx) error {
	report := s.checker.Run(c.Context())
	if !report.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": report.Checks,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": report.Checks})
}

func (s *Server) background(reqID string, fn func(ctx context.Context)) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn(requestid.WithRequestID(s.baseCtx, reqID))
	}()
}

func problem(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}
		return problem(c, code, "internal_error", "Internal Server Error", detail)
	}
}
