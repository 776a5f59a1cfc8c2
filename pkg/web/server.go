package web

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	logger   *slog.Logger
	handlers *APIHandlers
	gatherer prometheus.Gatherer
	app      *fiber.App
}

// NewServer builds the API. A nil gatherer serves the default Prometheus registry.
func NewServer(logger *slog.Logger, handlers *APIHandlers, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		logger:   logger.With("module", "api"),
		handlers: handlers,
		gatherer: gatherer,
	}
	s.app = s.newApp()

	return s
}

func (s *Server) newApp() *fiber.App {
	h := s.handlers

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: h.Ready,
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("jobflow")
	})

	app.Get("/health", h.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	app.Get("/queue/stats", h.GetQueueStats)

	jobs := app.Group("/jobs")
	jobs.Get("/:id", h.GetJob)
	jobs.Delete("/:id", h.CancelJob)

	app.Delete("/sessions/:id/jobs", h.CancelSessionJobs)

	w := app.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Get("/:id", h.GetWorkflow)
	w.Get("/:id/result", h.GetWorkflowResult)
	w.Post("/:id/cancel", h.CancelWorkflow)
	w.Post("/:id/pause", h.PauseWorkflow)
	w.Post("/:id/resume", h.ResumeWorkflow)
	w.Post("/:id/stages/:stage/retry", h.RetryStage)

	return app
}

func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on port until Shutdown is called.
func (s *Server) Start(port int) error {
	s.logger.Info("API listening", "port", port)

	return s.app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
