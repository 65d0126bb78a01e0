// Package server is the HTTP front end: a single-page UI plus the JSON API
// it drives.
package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/manash/tryon/internal/metrics"
	"github.com/manash/tryon/internal/session"
)

const sessionCookie = "tryon_session"

type Options struct {
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	// RateLimit applies to the generate endpoint only; zero disables it.
	RateLimit float64
	RateBurst int
	Version   string
}

type Server struct {
	app      *fiber.App
	opts     Options
	sessions *session.Manager
	runner   *session.Runner
	metrics  *metrics.Collector
	logger   *log.Logger
}

// New wires routes immediately. ctx bounds background helpers such as the
// rate limiter's visitor cleanup.
func New(ctx context.Context, opts Options, sessions *session.Manager, runner *session.Runner, collector *metrics.Collector, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}

	s := &Server{
		opts:     opts,
		sessions: sessions,
		runner:   runner,
		metrics:  collector,
		logger:   logger,
	}

	// Values from the request outlive the handler as session map keys and
	// metric labels, so they must not alias fasthttp's reused buffers.
	s.app = fiber.New(fiber.Config{
		AppName:               "tryon",
		Immutable:             true,
		BodyLimit:             opts.BodyLimit,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	s.app.Use(recover.New())
	s.app.Use(RequestLogger(logger, collector))
	s.app.Use(cors.New(corsConfig(opts.CORSOrigins)))

	s.addRoutes(ctx)
	return s
}

func corsConfig(origins []string) cors.Config {
	allowed := strings.Join(origins, ",")
	if allowed == "" {
		allowed = "*"
	}
	return cors.Config{
		AllowOrigins:     allowed,
		AllowCredentials: allowed != "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Content-Type,Accept,Origin,X-Request-Id",
		ExposeHeaders:    "X-Request-Id,Content-Disposition",
	}
}

func (s *Server) addRoutes(ctx context.Context) {
	s.app.Get("/", s.Index())
	s.app.Get("/health", s.Health())
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	api := s.app.Group("/api/sessions")
	api.Post("/", s.CreateSession())
	api.Get("/:id", s.GetSession())
	api.Delete("/:id", s.DeleteSession())
	api.Put("/:id/slots/:role", s.SetSlot())
	api.Delete("/:id/slots/:role", s.ClearSlot())
	api.Get("/:id/slots/:role/preview", s.Preview())
	api.Post("/:id/reset", s.Reset())
	api.Get("/:id/result", s.Result())

	generate := []fiber.Handler{}
	if s.opts.RateLimit > 0 {
		generate = append(generate, RateLimiter(ctx, s.opts.RateLimit, s.opts.RateBurst, s.logger.With("component", "ratelimit")))
	}
	generate = append(generate, s.Generate())
	api.Post("/:id/generate", generate...)
}

// App exposes the fiber app, mainly so tests can drive it with app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// handleError renders errors that escape handlers, including fiber's own
// (unknown route, body too large).
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{
			Error:   errorCode(fe.Code),
			Message: fe.Message,
		})
	}

	HttpLogger(s.logger, "error", c).Error("unhandled error", "err", err)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error:   "internal_error",
		Message: err.Error(),
	})
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusBadRequest:
		return "bad_request"
	default:
		return strings.ToLower(strings.ReplaceAll(utils.StatusMessage(status), " ", "_"))
	}
}
