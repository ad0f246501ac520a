package api

import (
	"context"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/config"
	"github.com/vulnscope/internal/service"
)

// Server exposes the service over HTTP
type Server struct {
	app  *fiber.App
	svc  *service.Service
	cfg  config.ServerConfig
	done chan struct{}
	once sync.Once
}

// NewServer creates the fiber app and registers every route
func NewServer(svc *service.Service, cfg config.ServerConfig) *Server {
	s := &Server{
		svc:  svc,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		AppName:      "vulnscope",
		ErrorHandler: errorHandler,
	})
	app.Use(cors.New(cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Origin", "Accept", userHeader, correlationHeader},
		AllowOrigins:  cfg.CORSOrigins,
		ExposeHeaders: []string{correlationHeader, "Content-Disposition", "Content-Transfer-Encoding"},
	}))
	app.Use(s.observe)

	// Define routes
	app.Get("/healthz", s.HealthHandler)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	api.Get("/tiers", s.TiersHandler)

	api.Post("/scans", s.withUser(s.StartCrawlHandler))
	api.Post("/scans/vulnerability", s.withUser(s.StartVulnerabilityHandler))
	api.Get("/scans", s.withUser(s.HistoryHandler))
	api.Get("/scans/active", s.withUser(s.ActiveHandler))
	api.Get("/scans/progress", s.withUser(s.ProgressHandler))
	api.Get("/scans/:id", s.withUser(s.ScanHandler))
	api.Get("/scans/:id/results", s.withUser(s.ResultsHandler))
	api.Get("/scans/:id/report", s.withUser(s.ReportHandler))

	api.Post("/auth/test", s.withUser(s.AuthTestHandler))

	api.Get("/subscription", s.withUser(s.SubscriptionHandler))
	api.Put("/subscription", s.withUser(s.UpdateSubscriptionHandler))

	s.app = app
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called
func (s *Server) Listen() error {
	logrus.Infof("API listening on %s", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown ends open progress streams and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })
	return s.app.ShutdownWithContext(ctx)
}

// errorHandler renders errors that escaped a handler in the common error shape
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Unexpected internal error occurred."
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	} else {
		logrus.Errorf("Unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(response{Error: true, Message: message})
}
