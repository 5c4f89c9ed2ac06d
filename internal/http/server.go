// Package http serves the lexconverge job API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
	"github.com/fyrsmithlabs/lexconverge/internal/logging"
	"github.com/fyrsmithlabs/lexconverge/internal/telemetry"
)

// JobService is the job control surface. *jobs.Manager satisfies it.
type JobService interface {
	Create(ctx context.Context, req jobs.Request) (string, error)
	Get(id string) (jobs.Job, error)
	Cancel(id string) error
	List() []jobs.Job
	Stats() jobs.Stats
}

// EventSource delivers job events. *nats.Conn satisfies it.
type EventSource interface {
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// Heartbeat is the comment interval on idle event streams.
	Heartbeat time.Duration
}

func defaultConfig() *Config {
	return &Config{
		Host:      "127.0.0.1",
		Port:      9090,
		Heartbeat: 30 * time.Second,
	}
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	jobs     JobService
	events   EventSource
	gatherer prometheus.Gatherer
	tel      *telemetry.Telemetry
	metrics  *HTTPMetrics
	logger   *logging.Logger
	config   *Config
	version  string
}

// Option configures a Server.
type Option func(*Server)

// WithEvents enables GET /api/v1/jobs/:id/events.
func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithGatherer exposes g on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithTelemetry reports telemetry health on GET /health.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.tel = t }
}

// WithHTTPMetrics records request metrics with m.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithVersion sets the version reported on GET /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new HTTP server.
func NewServer(svc JobService, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("job service cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = defaultConfig()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultConfig().Heartbeat
	}

	s := &Server{
		jobs:   svc,
		logger: logger.Named("http"),
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(s.requestLogger)

	s.echo = e
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/jobs", s.handleCreate)
	v1.GET("/jobs", s.handleList)
	v1.GET("/jobs/:id", s.handleGet)
	v1.GET("/jobs/:id/accepted", s.handleAccepted)
	v1.GET("/jobs/:id/events", s.handleEvents)
	v1.DELETE("/jobs/:id", s.handleCancel)
	v1.GET("/stats", s.handleStats)
}

var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// requestLogger stores the request id in the request context and logs
// every request once it completes.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := req.Context()
		if rid := c.Response().Header().Get(echo.HeaderXRequestID); requestIDPattern.MatchString(rid) {
			ctx = logging.WithRequestID(ctx, rid)
			c.SetRequest(req.WithContext(ctx))
		}

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
