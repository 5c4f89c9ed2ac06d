package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
)

// JobService is the job control surface. *jobs.Manager satisfies it.
type JobService interface {
	Create(ctx context.Context, req jobs.Request) (string, error)
	Get(id string) (jobs.Job, error)
	Wait(ctx context.Context, id string) (jobs.Job, error)
	Cancel(id string) error
	List() []jobs.Job
}

// Server serves the job tools over MCP.
type Server struct {
	mcp     *mcp.Server
	jobs    JobService
	metrics *Metrics
	logger  *zap.Logger
	config  *Config
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "lexconverge")
	Name string

	// Version is the server version (default: "0.1.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// MaxWait caps how long extract_references blocks when asked to wait.
	MaxWait time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "lexconverge",
		Version: "0.1.0",
		Logger:  zap.NewNop(),
		MaxWait: 5 * time.Minute,
	}
}

// NewServer creates an MCP server backed by svc.
func NewServer(cfg *Config, svc JobService) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if svc == nil {
		return nil, errors.New("job service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultConfig().MaxWait
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		jobs:    svc,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
		config:  cfg,
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// MCPServer returns the underlying SDK server, for custom transports.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}
