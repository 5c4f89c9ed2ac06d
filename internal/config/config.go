// Package config provides configuration loading for lexconverge.
//
// Configuration is read from an optional YAML file, overridden by
// environment variables and completed with defaults. Sections map to the
// daemon's components: the HTTP server, the convergence pipeline, the job
// manager, the reasoning provider, the validation adapters, NATS, the
// abbreviation table and observability.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Per-job limits enforced on every request.
const (
	MaxRoundsLimit = 10
	RoundCapLimit  = 7
	MaxWorkerLimit = 8
	MinThreshold   = 50
	MaxThreshold   = 95
)

// Config holds the complete lexconverge configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Jobs          JobsConfig          `koanf:"jobs"`
	Reasoning     ReasoningConfig     `koanf:"reasoning"`
	Validation    ValidationConfig    `koanf:"validation"`
	NATS          NATSConfig          `koanf:"nats"`
	Abbreviations AbbreviationsConfig `koanf:"abbreviations"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// PipelineConfig holds the default per-job pipeline settings.
type PipelineConfig struct {
	MaxRounds            int  `koanf:"max_rounds"`
	AcceptanceThreshold  int  `koanf:"acceptance_threshold"`
	MaxWorkers           int  `koanf:"max_workers"`
	UseContextResolution bool `koanf:"use_context_resolution"`
	UseInference         bool `koanf:"use_inference"`
	TextLimit            int  `koanf:"text_limit"`
	AgentRetries         int  `koanf:"agent_retries"`
	RateLimitRetries     int  `koanf:"rate_limit_retries"`

	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

// JobsConfig holds job manager configuration.
type JobsConfig struct {
	MaxWorkers      int           `koanf:"max_workers"`
	Timeout         time.Duration `koanf:"timeout"`
	Retention       time.Duration `koanf:"retention"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// RoundCap bounds the max_rounds any job may request (1-7).
	RoundCap int `koanf:"round_cap"`
}

// ReasoningConfig selects the extraction backend.
type ReasoningConfig struct {
	// Provider is pattern, anthropic or openai.
	Provider  string        `koanf:"provider"`
	Model     string        `koanf:"model"`
	APIKey    Secret        `koanf:"api_key"`
	BaseURL   string        `koanf:"base_url"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
}

// ValidationConfig configures the BOE and EUR-Lex adapters.
type ValidationConfig struct {
	Enabled        bool          `koanf:"enabled"`
	BOEBaseURL     string        `koanf:"boe_base_url"`
	EURLexEndpoint string        `koanf:"eurlex_endpoint"`
	Language       string        `koanf:"language"`
	Timeout        time.Duration `koanf:"timeout"`
	RateLimit      float64       `koanf:"rate_limit"`
	Burst          int           `koanf:"burst"`
	FetchArticles  bool          `koanf:"fetch_articles"`
	CacheSize      int           `koanf:"cache_size"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`
}

// NATSConfig configures job event publishing.
type NATSConfig struct {
	// URL of an external server. Empty disables publishing unless Embedded.
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	Port     int    `koanf:"port"`
}

// Enabled reports whether job events are published.
func (n NATSConfig) Enabled() bool {
	return n.URL != "" || n.Embedded
}

// AbbreviationsConfig points at the abbreviation override table.
type AbbreviationsConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

// ObservabilityConfig holds logging and OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	OTLPEndpoint    string  `koanf:"otlp_endpoint"`
	OTLPProtocol    string  `koanf:"otlp_protocol"` // grpc or http/protobuf
	OTLPInsecure    bool    `koanf:"otlp_insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
	LogLevel        string  `koanf:"log_level"`
	LogFormat       string  `koanf:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9090,
			ShutdownTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxRounds:            3,
			AcceptanceThreshold:  70,
			MaxWorkers:           4,
			UseContextResolution: true,
			AgentRetries:         3,
			RateLimitRetries:     5,
			InitialBackoff:       500 * time.Millisecond,
			MaxBackoff:           10 * time.Second,
		},
		Jobs: JobsConfig{
			MaxWorkers:      4,
			Timeout:         10 * time.Minute,
			Retention:       24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
			RoundCap:        RoundCapLimit,
		},
		Reasoning: ReasoningConfig{
			Provider:  "pattern",
			Timeout:   60 * time.Second,
			RateLimit: 1,
			Burst:     2,
		},
		Validation: ValidationConfig{
			Enabled:   true,
			Language:  "ES",
			Timeout:   15 * time.Second,
			RateLimit: 2,
			Burst:     2,
			CacheSize: 1024,
			CacheTTL:  24 * time.Hour,
		},
		NATS: NATSConfig{
			Port: -1,
		},
		Observability: ObservabilityConfig{
			ServiceName:  "lexconverge",
			OTLPEndpoint: "localhost:4317",
			OTLPProtocol: "grpc",
			OTLPInsecure: true,
			SamplingRate: 1.0,
			LogLevel:     "info",
			LogFormat:    "json",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	p := c.Pipeline
	if p.MaxRounds < 1 || p.MaxRounds > MaxRoundsLimit {
		errs = append(errs, fmt.Errorf("pipeline.max_rounds must be 1-%d, got %d", MaxRoundsLimit, p.MaxRounds))
	}
	if p.AcceptanceThreshold < MinThreshold || p.AcceptanceThreshold > MaxThreshold {
		errs = append(errs, fmt.Errorf("pipeline.acceptance_threshold must be %d-%d, got %d", MinThreshold, MaxThreshold, p.AcceptanceThreshold))
	}
	if p.MaxWorkers < 1 || p.MaxWorkers > MaxWorkerLimit {
		errs = append(errs, fmt.Errorf("pipeline.max_workers must be 1-%d, got %d", MaxWorkerLimit, p.MaxWorkers))
	}
	if p.TextLimit < 0 {
		errs = append(errs, fmt.Errorf("pipeline.text_limit must not be negative, got %d", p.TextLimit))
	}
	if p.AgentRetries < 1 {
		errs = append(errs, fmt.Errorf("pipeline.agent_retries must be at least 1, got %d", p.AgentRetries))
	}
	if p.RateLimitRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.rate_limit_retries must not be negative, got %d", p.RateLimitRetries))
	}

	if c.Jobs.MaxWorkers < 1 || c.Jobs.MaxWorkers > MaxWorkerLimit {
		errs = append(errs, fmt.Errorf("jobs.max_workers must be 1-%d, got %d", MaxWorkerLimit, c.Jobs.MaxWorkers))
	}
	if c.Jobs.Timeout <= 0 {
		errs = append(errs, errors.New("jobs.timeout must be positive"))
	}
	if c.Jobs.RoundCap < 1 || c.Jobs.RoundCap > RoundCapLimit {
		errs = append(errs, fmt.Errorf("jobs.round_cap must be 1-%d, got %d", RoundCapLimit, c.Jobs.RoundCap))
	} else if p.MaxRounds > c.Jobs.RoundCap {
		errs = append(errs, fmt.Errorf("pipeline.max_rounds %d exceeds jobs.round_cap %d", p.MaxRounds, c.Jobs.RoundCap))
	}

	switch strings.ToLower(c.Reasoning.Provider) {
	case "pattern":
	case "anthropic", "openai":
		if !c.Reasoning.APIKey.IsSet() && c.Reasoning.BaseURL == "" {
			errs = append(errs, fmt.Errorf("reasoning.api_key is required for provider %s", c.Reasoning.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported reasoning.provider: %q", c.Reasoning.Provider))
	}

	if c.Validation.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("validation.cache_size must not be negative, got %d", c.Validation.CacheSize))
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		errs = append(errs, errors.New("service name required when telemetry is enabled"))
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be between 0 and 1, got %g", c.Observability.SamplingRate))
	}

	return errors.Join(errs...)
}
