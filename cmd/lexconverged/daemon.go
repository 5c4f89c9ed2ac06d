package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexconverge/internal/agents"
	"github.com/fyrsmithlabs/lexconverge/internal/config"
	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
	"github.com/fyrsmithlabs/lexconverge/internal/logging"
	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/orchestrator"
	"github.com/fyrsmithlabs/lexconverge/internal/reasoning"
	"github.com/fyrsmithlabs/lexconverge/internal/telemetry"
	"github.com/fyrsmithlabs/lexconverge/internal/validation"
)

// daemon holds the components shared by the HTTP and MCP front ends.
type daemon struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	registry  *prometheus.Registry
	abbrevs   *normalize.Registry
	manager   *jobs.Manager

	natsServer *natsserver.Server
	natsConn   *nats.Conn
}

// newLogger builds the structured logger from the observability section.
// With stderr set, console output goes to stderr.
func newLogger(obs config.ObservabilityConfig, stderr bool) (*logging.Logger, error) {
	cfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(obs.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", obs.LogLevel, err)
	}
	cfg.Level = level
	if obs.LogFormat != "" {
		cfg.Format = obs.LogFormat
	}
	if obs.ServiceName != "" {
		cfg.Fields["service"] = obs.ServiceName
	}
	if stderr {
		cfg.Output.Stdout = false
		cfg.Output.Stderr = true
	}
	return logging.NewLogger(cfg, nil)
}

// newDaemon wires telemetry, metrics, the abbreviation table, the agents,
// the validation adapters, the event broker and the job manager. The
// returned daemon owns every resource it opened; call Close on it.
func newDaemon(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *daemon, err error) {
	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = d.Close(context.Background())
		}
	}()

	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.telemetry, err = telemetry.New(ctx,
		telemetry.FromObservability(cfg.Observability, version),
		telemetry.WithLogger(logger.Underlying()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	d.abbrevs, err = normalize.OpenRegistry(cfg.Abbreviations.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load abbreviation table: %w", err)
	}
	if cfg.Abbreviations.Watch {
		if err := d.abbrevs.Watch(ctx, logger.Named("abbreviations").Underlying()); err != nil {
			logger.Warn(ctx, "abbreviation table hot reload disabled", zap.Error(err))
		}
	}

	p, err := newPipeline(cfg, d.abbrevs, d.registry, logger)
	if err != nil {
		return nil, err
	}

	d.natsServer, d.natsConn, err = connectEvents(cfg.NATS)
	if err != nil {
		return nil, err
	}

	opts := []jobs.ManagerOption{
		jobs.WithLogger(logger),
		jobs.WithMetrics(jobs.NewMetrics(d.registry)),
		jobs.WithTracer(d.telemetry.TracerProvider()),
	}
	if d.natsConn != nil {
		opts = append(opts, jobs.WithPublisher(d.natsConn))
	}
	d.manager, err = jobs.NewManager(jobs.ExecutorRunner(p.build), jobsConfig(cfg), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create job manager: %w", err)
	}
	d.manager.Start(ctx)

	logger.Info(ctx, "daemon initialized",
		zap.String("reasoning_provider", cfg.Reasoning.Provider),
		logging.Secret("reasoning_api_key", cfg.Reasoning.APIKey),
		zap.Bool("validation", cfg.Validation.Enabled),
		zap.Bool("events", d.natsConn != nil),
		zap.Int("abbreviations", d.abbrevs.Table().Len()),
		zap.Int("job_workers", cfg.Jobs.MaxWorkers))
	return d, nil
}

// Close stops the job manager and releases the broker and telemetry.
func (d *daemon) Close(ctx context.Context) error {
	var errs []error
	if d.manager != nil {
		if err := d.manager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close job manager: %w", err))
		}
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
		d.natsServer.WaitForShutdown()
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// pipelineDefaults maps the pipeline section onto the per-job defaults.
func pipelineDefaults(p config.PipelineConfig) orchestrator.Config {
	return orchestrator.Config{
		MaxRounds:            p.MaxRounds,
		MaxWorkers:           p.MaxWorkers,
		AcceptanceThreshold:  p.AcceptanceThreshold,
		UseContextResolution: p.UseContextResolution,
		UseInference:         p.UseInference,
		TextLimit:            p.TextLimit,
		AgentRetries:         p.AgentRetries,
		RateLimitRetries:     p.RateLimitRetries,
		InitialBackoff:       p.InitialBackoff,
		MaxBackoff:           p.MaxBackoff,
	}
}

func jobsConfig(cfg *config.Config) jobs.Config {
	return jobs.Config{
		MaxWorkers:      cfg.Jobs.MaxWorkers,
		Timeout:         cfg.Jobs.Timeout,
		Retention:       cfg.Jobs.Retention,
		CleanupInterval: cfg.Jobs.CleanupInterval,
		RoundCap:        cfg.Jobs.RoundCap,
		Defaults:        pipelineDefaults(cfg.Pipeline),
	}
}

// pipeline builds one executor per job over shared clients.
type pipeline struct {
	abbrevs       *normalize.Registry
	completer     reasoning.Completer
	national      validation.National
	supranational validation.Supranational
	workers       int
	logger        *zap.Logger
}

func newPipeline(cfg *config.Config, abbrevs *normalize.Registry, reg prometheus.Registerer, logger *logging.Logger) (*pipeline, error) {
	p := &pipeline{
		abbrevs: abbrevs,
		workers: cfg.Pipeline.MaxWorkers,
		logger:  logger.Named("orchestrator").Underlying(),
	}

	rc := reasoning.Config{
		Provider:  cfg.Reasoning.Provider,
		Model:     cfg.Reasoning.Model,
		APIKey:    cfg.Reasoning.APIKey.Value(),
		BaseURL:   cfg.Reasoning.BaseURL,
		Timeout:   cfg.Reasoning.Timeout,
		RateLimit: cfg.Reasoning.RateLimit,
		Burst:     cfg.Reasoning.Burst,
	}
	if rc.Enabled() {
		completer, err := reasoning.New(rc)
		if err != nil {
			return nil, fmt.Errorf("failed to create reasoning client: %w", err)
		}
		p.completer = completer
	}

	if cfg.Validation.Enabled {
		v := cfg.Validation
		cache := validation.NewCache(v.CacheSize, v.CacheTTL, validation.NewMetrics(reg))
		p.national = validation.NewCachedNational(validation.NewBOEClient(validation.BOEConfig{
			BaseURL:       v.BOEBaseURL,
			Timeout:       v.Timeout,
			RateLimit:     v.RateLimit,
			Burst:         v.Burst,
			FetchArticles: v.FetchArticles,
		}), cache)
		p.supranational = validation.NewCachedSupranational(validation.NewEURLexClient(validation.EURLexConfig{
			Endpoint:  v.EURLexEndpoint,
			Language:  v.Language,
			Timeout:   v.Timeout,
			RateLimit: v.RateLimit,
			Burst:     v.Burst,
		}, normalize.New(abbrevs)), cache)
	}
	return p, nil
}

// build assembles the agents for one job. The scanner is rebuilt per job
// so a reloaded abbreviation table takes effect on the next job.
func (p *pipeline) build() (*orchestrator.Executor, error) {
	n := normalize.New(p.abbrevs)
	scanner := agents.NewScanner(n)

	extractors := make([]agents.Extractor, 0, len(agents.Profiles()))
	for _, profile := range agents.Profiles() {
		if p.completer != nil {
			extractors = append(extractors, agents.NewLLMExtractor(profile, p.completer, scanner))
			continue
		}
		extractors = append(extractors, agents.NewPatternExtractor(profile, scanner))
	}

	resolvers := []agents.Resolver{
		agents.NewContextResolver(scanner),
		agents.NewTitleResolver(n),
		agents.NewNormalizationResolver(n),
	}
	if p.national != nil {
		resolvers = append(resolvers, agents.NewNationalResolver(p.national, n, p.workers))
	}
	if p.supranational != nil {
		resolvers = append(resolvers, agents.NewSupranationalResolver(p.supranational, n, p.workers))
	}
	if p.completer != nil {
		resolvers = append(resolvers, agents.NewInferenceResolver(p.completer, n))
	}
	return orchestrator.NewExecutor(extractors, resolvers, n, p.logger)
}

// connectEvents starts the embedded broker when configured and connects
// the event publisher. Both are nil when events are disabled.
func connectEvents(cfg config.NATSConfig) (*natsserver.Server, *nats.Conn, error) {
	if !cfg.Enabled() {
		return nil, nil, nil
	}

	url := cfg.URL
	var ns *natsserver.Server
	if cfg.Embedded {
		var err error
		ns, err = natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   cfg.Port,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, nil, errors.New("embedded NATS server not ready")
		}
		url = ns.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.Name("lexconverged"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return ns, nc, nil
}
