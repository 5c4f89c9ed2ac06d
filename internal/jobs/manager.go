package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/lexconverge/internal/audit"
	"github.com/fyrsmithlabs/lexconverge/internal/convergence"
	"github.com/fyrsmithlabs/lexconverge/internal/logging"
	"github.com/fyrsmithlabs/lexconverge/internal/orchestrator"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const instrumentationName = "github.com/fyrsmithlabs/lexconverge/internal/jobs"

// MaxWorkerLimit bounds the worker pool.
const MaxWorkerLimit = 8

// DefaultRoundCap is the service-wide bound on max_rounds.
const DefaultRoundCap = 7

// Config holds job manager configuration.
type Config struct {
	// MaxWorkers is the number of jobs allowed to run at once (1-8).
	MaxWorkers int

	// Timeout bounds the running time of one job.
	Timeout time.Duration

	// Retention is how long terminal jobs are kept. Zero keeps them forever.
	Retention time.Duration

	// CleanupInterval is how often Start sweeps expired jobs.
	CleanupInterval time.Duration

	// RoundCap clamps the max_rounds a request may ask for.
	RoundCap int

	// Defaults fill the options a request leaves out.
	Defaults orchestrator.Config
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      orchestrator.DefaultMaxWorkers,
		Timeout:         10 * time.Minute,
		Retention:       24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
		RoundCap:        DefaultRoundCap,
		Defaults:        orchestrator.DefaultConfig(),
	}
}

// Validate checks the manager limits.
func (c Config) Validate() error {
	if c.MaxWorkers < 1 || c.MaxWorkers > MaxWorkerLimit {
		return fmt.Errorf("max_workers must be between 1 and %d, got %d", MaxWorkerLimit, c.MaxWorkers)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.RoundCap < 1 || c.RoundCap > convergence.MaxRoundsLimit {
		return fmt.Errorf("round cap must be between 1 and %d, got %d", convergence.MaxRoundsLimit, c.RoundCap)
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if c.Defaults.MaxRounds > c.RoundCap {
		return fmt.Errorf("default max_rounds %d exceeds round cap %d", c.Defaults.MaxRounds, c.RoundCap)
	}
	return nil
}

// Runner executes one convergence run.
type Runner interface {
	Run(ctx context.Context, text string, cfg orchestrator.Config, progress orchestrator.ProgressCallback) (orchestrator.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, text string, cfg orchestrator.Config, progress orchestrator.ProgressCallback) (orchestrator.Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, text string, cfg orchestrator.Config, progress orchestrator.ProgressCallback) (orchestrator.Result, error) {
	return f(ctx, text, cfg, progress)
}

// ExecutorRunner runs each job on a fresh executor from build, so progress
// callbacks never cross jobs.
func ExecutorRunner(build func() (*orchestrator.Executor, error)) Runner {
	return RunnerFunc(func(ctx context.Context, text string, cfg orchestrator.Config, progress orchestrator.ProgressCallback) (orchestrator.Result, error) {
		exec, err := build()
		if err != nil {
			return orchestrator.Result{}, fmt.Errorf("build executor: %w", err)
		}
		exec.OnProgress(progress)
		return exec.Run(ctx, text, cfg)
	})
}

// Manager owns every job from creation until retention expires.
//
// Job fields are only written under mu; readers get deep copies. Once a job
// reaches a terminal status its snapshot is frozen and Get returns it
// unchanged.
type Manager struct {
	runner    Runner
	config    Config
	pool      *semaphore.Weighted
	publisher Publisher
	metrics   *Metrics
	logger    *logging.Logger
	tracer    trace.Tracer

	mu     sync.RWMutex
	jobs   map[string]*entry
	closed bool

	// ctx is cancelled by Close and parents every job.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type entry struct {
	job    Job
	text   string
	cancel context.CancelFunc
	frozen *Job
	done   chan struct{}
}

// ManagerOption configures Manager.
type ManagerOption func(*Manager)

// WithPublisher sets the event publisher. The default drops events.
func WithPublisher(p Publisher) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithMetrics sets the Prometheus instruments.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracer sets the tracer for job spans. The default uses the global
// provider.
func WithTracer(tp trace.TracerProvider) ManagerOption {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// NewManager creates a job manager.
func NewManager(runner Runner, cfg Config, opts ...ManagerOption) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job manager config: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		runner:    runner,
		config:    cfg,
		pool:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		publisher: NopPublisher(),
		logger:    logging.FromContext(context.Background()),
		tracer:    otel.Tracer(instrumentationName),
		jobs:      make(map[string]*entry),
		ctx:       ctx,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Defaults returns the run settings applied to omitted options.
func (m *Manager) Defaults() orchestrator.Config {
	return m.config.Defaults
}

// Create validates req, registers a pending job and queues it. The job
// outlives ctx; only its values (request id, trace) are carried over.
func (m *Manager) Create(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", fmt.Errorf("%w: text is required", ErrInvalidConfig)
	}
	cfg, err := req.Options.Resolve(m.config.Defaults)
	if err != nil {
		return "", err
	}
	cfg.MaxRounds = min(cfg.MaxRounds, m.config.RoundCap)

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{
		job: Job{
			ID:           id,
			Status:       StatusPending,
			CurrentPhase: "queued",
			Config:       cfg,
			TextLength:   len([]rune(req.Text)),
			CreatedAt:    time.Now(),
		},
		text:   req.Text,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	m.jobs[id] = e
	m.metrics.jobCreated()
	m.publish(runCtx, EventCreated, e.job)
	m.wg.Add(1)
	m.mu.Unlock()

	stopAfter := context.AfterFunc(m.ctx, cancel)
	go func() {
		defer m.wg.Done()
		defer stopAfter()
		defer cancel()
		m.execute(logging.WithJobID(runCtx, id), e)
	}()

	m.logger.Info(logging.WithJobID(ctx, id), "job created",
		zap.Int("text_length", e.job.TextLength),
		zap.Int("max_rounds", cfg.MaxRounds),
		zap.Int("acceptance_threshold", cfg.AcceptanceThreshold),
	)
	return id, nil
}

func (m *Manager) execute(ctx context.Context, e *entry) {
	ctx, span := m.tracer.Start(ctx, "jobs.run", trace.WithAttributes(
		attribute.String("job.id", e.job.ID),
		attribute.Int("job.text_length", e.job.TextLength),
	))
	defer span.End()

	if err := m.pool.Acquire(ctx, 1); err != nil {
		// Cancelled while queued.
		m.finish(ctx, e, orchestrator.Result{}, err, false)
		return
	}
	defer m.pool.Release(1)

	m.mu.Lock()
	started := m.transition(ctx, e, StatusRunning, func(j *Job) {
		j.CurrentPhase = "starting"
	})
	m.mu.Unlock()
	if !started {
		return
	}
	m.logger.Info(ctx, "job started")

	runCtx, stop := context.WithTimeout(ctx, m.config.Timeout)
	defer stop()

	res, err := m.runner.Run(runCtx, e.text, e.job.Config, func(p orchestrator.Progress) {
		m.progress(ctx, e, p)
	})
	timedOut := err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	m.finish(ctx, e, res, err, timedOut)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// progress records p unless it would move the job backwards.
func (m *Manager) progress(ctx context.Context, e *entry, p orchestrator.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.job.Status != StatusRunning {
		return
	}
	pct := float64(min(max(p.Percentage, 0), 100))
	if pct < e.job.Progress {
		return
	}
	e.job.Progress = pct
	e.job.Round = p.Round
	e.job.Phase = p.Phase
	e.job.CurrentPhase = p.Message
	m.logger.Debug(logging.WithRound(ctx, p.Round), "job progress",
		zap.String("phase", string(p.Phase)),
		zap.Float64("progress", pct))
	m.publish(ctx, EventProgress, e.job)
}

// finish records the outcome of a run. It is a no-op for a job that is
// already terminal, which discards the results of a cancelled run.
func (m *Manager) finish(ctx context.Context, e *entry, res orchestrator.Result, err error, timedOut bool) {
	var report audit.Report
	if err == nil {
		report = audit.Build(res.Canonical, res.Rounds, res.Decision)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ok bool
	switch {
	case err == nil:
		ok = m.transition(ctx, e, StatusCompleted, func(j *Job) {
			j.Result = res.Canonical
			j.Rounds = res.Rounds
			j.Audit = &report
			j.Progress = 100
			j.CurrentPhase = "completed"
		})
		if ok {
			m.logger.Info(ctx, "job completed",
				zap.Int("rounds", len(res.Rounds)),
				zap.String("decision", string(res.Decision)),
				zap.Int("references", len(res.Canonical)),
				zap.Int("accepted", report.Accepted),
				zap.Float64("grade", report.Grade),
			)
		}

	case timedOut:
		cause := fmt.Errorf("%w after %s", reference.ErrJobTimeout, m.config.Timeout)
		ok = m.transition(ctx, e, StatusFailed, func(j *Job) {
			j.Rounds = res.Rounds
			j.Error = cause.Error()
			j.CurrentPhase = "timed out"
		})
		if ok {
			m.logger.Warn(ctx, "job timed out", zap.Duration("timeout", m.config.Timeout))
		}

	case ctx.Err() != nil:
		ok = m.transition(ctx, e, StatusCancelled, func(j *Job) {
			j.Error = reference.ErrJobCancelled.Error()
			j.CurrentPhase = "cancelled"
		})
		if ok {
			m.logger.Info(ctx, "job cancelled by shutdown")
		}

	default:
		ok = m.transition(ctx, e, StatusFailed, func(j *Job) {
			j.Rounds = res.Rounds
			j.Error = err.Error()
			j.CurrentPhase = "failed"
		})
		if ok {
			m.logger.Warn(ctx, "job failed", zap.Error(err), zap.Int("rounds", len(res.Rounds)))
		}
	}
}

// transition applies mutate and moves e to status. The caller holds mu.
// It returns false when the state machine forbids the move.
func (m *Manager) transition(ctx context.Context, e *entry, to Status, mutate func(*Job)) bool {
	from := e.job.Status
	if !CanTransition(from, to) {
		return false
	}

	if mutate != nil {
		mutate(&e.job)
	}
	now := time.Now()
	e.job.Status = to
	if to == StatusRunning {
		e.job.StartedAt = &now
	}
	if to.IsTerminal() {
		e.job.CompletedAt = &now
		frozen := e.job.clone()
		e.frozen = &frozen
		close(e.done)
	}

	m.metrics.transition(from, e.job)
	m.publish(ctx, eventFor(to), e.job)
	return true
}

func eventFor(s Status) Event {
	switch s {
	case StatusRunning:
		return EventStarted
	case StatusCompleted:
		return EventCompleted
	case StatusFailed:
		return EventFailed
	case StatusCancelled:
		return EventCancelled
	default:
		return EventCreated
	}
}

// publish emits an event. The caller holds mu, which keeps events of one
// job in order.
func (m *Manager) publish(ctx context.Context, ev Event, j Job) {
	data, err := encodeEvent(ev, j)
	if err == nil {
		err = m.publisher.Publish(Subject(j.ID, ev), data)
	}
	m.metrics.event(ev, err)
	if err != nil {
		m.logger.Warn(ctx, "failed to publish job event", zap.String("event", string(ev)), zap.Error(err))
	}
}

// Get returns a snapshot of job id.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.snapshot(), nil
}

func (e *entry) snapshot() Job {
	if e.frozen != nil {
		return e.frozen.clone()
	}
	return e.job.clone()
}

// Wait blocks until job id is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.snapshot(), nil
}

// Cancel stops a pending or running job. Work already dispatched is not
// waited on and its results are discarded.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ctx := logging.WithJobID(m.ctx, id)
	if e.job.Status.IsTerminal() {
		status := e.job.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, status)
	}
	m.transition(ctx, e, StatusCancelled, func(j *Job) {
		j.Error = reference.ErrJobCancelled.Error()
		j.CurrentPhase = "cancelled"
	})
	m.mu.Unlock()

	e.cancel()
	m.logger.Info(ctx, "job cancelled")
	return nil
}

// List returns every job ordered by creation time.
func (m *Manager) List() []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.snapshot())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Stats summarizes the jobs currently held.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`

	// SuccessRate is the percentage of terminal jobs that completed.
	SuccessRate float64 `json:"success_rate"`

	// AverageDuration is the mean running time of completed jobs in seconds.
	AverageDuration float64 `json:"average_duration_seconds"`
}

// Stats returns totals per status, the success rate and the average
// duration of completed jobs.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{ByStatus: make(map[Status]int, len(ValidTransitions))}
	for status := range ValidTransitions {
		s.ByStatus[status] = 0
	}

	terminal, completed := 0, 0
	var total time.Duration
	for _, e := range m.jobs {
		j := e.job
		s.Total++
		s.ByStatus[j.Status]++
		if !j.Status.IsTerminal() {
			continue
		}
		terminal++
		if j.Status == StatusCompleted {
			completed++
			total += j.Duration()
		}
	}
	if terminal > 0 {
		s.SuccessRate = float64(completed) / float64(terminal) * 100
	}
	if completed > 0 {
		s.AverageDuration = (total / time.Duration(completed)).Seconds()
	}
	return s
}

// Cleanup removes terminal jobs that finished more than olderThan ago and
// returns how many were removed.
func (m *Manager) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.jobs {
		if e.frozen == nil || e.frozen.CompletedAt == nil {
			continue
		}
		if e.frozen.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// Start sweeps expired jobs every CleanupInterval until ctx is done or the
// manager is closed. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	if m.config.Retention <= 0 || m.config.CleanupInterval <= 0 {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if n := m.Cleanup(m.config.Retention); n > 0 {
					m.logger.Debug(ctx, "removed expired jobs", zap.Int("count", n))
				}
			}
		}
	}()
}

// Close cancels every unfinished job and waits for their goroutines, up to
// ctx's deadline. Create fails with ErrClosed afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}
