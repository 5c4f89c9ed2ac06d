package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/lexconverge/internal/agents"
	"github.com/fyrsmithlabs/lexconverge/internal/convergence"
	"github.com/fyrsmithlabs/lexconverge/internal/logging"
	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/orchestrator"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
	"github.com/fyrsmithlabs/lexconverge/internal/telemetry"
)

const waitTimeout = 5 * time.Second

func sampleResult() orchestrator.Result {
	set := []reference.CanonicalReference{
		{
			CanonicalKey: "constitucion espanola#24", Kind: reference.KindArticle,
			FinalConfidence: 92, Accepted: true, ValidationStatus: reference.StatusValidated,
			CorroboratingAgents: []string{"conservative", "exhaustive"},
		},
		{
			CanonicalKey: "ley:39/2015#21", Kind: reference.KindArticle,
			FinalConfidence: 60, NeedsReview: true, ValidationStatus: reference.StatusUnvalidated,
			CorroboratingAgents: []string{"exploratory"},
		},
	}
	return orchestrator.Result{
		Canonical: set,
		Rounds: []reference.Round{
			{RoundNumber: 1, Merged: reference.CloneSet(set), DeltaFromPrevious: 2},
			{RoundNumber: 2, Merged: reference.CloneSet(set)},
		},
		Decision: convergence.StopConverged,
	}
}

func progressAt(pct int, msg string) orchestrator.Progress {
	return orchestrator.Progress{Round: 1, Phase: orchestrator.PhaseExtracting, Message: msg, Percentage: pct}
}

// instantRunner reports two progress updates and returns sampleResult.
func instantRunner() Runner {
	return RunnerFunc(func(_ context.Context, _ string, _ orchestrator.Config, progress orchestrator.ProgressCallback) (orchestrator.Result, error) {
		progress(progressAt(30, "extraction round 1"))
		progress(progressAt(60, "resolution round 1: normalization"))
		return sampleResult(), nil
	})
}

// blockingRunner holds every run until release is closed.
type blockingRunner struct {
	started      chan string
	release      chan struct{}
	ignoreCancel bool
	running      atomic.Int32
	peak         atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 16), release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, text string, _ orchestrator.Config, progress orchestrator.ProgressCallback) (orchestrator.Result, error) {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	progress(progressAt(10, "extraction round 1"))
	r.started <- text

	if r.ignoreCancel {
		<-r.release
		return sampleResult(), nil
	}
	select {
	case <-r.release:
		return sampleResult(), nil
	case <-ctx.Done():
		return orchestrator.Result{}, ctx.Err()
	}
}

func (r *blockingRunner) awaitStart(t *testing.T) string {
	t.Helper()
	select {
	case text := <-r.started:
		return text
	case <-time.After(waitTimeout):
		t.Fatal("runner did not start")
		return ""
	}
}

func newTestManager(t *testing.T, runner Runner, mutate func(*Config), opts ...ManagerOption) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(runner, cfg, append([]ManagerOption{WithLogger(logging.NewTestLogger().Logger)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func waitJob(t *testing.T, m *Manager, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	j, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return j
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxWorkers = 9
	_, err = NewManager(instantRunner(), cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Timeout = 0
	_, err = NewManager(instantRunner(), cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.RoundCap = 2
	_, err = NewManager(instantRunner(), cfg)
	assert.Error(t, err, "default max_rounds above the cap")
}

func TestManager_CompletesJob(t *testing.T) {
	m := newTestManager(t, instantRunner(), nil)

	id, err := m.Create(context.Background(), Request{Text: "El artículo 24 CE."})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j := waitJob(t, m, id)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, float64(100), j.Progress)
	assert.Len(t, j.Result, 2)
	assert.Len(t, j.Rounds, 2)
	require.NotNil(t, j.Audit)
	assert.Equal(t, 2, j.Audit.Total)
	assert.Empty(t, j.Error)
	require.NotNil(t, j.StartedAt)
	require.NotNil(t, j.CompletedAt)
	assert.False(t, j.CompletedAt.Before(*j.StartedAt))
	assert.Len(t, j.Accepted(), 1)
	assert.Equal(t, len([]rune("El artículo 24 CE.")), j.TextLength)

	// Terminal snapshots never change.
	first, err := m.Get(id)
	require.NoError(t, err)
	first.Result[0].FinalConfidence = 1
	second, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, j, second)
}

func TestManager_Create_Invalid(t *testing.T) {
	m := newTestManager(t, instantRunner(), nil)

	_, err := m.Create(context.Background(), Request{Text: "   "})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = m.Create(context.Background(), Request{Text: "art. 24 CE", Options: Options{MaxRounds: ptr(11)}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Empty(t, m.List())
}

func TestManager_Create_AppliesOptions(t *testing.T) {
	seen := make(chan orchestrator.Config, 1)
	m := newTestManager(t, RunnerFunc(func(_ context.Context, _ string, cfg orchestrator.Config, _ orchestrator.ProgressCallback) (orchestrator.Result, error) {
		seen <- cfg
		return orchestrator.Result{Decision: convergence.StopRoundCap}, nil
	}), nil)

	id, err := m.Create(context.Background(), Request{
		Text:    "art. 24 CE",
		Options: Options{MaxRounds: ptr(1), UseInference: ptr(true)},
	})
	require.NoError(t, err)

	cfg := <-seen
	assert.Equal(t, 1, cfg.MaxRounds)
	assert.True(t, cfg.UseInference)
	assert.Equal(t, m.Defaults().AcceptanceThreshold, cfg.AcceptanceThreshold)

	j := waitJob(t, m, id)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, cfg, j.Config)
}

func TestManager_Create_ClampsToRoundCap(t *testing.T) {
	seen := make(chan orchestrator.Config, 1)
	m := newTestManager(t, RunnerFunc(func(_ context.Context, _ string, cfg orchestrator.Config, _ orchestrator.ProgressCallback) (orchestrator.Result, error) {
		seen <- cfg
		return orchestrator.Result{Decision: convergence.StopRoundCap}, nil
	}), nil)

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE", Options: Options{MaxRounds: ptr(10)}})
	require.NoError(t, err)

	cfg := <-seen
	assert.Equal(t, DefaultRoundCap, cfg.MaxRounds)
	assert.Equal(t, DefaultRoundCap, waitJob(t, m, id).Config.MaxRounds)
}

func TestManager_FailedRun(t *testing.T) {
	rounds := []reference.Round{{RoundNumber: 1, Failed: true}, {RoundNumber: 2, Failed: true}}
	m := newTestManager(t, RunnerFunc(func(context.Context, string, orchestrator.Config, orchestrator.ProgressCallback) (orchestrator.Result, error) {
		return orchestrator.Result{Rounds: rounds, Decision: convergence.StopFailed},
			fmt.Errorf("%w: 2 consecutive rounds without output", reference.ErrRoundFailed)
	}), nil)

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)

	j := waitJob(t, m, id)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, j.Error, reference.ErrRoundFailed.Error())
	assert.Nil(t, j.Result)
	assert.Nil(t, j.Audit)
	assert.Len(t, j.Rounds, 2)
}

func TestManager_Timeout(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, func(c *Config) { c.Timeout = 20 * time.Millisecond })

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)

	j := waitJob(t, m, id)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, j.Error, reference.ErrJobTimeout.Error())
	assert.Nil(t, j.Result)
}

func TestManager_CancelRunning(t *testing.T) {
	runner := newBlockingRunner()
	runner.ignoreCancel = true
	m := newTestManager(t, runner, nil)

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)
	runner.awaitStart(t)

	require.NoError(t, m.Cancel(id))

	j, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.Equal(t, reference.ErrJobCancelled.Error(), j.Error)

	// The run finishes after cancellation; its result is discarded.
	close(runner.release)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	after, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, j, after)
	assert.Nil(t, after.Result)

	assert.ErrorIs(t, m.Cancel(id), ErrJobTerminal)
	assert.ErrorIs(t, m.Cancel("missing"), ErrNotFound)
}

func TestManager_CancelPending(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, func(c *Config) { c.MaxWorkers = 1 })

	first, err := m.Create(context.Background(), Request{Text: "first"})
	require.NoError(t, err)
	assert.Equal(t, "first", runner.awaitStart(t))

	second, err := m.Create(context.Background(), Request{Text: "second"})
	require.NoError(t, err)

	j, err := m.Get(second)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)

	require.NoError(t, m.Cancel(second))
	close(runner.release)

	assert.Equal(t, StatusCompleted, waitJob(t, m, first).Status)

	j = waitJob(t, m, second)
	assert.Equal(t, StatusCancelled, j.Status)
	assert.Nil(t, j.StartedAt)

	select {
	case text := <-runner.started:
		t.Fatalf("cancelled job %q was started", text)
	default:
	}
}

func TestManager_ProgressIsMonotonic(t *testing.T) {
	reported := make(chan struct{})
	release := make(chan struct{})
	m := newTestManager(t, RunnerFunc(func(ctx context.Context, _ string, _ orchestrator.Config, progress orchestrator.ProgressCallback) (orchestrator.Result, error) {
		progress(progressAt(50, "resolution round 1: normalization"))
		progress(progressAt(30, "stale"))
		close(reported)
		<-release
		return sampleResult(), nil
	}), nil)

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)
	<-reported

	j, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, j.Status)
	assert.Equal(t, float64(50), j.Progress)
	assert.Equal(t, "resolution round 1: normalization", j.CurrentPhase)
	assert.Equal(t, 1, j.Round)

	close(release)
	assert.Equal(t, float64(100), waitJob(t, m, id).Progress)
}

func TestManager_WorkerPoolIsBounded(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, func(c *Config) { c.MaxWorkers = 2 })

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Create(context.Background(), Request{Text: fmt.Sprintf("job %d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	runner.awaitStart(t)
	runner.awaitStart(t)
	select {
	case <-runner.started:
		t.Fatal("a third job started while the pool was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	for _, id := range ids {
		assert.Equal(t, StatusCompleted, waitJob(t, m, id).Status)
	}
	assert.Equal(t, int32(2), runner.peak.Load())
}

func TestManager_ListStatsCleanup(t *testing.T) {
	m := newTestManager(t, RunnerFunc(func(_ context.Context, text string, _ orchestrator.Config, _ orchestrator.ProgressCallback) (orchestrator.Result, error) {
		if text == "bad" {
			return orchestrator.Result{}, fmt.Errorf("%w: boom", reference.ErrAgentError)
		}
		return sampleResult(), nil
	}), nil)

	okID, err := m.Create(context.Background(), Request{Text: "ok"})
	require.NoError(t, err)
	badID, err := m.Create(context.Background(), Request{Text: "bad"})
	require.NoError(t, err)
	waitJob(t, m, okID)
	waitJob(t, m, badID)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, okID, list[0].ID)
	assert.Equal(t, badID, list[1].ID)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[StatusFailed])
	assert.Equal(t, 0, stats.ByStatus[StatusRunning])
	assert.InDelta(t, 50, stats.SuccessRate, 1e-9)

	assert.Zero(t, m.Cleanup(time.Hour))
	assert.Equal(t, 2, m.Cleanup(0))

	_, err = m.Get(okID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.List())
}

func TestManager_StartSweepsExpiredJobs(t *testing.T) {
	m := newTestManager(t, instantRunner(), func(c *Config) {
		c.Retention = time.Nanosecond
		c.CleanupInterval = 5 * time.Millisecond
	})

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)
	waitJob(t, m, id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	assert.Eventually(t, func() bool {
		_, err := m.Get(id)
		return err != nil
	}, waitTimeout, 5*time.Millisecond)
}

func TestManager_Close(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, nil)

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)
	runner.awaitStart(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	j, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, j.Status)

	_, err = m.Create(context.Background(), Request{Text: "art. 24 CE"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_LogsWithJobID(t *testing.T) {
	tl := logging.NewTestLogger()
	m := newTestManager(t, instantRunner(), nil, WithLogger(tl.Logger))

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)
	waitJob(t, m, id)

	tl.AssertLogged(t, zapcore.InfoLevel, "job completed")
	tl.AssertField(t, "job completed", zap.String("job.id", id))
	tl.AssertField(t, "job progress", zap.Int("round", 1))

	for _, e := range tl.JobEntries(id) {
		assert.NotEqual(t, zapcore.ErrorLevel, e.Level, e.Message)
	}
}

func TestManager_Metrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	m := newTestManager(t, instantRunner(), nil, WithMetrics(metrics))

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)
	waitJob(t, m, id)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.created))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.finished.WithLabelValues("completed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.active.WithLabelValues("pending")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.active.WithLabelValues("running")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.events.WithLabelValues("progress", "ok")))
}

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestManager_PublishesEventsToNATS(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(SubjectAll, msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	m := newTestManager(t, instantRunner(), nil, WithPublisher(nc))

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)
	waitJob(t, m, id)

	var events []Event
	var last Message
	for {
		select {
		case msg := <-msgs:
			ev, ok := EventFromSubject(msg.Subject)
			require.True(t, ok, msg.Subject)
			require.NoError(t, json.Unmarshal(msg.Data, &last))
			assert.Equal(t, ev, last.Event)
			assert.Equal(t, id, last.Job.ID)
			assert.NotContains(t, string(msg.Data), `"result"`)
			events = append(events, ev)
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for events, got %v", events)
		}
		if len(events) > 0 && events[len(events)-1].IsFinal() {
			break
		}
	}

	assert.Equal(t, []Event{EventCreated, EventStarted, EventProgress, EventProgress, EventCompleted}, events)
	assert.Equal(t, StatusCompleted, last.Job.Status)
	assert.Equal(t, float64(100), last.Job.Progress)
	assert.Equal(t, 2, last.Job.Total)
}

func TestExecutorRunner(t *testing.T) {
	build := func() (*orchestrator.Executor, error) {
		scanner := agents.NewScanner(nil)
		var extractors []agents.Extractor
		for _, p := range agents.Profiles() {
			extractors = append(extractors, agents.NewPatternExtractor(p, scanner))
		}
		n := normalize.New(nil)
		return orchestrator.NewExecutor(extractors, []agents.Resolver{agents.NewNormalizationResolver(n)}, n, nil)
	}
	m := newTestManager(t, ExecutorRunner(build), nil)

	id, err := m.Create(context.Background(), Request{
		Text:    "El artículo 24 de la Constitución Española y el art. 21 LPAC.",
		Options: Options{UseContextResolution: ptr(false)},
	})
	require.NoError(t, err)

	j := waitJob(t, m, id)
	require.Equal(t, StatusCompleted, j.Status, j.Error)
	assert.NotEmpty(t, j.Rounds)

	var keys []reference.Key
	for _, e := range j.Result {
		keys = append(keys, e.CanonicalKey)
	}
	assert.Contains(t, keys, reference.Key("constitucion espanola#24"))
	assert.Contains(t, keys, reference.Key("ley:39/2015#21"))
}

func TestExecutorRunner_BuildError(t *testing.T) {
	m := newTestManager(t, ExecutorRunner(func() (*orchestrator.Executor, error) {
		return nil, fmt.Errorf("no extractors")
	}), nil)

	id, err := m.Create(context.Background(), Request{Text: "art. 24 CE"})
	require.NoError(t, err)

	j := waitJob(t, m, id)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, j.Error, "build executor")
}

func TestManager_RecordsRunSpan(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	m := newTestManager(t, instantRunner(), nil, WithTracer(tt.TracerProvider()))

	id, err := m.Create(context.Background(), Request{Text: "Ley 39/2015"})
	require.NoError(t, err)
	waitJob(t, m, id)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	tt.AssertSpanExists(t, "jobs.run")
	tt.AssertSpanAttribute(t, "jobs.run", "job.id", id)
	tt.AssertSpanAttribute(t, "jobs.run", "job.text_length", int64(len("Ley 39/2015")))
}
