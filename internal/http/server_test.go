package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/lexconverge/internal/convergence"
	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
	"github.com/fyrsmithlabs/lexconverge/internal/logging"
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
		},
		{
			CanonicalKey: "ley:39/2015#21", Kind: reference.KindArticle,
			FinalConfidence: 60, NeedsReview: true, ValidationStatus: reference.StatusUnvalidated,
		},
	}
	return orchestrator.Result{
		Canonical: set,
		Rounds:    []reference.Round{{RoundNumber: 1, Merged: reference.CloneSet(set)}},
		Decision:  convergence.StopConverged,
	}
}

func instantRunner() jobs.Runner {
	return jobs.RunnerFunc(func(context.Context, string, orchestrator.Config, orchestrator.ProgressCallback) (orchestrator.Result, error) {
		return sampleResult(), nil
	})
}

// gatedRunner reports progress and finishes once release is closed.
func gatedRunner(release <-chan struct{}) jobs.Runner {
	return jobs.RunnerFunc(func(ctx context.Context, _ string, _ orchestrator.Config, progress orchestrator.ProgressCallback) (orchestrator.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return orchestrator.Result{}, ctx.Err()
		}
		progress(orchestrator.Progress{Round: 1, Phase: orchestrator.PhaseMerging, Message: "merging round 1", Percentage: 80})
		return sampleResult(), nil
	})
}

type testEnv struct {
	server  *Server
	manager *jobs.Manager
	logs    *logging.TestLogger
}

func newTestEnv(t *testing.T, runner jobs.Runner, mgrOpts []jobs.ManagerOption, opts ...Option) *testEnv {
	t.Helper()
	logs := logging.NewTestLogger()

	m, err := jobs.NewManager(runner, jobs.DefaultConfig(), append([]jobs.ManagerOption{jobs.WithLogger(logs.Logger)}, mgrOpts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = m.Close(ctx)
	})

	s, err := NewServer(m, logs.Logger, nil, opts...)
	require.NoError(t, err)
	return &testEnv{server: s, manager: m, logs: logs}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) create(t *testing.T, body string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.JobID
}

func (e *testEnv) wait(t *testing.T, id string) jobs.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	j, err := e.manager.Wait(ctx, id)
	require.NoError(t, err)
	return j
}

func startTestNATSServer(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return nc
}

func TestNewServer(t *testing.T) {
	logs := logging.NewTestLogger()
	m, err := jobs.NewManager(instantRunner(), jobs.DefaultConfig())
	require.NoError(t, err)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(m, logs.Logger, nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", s.config.Host)
		assert.Equal(t, 9090, s.config.Port)
		assert.Equal(t, 30*time.Second, s.config.Heartbeat)
	})

	t.Run("requires logger", func(t *testing.T) {
		_, err := NewServer(m, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("requires job service", func(t *testing.T) {
		_, err := NewServer(nil, logs.Logger, nil)
		assert.ErrorContains(t, err, "job service cannot be nil")
	})
}

func TestCreateAndGetJob(t *testing.T) {
	env := newTestEnv(t, instantRunner(), nil)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", `{"text":"Vulnera el artículo 24 CE.","job_config":{"max_rounds":2}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, jobs.StatusPending, created.Status)
	assert.Equal(t, "/api/v1/jobs/"+created.JobID, rec.Header().Get(echo.HeaderLocation))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	env.wait(t, created.JobID)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+created.JobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		ID       string                         `json:"job_id"`
		Status   jobs.Status                    `json:"status"`
		Progress float64                        `json:"progress"`
		Result   []reference.CanonicalReference `json:"result"`
		Config   struct {
			MaxRounds int `json:"max_rounds"`
		} `json:"job_config"`
		Audit map[string]any `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.JobID, got.ID)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.Progress)
	assert.Len(t, got.Result, 2)
	assert.Equal(t, 2, got.Config.MaxRounds)
	assert.NotNil(t, got.Audit)

	env.logs.AssertLogged(t, zapcore.InfoLevel, "http request")
}

func TestCreateJob_Rejects(t *testing.T) {
	env := newTestEnv(t, instantRunner(), nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"text":`},
		{"empty text", `{"text":"  "}`},
		{"rounds above cap", `{"text":"art. 1 CC","job_config":{"max_rounds":11}}`},
		{"threshold below range", `{"text":"art. 1 CC","job_config":{"acceptance_threshold":40}}`},
		{"too many workers", `{"text":"art. 1 CC","job_config":{"max_workers":9}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, env.manager.List())
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t, instantRunner(), nil)

	for _, target := range []string{
		"/api/v1/jobs/missing",
		"/api/v1/jobs/missing/accepted",
		"/api/v1/jobs/missing/events",
	} {
		rec := env.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
	rec := env.do(t, http.MethodDelete, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcceptedReferences(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, gatedRunner(release), nil)
	id := env.create(t, `{"text":"art. 24 CE y art. 21 Ley 39/2015"}`)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/accepted", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	env.wait(t, id)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/accepted", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.JobID)
	assert.Equal(t, 70, resp.Threshold)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, reference.Key("constitucion espanola#24"), resp.References[0].CanonicalKey)
}

func TestCancelJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, gatedRunner(release), nil)
	id := env.create(t, `{"text":"art. 1 CC"}`)

	rec := env.do(t, http.MethodDelete, "/api/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, jobs.StatusCancelled, resp.Status)

	job := env.wait(t, id)
	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.Empty(t, job.Result)

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+id, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListAndStats(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	env := newTestEnv(t, jobs.RunnerFunc(func(ctx context.Context, text string, cfg orchestrator.Config, p orchestrator.ProgressCallback) (orchestrator.Result, error) {
		if strings.HasPrefix(text, "wait") {
			return gatedRunner(release).Run(ctx, text, cfg, p)
		}
		return sampleResult(), nil
	}), nil)

	done := env.create(t, `{"text":"art. 1 CC"}`)
	env.wait(t, done)
	pending := env.create(t, `{"text":"wait art. 2 CC"}`)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Total)
	assert.Equal(t, done, list.Jobs[0].ID)
	assert.Equal(t, 2, list.Jobs[0].Total)
	assert.Equal(t, 1, list.Jobs[0].Accepted)
	assert.Equal(t, pending, list.Jobs[1].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs?status=completed", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, done, list.Jobs[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs?status=paused", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats jobs.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[jobs.StatusCompleted])
	assert.Equal(t, 100.0, stats.SuccessRate)
}

func TestHealth(t *testing.T) {
	t.Run("events disabled", func(t *testing.T) {
		env := newTestEnv(t, instantRunner(), nil, WithVersion("1.0.0"))
		rec := env.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "1.0.0", resp.Version)
		assert.Equal(t, "disabled", resp.Events)
		assert.Nil(t, resp.Telemetry)
	})

	t.Run("events connected and telemetry", func(t *testing.T) {
		nc := startTestNATSServer(t)
		env := newTestEnv(t, instantRunner(), nil, WithEvents(nc), WithTelemetry(telemetry.NewTestTelemetry().Telemetry))
		rec := env.do(t, http.MethodGet, "/health", "")

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "connected", resp.Events)
		require.NotNil(t, resp.Telemetry)
		assert.True(t, resp.Telemetry.Enabled)
		assert.True(t, resp.Telemetry.Healthy)
	})

	t.Run("events disconnected", func(t *testing.T) {
		nc := startTestNATSServer(t)
		nc.Close()
		env := newTestEnv(t, instantRunner(), nil, WithEvents(nc))

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(env.do(t, http.MethodGet, "/health", "").Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "disconnected", resp.Events)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, instantRunner(), []jobs.ManagerOption{jobs.WithMetrics(jobs.NewMetrics(reg))}, WithGatherer(reg))
	env.wait(t, env.create(t, `{"text":"art. 1 CC"}`))

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lexconverge_jobs_created_total 1")
	assert.Contains(t, rec.Body.String(), `lexconverge_jobs_finished_total{status="completed"} 1`)
}

func TestMetricsEndpoint_DisabledWithoutGatherer(t *testing.T) {
	env := newTestEnv(t, instantRunner(), nil)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_Unconfigured(t *testing.T) {
	env := newTestEnv(t, instantRunner(), nil)
	id := env.create(t, `{"text":"art. 1 CC"}`)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEvents_TerminalJob(t *testing.T) {
	nc := startTestNATSServer(t)
	env := newTestEnv(t, instantRunner(), []jobs.ManagerOption{jobs.WithPublisher(nc)}, WithEvents(nc))
	id := env.create(t, `{"text":"art. 1 CC"}`)
	env.wait(t, id)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := readEvents(t, rec.Body)
	require.Len(t, events, 1)
	assert.Equal(t, "completed", events[0].name)
	assert.Equal(t, jobs.StatusCompleted, events[0].msg.Job.Status)
	assert.Equal(t, 1, events[0].msg.Job.Accepted)
}

func TestEvents_StreamsUntilFinal(t *testing.T) {
	nc := startTestNATSServer(t)
	release := make(chan struct{})
	env := newTestEnv(t, gatedRunner(release), []jobs.ManagerOption{jobs.WithPublisher(nc)}, WithEvents(nc))
	id := env.create(t, `{"text":"art. 24 CE"}`)

	srv := httptest.NewServer(env.server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/jobs/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Headers arrive once the subscription exists.
	close(release)

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "completed", last.name)
	assert.Equal(t, 100.0, last.msg.Job.Progress)

	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	assert.Contains(t, names, "progress")
}

type sseEvent struct {
	name string
	msg  jobs.Message
}

// readEvents parses an event stream until a final event or EOF.
func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur = sseEvent{name: strings.TrimPrefix(line, "event: ")}
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.msg))
			out = append(out, cur)
			if jobs.Event(cur.name).IsFinal() {
				return out
			}
		}
	}
	return out
}
