package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/lexconverge/internal/convergence"
	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
	"github.com/fyrsmithlabs/lexconverge/internal/orchestrator"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const waitTimeout = 5 * time.Second

func sampleResult() orchestrator.Result {
	set := []reference.CanonicalReference{
		{
			CanonicalKey: "constitucion espanola#24", Kind: reference.KindArticle,
			LawTitleFull: "Constitución Española", ArticleNumber: "24",
			FinalConfidence: 92, Accepted: true, ValidationStatus: reference.StatusValidated,
			ExternalURL:         "https://www.boe.es/buscar/act.php?id=BOE-A-1978-31229#a24",
			CorroboratingAgents: []string{"conservative", "exhaustive"},
		},
		{
			CanonicalKey: "ley:39/2015#21", Kind: reference.KindArticle, ArticleNumber: "21",
			FinalConfidence: 60, NeedsReview: true, ValidationStatus: reference.StatusUnvalidated,
			CorroboratingAgents: []string{"exploratory"},
		},
	}
	return orchestrator.Result{
		Canonical: set,
		Rounds:    []reference.Round{{RoundNumber: 1, Merged: reference.CloneSet(set)}},
		Decision:  convergence.StopConverged,
	}
}

// gatedRunner blocks each run until release is closed.
func gatedRunner(release <-chan struct{}) jobs.Runner {
	return jobs.RunnerFunc(func(ctx context.Context, _ string, _ orchestrator.Config, _ orchestrator.ProgressCallback) (orchestrator.Result, error) {
		select {
		case <-release:
			return sampleResult(), nil
		case <-ctx.Done():
			return orchestrator.Result{}, ctx.Err()
		}
	})
}

func openRunner() jobs.Runner {
	release := make(chan struct{})
	close(release)
	return gatedRunner(release)
}

func newTestSession(t *testing.T, runner jobs.Runner, mutate func(*Config)) (*mcp.ClientSession, *jobs.Manager) {
	t.Helper()
	ctx := context.Background()

	m, err := jobs.NewManager(runner, jobs.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = m.Close(cctx)
	})

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := NewServer(cfg, m)
	require.NoError(t, err)

	t1, t2 := mcp.NewInMemoryTransports()
	serverSession, err := srv.MCPServer().Connect(ctx, t1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session, m
}

// callTool decodes the structured output of a successful call into out.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) {
	t.Helper()
	res := rawCall(t, session, name, args)
	require.False(t, res.IsError, "tool %s returned error: %s", name, resultText(res))
	data, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func rawCall(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return res
}

func resultText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestNewServer_RequiresService(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.ErrorContains(t, err, "job service is required")
}

func TestServer_ToolDiscovery(t *testing.T) {
	session, _ := newTestSession(t, openRunner(), nil)

	tools, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"extract_references", "job_status", "job_cancel", "job_list"}, names)
}

func TestExtractReferences_Wait(t *testing.T) {
	session, _ := newTestSession(t, openRunner(), nil)

	var out jobOutput
	callTool(t, session, "extract_references", map[string]any{
		"text":       "El artículo 24 CE y el artículo 21 de la Ley 39/2015.",
		"max_rounds": 2,
		"wait":       true,
	}, &out)

	assert.NotEmpty(t, out.JobID)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 1, out.Accepted)
	require.Len(t, out.References, 1)
	ref := out.References[0]
	assert.Equal(t, "constitucion espanola#24", ref.Key)
	assert.Equal(t, "24", ref.Article)
	assert.Equal(t, "validated", ref.Validation)
	assert.Equal(t, []string{"conservative", "exhaustive"}, ref.Agents)
	assert.NotEmpty(t, out.Quality)
}

func TestExtractReferences_IncludeAll(t *testing.T) {
	session, _ := newTestSession(t, openRunner(), nil)

	var out jobOutput
	callTool(t, session, "extract_references", map[string]any{
		"text": "art. 24 CE", "wait": true, "include_all": true,
	}, &out)
	assert.Len(t, out.References, 2)
}

func TestExtractReferences_NoWait(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	session, _ := newTestSession(t, gatedRunner(release), nil)

	var out jobOutput
	callTool(t, session, "extract_references", map[string]any{"text": "art. 24 CE"}, &out)
	assert.Contains(t, []string{"pending", "running"}, out.Status)
	assert.Empty(t, out.References)
}

func TestExtractReferences_WaitTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	session, _ := newTestSession(t, gatedRunner(release), func(c *Config) { c.MaxWait = 50 * time.Millisecond })

	var out jobOutput
	callTool(t, session, "extract_references", map[string]any{"text": "art. 24 CE", "wait": true}, &out)
	assert.Contains(t, []string{"pending", "running"}, out.Status)
}

func TestExtractReferences_InvalidConfig(t *testing.T) {
	session, m := newTestSession(t, openRunner(), nil)

	res := rawCall(t, session, "extract_references", map[string]any{"text": "art. 24 CE", "max_rounds": 11})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "invalid job config")

	res = rawCall(t, session, "extract_references", map[string]any{"text": ""})
	assert.True(t, res.IsError)
	assert.Empty(t, m.List())
}

func TestJobStatus(t *testing.T) {
	session, m := newTestSession(t, openRunner(), nil)
	id, err := m.Create(context.Background(), jobs.Request{Text: "art. 24 CE"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err = m.Wait(ctx, id)
	require.NoError(t, err)

	var out jobOutput
	callTool(t, session, "job_status", map[string]any{"job_id": id}, &out)
	assert.Equal(t, id, out.JobID)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, 100.0, out.Progress)
	assert.Len(t, out.References, 1)

	res := rawCall(t, session, "job_status", map[string]any{"job_id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "job not found")
}

func TestJobCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	session, m := newTestSession(t, gatedRunner(release), nil)
	id, err := m.Create(context.Background(), jobs.Request{Text: "art. 24 CE"})
	require.NoError(t, err)

	var out jobCancelOutput
	callTool(t, session, "job_cancel", map[string]any{"job_id": id}, &out)
	assert.Equal(t, "cancelled", out.Status)

	job, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)

	res := rawCall(t, session, "job_cancel", map[string]any{"job_id": id})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "already terminal")
}

func TestJobList(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	session, m := newTestSession(t, gatedRunner(release), nil)

	first, err := m.Create(context.Background(), jobs.Request{Text: "art. 1 CC"})
	require.NoError(t, err)
	second, err := m.Create(context.Background(), jobs.Request{Text: "art. 2 CC"})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(second))

	var out jobListOutput
	callTool(t, session, "job_list", map[string]any{}, &out)
	require.Equal(t, 2, out.Count)
	assert.Equal(t, first, out.Jobs[0].JobID)
	assert.Equal(t, second, out.Jobs[1].JobID)

	callTool(t, session, "job_list", map[string]any{"status": "cancelled"}, &out)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, second, out.Jobs[0].JobID)

	res := rawCall(t, session, "job_list", map[string]any{"status": "paused"})
	assert.True(t, res.IsError)
}
