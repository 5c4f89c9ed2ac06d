package monitor

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/lexconverge/internal/audit"
	apihttp "github.com/fyrsmithlabs/lexconverge/internal/http"
	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
	"github.com/fyrsmithlabs/lexconverge/internal/orchestrator"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const testURL = "http://localhost:9090"

func completedJob() jobs.Job {
	started := time.Now().Add(-90 * time.Second)
	finished := time.Now()
	return jobs.Job{
		ID:           "0f8fad5b-d9cb-469f-a165-70867728950e",
		Status:       jobs.StatusCompleted,
		CurrentPhase: "converged",
		Round:        3,
		Progress:     100,
		Config:       orchestrator.Config{MaxRounds: 5},
		Result: []reference.CanonicalReference{
			{CanonicalKey: "constitucion espanola#24", Accepted: true},
			{CanonicalKey: "ley:39/2015#21"},
		},
		Rounds: []reference.Round{{RoundNumber: 1}, {RoundNumber: 2}, {RoundNumber: 3}},
		Audit: &audit.Report{
			Grade: 7.5, Level: audit.LevelGood,
			Problems: []audit.Problem{{Description: "1 reference needs review"}},
		},
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &finished,
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second)
	assert.Equal(t, testURL, model.client.baseURL)
	assert.Equal(t, 2*time.Second, model.interval)
	assert.Empty(t, model.jobID)
	assert.False(t, model.quitting)

	model = NewModel(NewClient(testURL), time.Second, WithJob("abc"), WithExitOnDone())
	assert.Equal(t, "abc", model.jobID)
	assert.True(t, model.exitOnDone)
}

func TestModel_Init(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RefreshKey(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})

	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestModel_Update_TickMsg(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second, WithJob("abc"))

	_, cmd := model.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)

	// Polling stops once the followed job is terminal.
	updated, _ := model.Update(jobMsg(completedJob()))
	_, cmd = updated.(Model).Update(tickMsg(time.Now()))
	assert.Nil(t, cmd)
}

func TestModel_Update_JobMsg(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second, WithJob("abc"))

	updated, cmd := model.Update(jobMsg(jobs.Job{ID: "abc", Status: jobs.StatusRunning, Progress: 30}))
	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.True(t, m.haveJob)
	assert.Equal(t, []float64{30}, m.progressHistory)
	assert.False(t, m.lastUpdate.IsZero())

	updated, _ = m.Update(jobMsg(jobs.Job{ID: "abc", Status: jobs.StatusRunning, Progress: 55}))
	assert.Equal(t, []float64{30, 55}, updated.(Model).progressHistory)
}

func TestModel_Update_JobMsg_ExitOnDone(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second, WithJob("abc"), WithExitOnDone())

	_, cmd := model.Update(jobMsg(jobs.Job{ID: "abc", Status: jobs.StatusRunning}))
	assert.Nil(t, cmd)

	_, cmd = model.Update(jobMsg(completedJob()))
	assert.NotNil(t, cmd)
}

func TestModel_Update_OverviewMsg(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second)

	updated, cmd := model.Update(overviewMsg{
		stats: jobs.Stats{Total: 3, ByStatus: map[jobs.Status]int{jobs.StatusPending: 1, jobs.StatusRunning: 1}},
		jobs:  []jobs.Summary{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	})
	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.Equal(t, 3, m.stats.Total)
	assert.Len(t, m.recent, 3)
	assert.Equal(t, []float64{2}, m.activeHistory)
}

func TestModel_Update_ErrMsg(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second)

	updated, cmd := model.Update(errMsg(fmt.Errorf("connection refused")))

	m := updated.(Model)
	require.Error(t, m.err)
	assert.Contains(t, m.err.Error(), "connection refused")
	assert.Nil(t, cmd)
}

func TestAppendToHistory_Bounded(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+5; i++ {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
}

func TestModel_View_Job(t *testing.T) {
	job := completedJob()
	model := NewModel(NewClient(testURL), 2*time.Second, WithJob(job.ID))
	updated, _ := model.Update(jobMsg(job))
	m := updated.(Model)
	m.lastUpdate = time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC)

	view := m.View()
	assert.Contains(t, view, "Job 0f8fad5b")
	assert.Contains(t, view, "12:34:56")
	assert.Contains(t, view, "completed")
	assert.Contains(t, view, "converged")
	assert.Contains(t, view, "3 / 5")
	assert.Contains(t, view, "100.0%")
	assert.Contains(t, view, "Result")
	assert.Contains(t, view, "good (7.5/10)")
	assert.Contains(t, view, "1 reference needs review")
	assert.Contains(t, view, "[q]")
}

func TestModel_View_FailedJob(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second, WithJob("abc"))
	updated, _ := model.Update(jobMsg(jobs.Job{ID: "abc", Status: jobs.StatusFailed, Error: "job timeout after 10m0s"}))

	view := updated.(Model).View()
	assert.Contains(t, view, "failed")
	assert.Contains(t, view, "job timeout after 10m0s")
	assert.NotContains(t, view, "Result")
}

func TestModel_View_WaitingForJob(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second, WithJob("abc"))
	view := model.View()
	assert.Contains(t, view, "Waiting for job abc")
	assert.Contains(t, view, "[q]")
}

func TestModel_View_Overview(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second)
	updated, _ := model.Update(overviewMsg{
		stats: jobs.Stats{
			Total:           4,
			ByStatus:        map[jobs.Status]int{jobs.StatusRunning: 1, jobs.StatusCompleted: 3},
			SuccessRate:     75,
			AverageDuration: 95,
		},
		jobs: []jobs.Summary{
			{ID: "aaaaaaaa-1111", Status: jobs.StatusCompleted, Progress: 100, CurrentPhase: "converged"},
			{ID: "bbbbbbbb-2222", Status: jobs.StatusRunning, Progress: 40, CurrentPhase: "extraction round 2"},
		},
	})

	view := updated.(Model).View()
	assert.Contains(t, view, "lexconverge Monitor")
	assert.Contains(t, view, "1 ACTIVE")
	assert.Contains(t, view, "75.0%")
	assert.Contains(t, view, "1m 35s")
	assert.Contains(t, view, "aaaaaaaa")
	assert.Contains(t, view, "extraction round 2")
}

func TestModel_View_OverviewEmpty(t *testing.T) {
	view := NewModel(NewClient(testURL), 2*time.Second).View()
	assert.Contains(t, view, "IDLE")
	assert.Contains(t, view, "no jobs")
}

func TestModel_View_WithError(t *testing.T) {
	model := NewModel(NewClient(testURL), 2*time.Second)
	model.err = fmt.Errorf("connection refused")

	view := model.View()
	assert.Contains(t, view, "Cannot reach lexconverged")
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, testURL)
	assert.Contains(t, view, "[r] retry")
}

func TestFetchCommands(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs/abc":
			writeJSON(t, w, http.StatusOK, jobs.Job{ID: "abc", Status: jobs.StatusRunning})
		case "/api/v1/stats":
			writeJSON(t, w, http.StatusOK, jobs.Stats{Total: 1})
		case "/api/v1/jobs":
			writeJSON(t, w, http.StatusOK, apihttp.ListJobsResponse{Jobs: []jobs.Summary{{ID: "abc"}}, Total: 1})
		default:
			writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "job not found"})
		}
	}))
	defer server.Close()
	client := NewClient(server.URL)

	msg := fetchJob(client, "abc")()
	job, ok := msg.(jobMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "abc", job.ID)

	msg = fetchOverview(client)()
	overview, ok := msg.(overviewMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, 1, overview.stats.Total)
	assert.Len(t, overview.jobs, 1)

	msg = fetchJob(client, "missing")()
	_, ok = msg.(errMsg)
	assert.True(t, ok, "got %T", msg)
}
