package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentJobs      = 10
	fetchTimeout    = 5 * time.Second
)

// Model is the BubbleTea job monitor. It follows a single job when a job
// id is set and otherwise shows the manager overview.
type Model struct {
	client     *Client
	jobID      string
	interval   time.Duration
	exitOnDone bool
	lastUpdate time.Time
	err        error
	quitting   bool

	job     jobs.Job
	haveJob bool
	stats   jobs.Stats
	recent  []jobs.Summary

	// Historical data for sparklines (last N points)
	progressHistory []float64
	activeHistory   []float64

	jobProgress     progress.Model
	successProgress progress.Model
}

// Option configures a Model.
type Option func(*Model)

// WithJob follows the job with the given id.
func WithJob(id string) Option {
	return func(m *Model) { m.jobID = id }
}

// WithExitOnDone quits the program once the followed job is terminal.
func WithExitOnDone() Option {
	return func(m *Model) { m.exitOnDone = true }
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a monitor polling client every interval.
func NewModel(client *Client, interval time.Duration, opts ...Option) Model {
	m := Model{
		client:   client,
		interval: interval,
		jobProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		successProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(40),
		),
		progressHistory: make([]float64, 0, historySize),
		activeHistory:   make([]float64, 0, historySize),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// statusBadge renders a job status with its symbol.
func statusBadge(s jobs.Status) string {
	switch s {
	case jobs.StatusCompleted:
		return healthyStyle.Render("✓ completed")
	case jobs.StatusFailed:
		return errorStyle.Render("✗ failed")
	case jobs.StatusRunning:
		return warningStyle.Render("● running")
	case jobs.StatusCancelled:
		return dimStyle.Render("⊘ cancelled")
	default:
		return dimStyle.Render("○ " + string(s))
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

func clampRatio(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Message types
type tickMsg time.Time
type jobMsg jobs.Job
type overviewMsg struct {
	stats jobs.Stats
	jobs  []jobs.Summary
}
type errMsg error

// Init starts the first fetch and the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		m.fetch(),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetch() tea.Cmd {
	if m.jobID != "" {
		return fetchJob(m.client, m.jobID)
	}
	return fetchOverview(m.client)
}

// fetchJob fetches one job snapshot.
func fetchJob(client *Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		job, err := client.Job(ctx, id)
		if err != nil {
			return errMsg(err)
		}
		return jobMsg(job)
	}
}

// fetchOverview fetches the stats and the job list.
func fetchOverview(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		stats, err := client.Stats(ctx)
		if err != nil {
			return errMsg(err)
		}
		list, err := client.Jobs(ctx, "")
		if err != nil {
			return errMsg(err)
		}
		return overviewMsg{stats: stats, jobs: list}
	}
}

// done reports whether the followed job will not change anymore.
func (m Model) done() bool {
	return m.jobID != "" && m.haveJob && m.job.Status.IsTerminal()
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tickMsg:
		if m.done() {
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			m.fetch(),
		)

	case jobMsg:
		m.job = jobs.Job(msg)
		m.haveJob = true
		m.progressHistory = appendToHistory(m.progressHistory, m.job.Progress)
		m.lastUpdate = time.Now()
		m.err = nil
		if m.exitOnDone && m.job.Status.IsTerminal() {
			return m, tea.Quit
		}
		return m, nil

	case overviewMsg:
		m.stats = msg.stats
		m.recent = msg.jobs
		active := msg.stats.ByStatus[jobs.StatusPending] + msg.stats.ByStatus[jobs.StatusRunning]
		m.activeHistory = appendToHistory(m.activeHistory, float64(active))
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	if m.jobID != "" {
		return m.renderJob()
	}
	return m.renderOverview()
}

func (m Model) renderError() string {
	header := headerStyle.Render("lexconverge Monitor")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach lexconverged") + "\n")
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.client.baseURL) + "\n")
	if m.jobID != "" {
		b.WriteString(dimStyle.Render("Job: ") + valueStyle.Render(m.jobID) + "\n")
	}
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n")
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Please ensure the daemon is running: lexconverged serve") + "\n")
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) headerLine(title string, badge string) string {
	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	return headerStyle.Render(title) + "\n" +
		fmt.Sprintf("%s   %s   %s", badge, dimStyle.Render("Updated:"), dimStyle.Render(lastUpdate)) + "\n"
}

func (m Model) footer() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

func (m Model) renderJob() string {
	var b strings.Builder
	title := fmt.Sprintf(" lexconverge Job %s ", ShortID(m.jobID))

	if !m.haveJob {
		b.WriteString(m.headerLine(title, dimStyle.Render("○ waiting")))
		b.WriteString("\n" + dimStyle.Render("Waiting for job "+m.jobID+"...") + "\n")
		b.WriteString("\n" + m.footer())
		return containerStyle.Render(b.String())
	}

	j := m.job
	b.WriteString(m.headerLine(title, statusBadge(j.Status)))

	b.WriteString("\n" + sectionStyle.Render("┃ Progress") + "\n")
	b.WriteString(labelStyle.Render("  Phase: ") + valueStyle.Render(orDash(j.CurrentPhase)) + "\n")
	b.WriteString(labelStyle.Render("  Round: ") +
		valueStyle.Render(fmt.Sprintf("%d / %d", j.Round, j.Config.MaxRounds)) + "\n")
	b.WriteString(labelStyle.Render("  Done: ") +
		m.jobProgress.ViewAs(clampRatio(j.Progress/100)) +
		" " + dimStyle.Render(FormatPercent(j.Progress)) + "\n")
	b.WriteString(labelStyle.Render("  Trend: ") + createSparkline(m.progressHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Timing") + "\n")
	b.WriteString(labelStyle.Render("  Created: ") + valueStyle.Render(FormatAge(j.CreatedAt, time.Now())) + "\n")
	b.WriteString(labelStyle.Render("  Running: ") + valueStyle.Render(FormatDuration(j.Duration())) + "\n")

	switch j.Status {
	case jobs.StatusCompleted:
		b.WriteString("\n" + sectionStyle.Render("┃ Result") + "\n")
		b.WriteString(labelStyle.Render("  References: ") + valueStyle.Render(fmt.Sprintf("%d", len(j.Result))) +
			labelStyle.Render("  Accepted: ") + valueStyle.Render(fmt.Sprintf("%d", len(j.Accepted()))) +
			labelStyle.Render("  Rounds: ") + valueStyle.Render(fmt.Sprintf("%d", len(j.Rounds))) + "\n")
		if j.Audit != nil {
			b.WriteString(labelStyle.Render("  Quality: ") +
				valueStyle.Render(fmt.Sprintf("%s (%.1f/10)", j.Audit.Level, j.Audit.Grade)) + "\n")
			for _, p := range j.Audit.Problems {
				b.WriteString(warningStyle.Render("  ⚠ ") + dimStyle.Render(p.Description) + "\n")
			}
		}
	case jobs.StatusFailed, jobs.StatusCancelled:
		if j.Error != "" {
			b.WriteString("\n" + sectionStyle.Render("┃ Error") + "\n")
			b.WriteString("  " + errorStyle.Render(j.Error) + "\n")
		}
	}

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

func (m Model) renderOverview() string {
	var b strings.Builder
	s := m.stats
	active := s.ByStatus[jobs.StatusPending] + s.ByStatus[jobs.StatusRunning]

	badge := healthyStyle.Render("✓ IDLE")
	if active > 0 {
		badge = warningStyle.Render(fmt.Sprintf("● %d ACTIVE", active))
	}
	b.WriteString(m.headerLine(" lexconverge Monitor ", badge))

	b.WriteString("\n" + sectionStyle.Render("┃ Jobs") + "\n")
	b.WriteString(labelStyle.Render("  Total: ") + valueStyle.Render(fmt.Sprintf("%d", s.Total)) + "\n")
	b.WriteString(labelStyle.Render("  Pending: ") + valueStyle.Render(fmt.Sprintf("%d", s.ByStatus[jobs.StatusPending])) +
		labelStyle.Render("  Running: ") + valueStyle.Render(fmt.Sprintf("%d", s.ByStatus[jobs.StatusRunning])) +
		labelStyle.Render("  Completed: ") + valueStyle.Render(fmt.Sprintf("%d", s.ByStatus[jobs.StatusCompleted])) +
		labelStyle.Render("  Failed: ") + valueStyle.Render(fmt.Sprintf("%d", s.ByStatus[jobs.StatusFailed])) +
		labelStyle.Render("  Cancelled: ") + valueStyle.Render(fmt.Sprintf("%d", s.ByStatus[jobs.StatusCancelled])) + "\n")
	b.WriteString(labelStyle.Render("  Active: ") + createSparkline(m.activeHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Outcomes") + "\n")
	b.WriteString(labelStyle.Render("  Success: ") +
		m.successProgress.ViewAs(clampRatio(s.SuccessRate/100)) +
		" " + dimStyle.Render(FormatPercent(s.SuccessRate)) + "\n")
	b.WriteString(labelStyle.Render("  Avg Duration: ") + valueStyle.Render(FormatSeconds(s.AverageDuration)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Recent") + "\n")
	if len(m.recent) == 0 {
		b.WriteString(dimStyle.Render("  no jobs") + "\n")
	}
	now := time.Now()
	for i := len(m.recent) - 1; i >= 0 && i >= len(m.recent)-recentJobs; i-- {
		j := m.recent[i]
		b.WriteString(fmt.Sprintf("  %s  %-24s %s  %s  %s\n",
			valueStyle.Render(ShortID(j.ID)),
			statusBadge(j.Status),
			dimStyle.Render(fmt.Sprintf("%6s", FormatPercent(j.Progress))),
			labelStyle.Render(orDash(j.CurrentPhase)),
			dimStyle.Render(FormatAge(j.CreatedAt, now)),
		))
	}

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
