package jobs

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/fyrsmithlabs/lexconverge/internal/audit"
	"github.com/fyrsmithlabs/lexconverge/internal/confidence"
	"github.com/fyrsmithlabs/lexconverge/internal/orchestrator"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Job lifecycle errors.
var (
	ErrNotFound      = errors.New("job not found")
	ErrInvalidConfig = errors.New("invalid job config")
	ErrJobTerminal   = errors.New("job already terminal")
	ErrClosed        = errors.New("job manager closed")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {}, // terminal
	StatusFailed:    {}, // terminal
	StatusCancelled: {}, // terminal
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// IsTerminal returns true if this is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// Options are the caller-tunable run settings. Nil fields take the
// service defaults.
type Options struct {
	MaxRounds            *int  `json:"max_rounds,omitempty"`
	MaxWorkers           *int  `json:"max_workers,omitempty"`
	AcceptanceThreshold  *int  `json:"acceptance_threshold,omitempty"`
	UseContextResolution *bool `json:"use_context_resolution,omitempty"`
	UseInference         *bool `json:"use_inference,omitempty"`
	TextLimit            *int  `json:"text_limit,omitempty"`
}

// Resolve applies o over defaults and validates the ranges.
func (o Options) Resolve(defaults orchestrator.Config) (orchestrator.Config, error) {
	cfg := defaults
	if o.MaxRounds != nil {
		cfg.MaxRounds = *o.MaxRounds
	}
	if o.MaxWorkers != nil {
		cfg.MaxWorkers = *o.MaxWorkers
	}
	if o.AcceptanceThreshold != nil {
		cfg.AcceptanceThreshold = *o.AcceptanceThreshold
	}
	if o.UseContextResolution != nil {
		cfg.UseContextResolution = *o.UseContextResolution
	}
	if o.UseInference != nil {
		cfg.UseInference = *o.UseInference
	}
	if o.TextLimit != nil {
		cfg.TextLimit = *o.TextLimit
	}
	if err := cfg.Validate(); err != nil {
		return orchestrator.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Request creates a job.
type Request struct {
	Text    string  `json:"text"`
	Options Options `json:"job_config"`
}

// Job is a snapshot of one extraction job.
type Job struct {
	ID           string              `json:"job_id"`
	Status       Status              `json:"status"`
	CurrentPhase string              `json:"current_phase"`
	Phase        orchestrator.Phase  `json:"phase,omitempty"`
	Round        int                 `json:"round"`
	Progress     float64             `json:"progress"`
	Config       orchestrator.Config `json:"job_config"`
	TextLength   int                 `json:"text_length"`

	Rounds []reference.Round               `json:"rounds,omitempty"`
	Result []reference.CanonicalReference `json:"result,omitempty"`
	Audit  *audit.Report                  `json:"audit,omitempty"`
	Error  string                         `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Accepted returns the result entries that passed the acceptance threshold.
func (j Job) Accepted() []reference.CanonicalReference {
	return confidence.Accepted(j.Result)
}

// Duration is the running time of the job, up to now for a running job.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// Summary drops the rounds and the result.
func (j Job) Summary() Summary {
	s := Summary{
		ID:           j.ID,
		Status:       j.Status,
		CurrentPhase: j.CurrentPhase,
		Round:        j.Round,
		Progress:     j.Progress,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
	if j.Status == StatusCompleted {
		s.Total = len(j.Result)
		s.Accepted = len(j.Accepted())
	}
	return s
}

// clone returns a deep copy.
func (j Job) clone() Job {
	out := j
	if j.Rounds != nil {
		out.Rounds = make([]reference.Round, len(j.Rounds))
		for i, r := range j.Rounds {
			out.Rounds[i] = r.Clone()
		}
	}
	out.Result = reference.CloneSet(j.Result)
	if j.Audit != nil {
		a := cloneReport(*j.Audit)
		out.Audit = &a
	}
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	return out
}

func cloneReport(r audit.Report) audit.Report {
	out := r
	out.ByKind = maps.Clone(r.ByKind)
	out.Problems = slices.Clone(r.Problems)
	out.Agents.Found = maps.Clone(r.Agents.Found)
	out.Agents.Consensus = slices.Clone(r.Agents.Consensus)
	out.Agents.Unanimous = slices.Clone(r.Agents.Unanimous)
	out.Agents.Pairs = slices.Clone(r.Agents.Pairs)
	if r.Agents.Unique != nil {
		out.Agents.Unique = make(map[string][]reference.Key, len(r.Agents.Unique))
		for k, v := range r.Agents.Unique {
			out.Agents.Unique[k] = slices.Clone(v)
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Summary is the compact view of a job used in listings and events.
type Summary struct {
	ID           string     `json:"job_id"`
	Status       Status     `json:"status"`
	CurrentPhase string     `json:"current_phase"`
	Round        int        `json:"round"`
	Progress     float64    `json:"progress"`
	Total        int        `json:"total,omitempty"`
	Accepted     int        `json:"accepted,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
