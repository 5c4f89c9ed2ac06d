package orchestrator

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/lexconverge/internal/convergence"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Phase is a step within one round.
type Phase string

const (
	PhaseExtracting Phase = "extracting"
	PhaseResolving  Phase = "resolving"
	PhaseMerging    Phase = "merging"
	PhaseScored     Phase = "scored"
)

// AllPhases returns the phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseExtracting, PhaseResolving, PhaseMerging, PhaseScored}
}

// Progress is reported after every phase transition.
type Progress struct {
	Round      int    `json:"round"`
	Phase      Phase  `json:"phase"`
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(p Progress)

// Config bounds one run.
type Config struct {
	MaxRounds           int `json:"max_rounds"`
	MaxWorkers          int `json:"max_workers"`
	AcceptanceThreshold int `json:"acceptance_threshold"`

	UseContextResolution bool `json:"use_context_resolution"`
	UseInference         bool `json:"use_inference"`

	// TextLimit truncates the source text to this many runes. Zero keeps
	// the whole text.
	TextLimit int `json:"text_limit,omitempty"`

	// AgentRetries is the number of attempts for a transient agent failure.
	AgentRetries int `json:"-"`

	// RateLimitRetries is the number of re-submissions of a rate-limited entry.
	RateLimitRetries int `json:"-"`

	InitialBackoff time.Duration `json:"-"`
	MaxBackoff     time.Duration `json:"-"`
}

// Defaults.
const (
	DefaultMaxWorkers       = 4
	DefaultThreshold        = 70
	DefaultAgentRetries     = 3
	DefaultRateLimitRetries = 5
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 10 * time.Second

	// maxRetryHint caps how long a provider Retry-After hint can stall a round.
	maxRetryHint = 30 * time.Second
)

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		MaxRounds:            convergence.DefaultMaxRounds,
		MaxWorkers:           DefaultMaxWorkers,
		AcceptanceThreshold:  DefaultThreshold,
		UseContextResolution: true,
		AgentRetries:         DefaultAgentRetries,
		RateLimitRetries:     DefaultRateLimitRetries,
		InitialBackoff:       DefaultInitialBackoff,
		MaxBackoff:           DefaultMaxBackoff,
	}
}

// Validate checks the per-job ranges.
func (c Config) Validate() error {
	if c.MaxRounds < 1 || c.MaxRounds > convergence.MaxRoundsLimit {
		return fmt.Errorf("max_rounds must be between 1 and %d, got %d", convergence.MaxRoundsLimit, c.MaxRounds)
	}
	if c.MaxWorkers < 1 || c.MaxWorkers > 8 {
		return fmt.Errorf("max_workers must be between 1 and 8, got %d", c.MaxWorkers)
	}
	if c.AcceptanceThreshold < 50 || c.AcceptanceThreshold > 95 {
		return fmt.Errorf("acceptance_threshold must be between 50 and 95, got %d", c.AcceptanceThreshold)
	}
	if c.TextLimit < 0 {
		return fmt.Errorf("text_limit must not be negative, got %d", c.TextLimit)
	}
	if c.AgentRetries < 1 {
		return fmt.Errorf("agent_retries must be at least 1, got %d", c.AgentRetries)
	}
	if c.RateLimitRetries < 0 {
		return fmt.Errorf("rate_limit_retries must not be negative, got %d", c.RateLimitRetries)
	}
	return nil
}

// Result is the outcome of a run.
type Result struct {
	Canonical []reference.CanonicalReference `json:"canonical"`
	Rounds    []reference.Round              `json:"rounds"`
	Decision  convergence.Decision           `json:"decision"`
}

// Converged reports whether the loop stopped because the set stabilized.
func (r Result) Converged() bool {
	return r.Decision == convergence.StopConverged
}
