package reference

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors shared by agents, adapters, the orchestrator and the job manager.
var (
	// ErrAgentUnavailable is a transient agent failure (timeout, 5xx, network).
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrAgentError is a non-retryable agent failure (malformed response, 4xx).
	ErrAgentError = errors.New("agent error")

	// ErrNotFound means an external provider has no record for the query.
	// It is an outcome, not a job failure.
	ErrNotFound = errors.New("reference not found")

	// ErrRateLimited means an external provider asked the caller to back off.
	ErrRateLimited = errors.New("rate limited")

	// ErrRoundFailed means a round produced no usable output.
	ErrRoundFailed = errors.New("round failed")

	ErrJobTimeout   = errors.New("job timed out")
	ErrJobCancelled = errors.New("job cancelled")
)

// RateLimitError carries the provider's retry hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s)", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// AgentFailure wraps an agent error with the agent's identity.
type AgentFailure struct {
	Agent     string
	Transient bool
	Err       error
}

// Unavailable returns a transient failure for agent.
func Unavailable(agent string, err error) *AgentFailure {
	return &AgentFailure{Agent: agent, Transient: true, Err: err}
}

// Failed returns a non-retryable failure for agent.
func Failed(agent string, err error) *AgentFailure {
	return &AgentFailure{Agent: agent, Err: err}
}

func (e *AgentFailure) Error() string {
	kind := ErrAgentError
	if e.Transient {
		kind = ErrAgentUnavailable
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Agent, kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Agent, kind, e.Err)
}

func (e *AgentFailure) Unwrap() error { return e.Err }

// Is matches ErrAgentUnavailable or ErrAgentError depending on Transient.
func (e *AgentFailure) Is(target error) bool {
	if e.Transient {
		return target == ErrAgentUnavailable
	}
	return target == ErrAgentError
}

// IsTransient reports whether err is worth retrying after a backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAgentUnavailable) || errors.Is(err, ErrRateLimited)
}

// RetryAfter extracts a provider retry hint from err, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
