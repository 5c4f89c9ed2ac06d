// Package convergence decides when the extraction loop stops.
package convergence

import (
	"fmt"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Decision is the outcome of a convergence check.
type Decision string

const (
	// Continue runs another round.
	Continue Decision = "continue"

	// StopConverged stops because a round changed nothing and no entry waits
	// on a transient failure.
	StopConverged Decision = "converged"

	// StopRoundCap stops at max_rounds. It is a completion, not a failure.
	StopRoundCap Decision = "round_cap"

	// StopFailed stops after consecutive failed rounds.
	StopFailed Decision = "failed"
)

// Stopped reports whether d ends the loop.
func (d Decision) Stopped() bool { return d != Continue }

const (
	// DefaultMaxRounds is used when no limit is configured.
	DefaultMaxRounds = 3

	// MaxRoundsLimit is the highest round limit a job may request.
	MaxRoundsLimit = 10

	// MaxConsecutiveFailures is the number of failed rounds in a row that
	// ends the job.
	MaxConsecutiveFailures = 2
)

// Detector evaluates round history against a round limit.
type Detector struct {
	maxRounds int
}

// NewDetector returns a detector stopping after maxRounds.
func NewDetector(maxRounds int) (*Detector, error) {
	if maxRounds < 1 {
		return nil, fmt.Errorf("max rounds must be at least 1, got %d", maxRounds)
	}
	return &Detector{maxRounds: maxRounds}, nil
}

// MaxRounds returns the round limit.
func (d *Detector) MaxRounds() int { return d.maxRounds }

// Decide inspects the rounds completed so far and the current canonical set.
func (d *Detector) Decide(rounds []reference.Round, set []reference.CanonicalReference) Decision {
	if len(rounds) == 0 {
		return Continue
	}
	last := rounds[len(rounds)-1]

	if ConsecutiveFailures(rounds) >= MaxConsecutiveFailures {
		return StopFailed
	}

	if !last.Failed && last.RoundNumber > 1 && last.DeltaFromPrevious == 0 && !hasTransient(set) {
		return StopConverged
	}

	if last.RoundNumber >= d.maxRounds {
		return StopRoundCap
	}
	return Continue
}

// ConsecutiveFailures counts failed rounds at the end of rounds.
func ConsecutiveFailures(rounds []reference.Round) int {
	n := 0
	for i := len(rounds) - 1; i >= 0 && rounds[i].Failed; i-- {
		n++
	}
	return n
}

// AnySucceeded reports whether at least one round did not fail.
func AnySucceeded(rounds []reference.Round) bool {
	for _, r := range rounds {
		if !r.Failed {
			return true
		}
	}
	return false
}

func hasTransient(set []reference.CanonicalReference) bool {
	for i := range set {
		if set[i].HasTransientReason() {
			return true
		}
	}
	return false
}
