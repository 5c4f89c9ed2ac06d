// Package confidence scores canonical references.
//
// A reference starts from the best local confidence any agent gave it,
// gains a diminishing bonus for every additional agent that found it and
// moves with external validation. The result decides acceptance.
package confidence

import (
	"fmt"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Config holds the scoring constants.
type Config struct {
	// Threshold is the minimum final confidence for acceptance (50-95).
	Threshold int

	// FirstCorroborationBonus is added for the first agent beyond the first.
	// Each further agent adds half of the previous bonus.
	FirstCorroborationBonus int

	// MaxCorroborationBonus caps the total corroboration bonus.
	MaxCorroborationBonus int

	ValidatedBonus  int
	FailedPenalty   int
	MinThreshold    int
	MaxThreshold    int
	MaxConfidence   int
	MinConfidence   int
}

// DefaultConfig returns the default scoring constants.
func DefaultConfig() Config {
	return Config{
		Threshold:               70,
		FirstCorroborationBonus: 10,
		MaxCorroborationBonus:   20,
		ValidatedBonus:          5,
		FailedPenalty:           15,
		MinThreshold:            50,
		MaxThreshold:            95,
		MaxConfidence:           100,
		MinConfidence:           0,
	}
}

// Validate checks the threshold range.
func (c Config) Validate() error {
	if c.Threshold < c.MinThreshold || c.Threshold > c.MaxThreshold {
		return fmt.Errorf("acceptance threshold %d outside [%d, %d]", c.Threshold, c.MinThreshold, c.MaxThreshold)
	}
	return nil
}

// WithThreshold returns a copy of c using threshold.
func (c Config) WithThreshold(threshold int) Config {
	c.Threshold = threshold
	return c
}

// Aggregator computes final confidence and acceptance.
type Aggregator struct {
	cfg Config
}

// NewAggregator returns an aggregator for cfg.
func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// CorroborationBonus returns the bonus for n distinct agents.
func (a *Aggregator) CorroborationBonus(agents int) int {
	bonus, step := 0, a.cfg.FirstCorroborationBonus
	for i := 1; i < agents && step > 0; i++ {
		bonus += step
		step /= 2
	}
	return min(bonus, a.cfg.MaxCorroborationBonus)
}

// ScoreEntry computes the final confidence of one entry.
func (a *Aggregator) ScoreEntry(e reference.CanonicalReference) int {
	score := e.MaxLocalConfidence() + a.CorroborationBonus(len(e.CorroboratingAgents))
	switch e.ValidationStatus {
	case reference.StatusValidated:
		score += a.cfg.ValidatedBonus
	case reference.StatusValidationFailed:
		score -= a.cfg.FailedPenalty
	}
	return max(a.cfg.MinConfidence, min(score, a.cfg.MaxConfidence))
}

// Score returns a scored copy of set. Entries below the threshold are not
// accepted and are flagged below_threshold; entries at or above it lose
// that flag. The input is not modified.
func (a *Aggregator) Score(set []reference.CanonicalReference) []reference.CanonicalReference {
	out := reference.CloneSet(set)
	for i := range out {
		e := &out[i]
		e.FinalConfidence = a.ScoreEntry(*e)
		e.Accepted = e.FinalConfidence >= a.cfg.Threshold
		if e.Accepted {
			e.Unflag(reference.ReasonBelowThreshold)
		} else {
			e.Flag(reference.ReasonBelowThreshold)
		}
	}
	return out
}

// Accepted returns copies of the accepted entries of set.
func Accepted(set []reference.CanonicalReference) []reference.CanonicalReference {
	var out []reference.CanonicalReference
	for _, e := range set {
		if e.Accepted {
			out = append(out, e.Clone())
		}
	}
	return out
}
