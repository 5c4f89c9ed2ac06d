// Package audit grades the canonical set a job produced.
//
// The report buckets final confidence, measures how much of the set was
// confirmed by an official source, counts instruments per kind and lists
// the problems a reviewer should look at first. The grade is a 0-10 score:
//
//	0.4*(average confidence/10) + 0.4*(validation rate*10) + 0.2*(min(kinds, 5)*2)
package audit

import (
	"fmt"
	"math"
	"slices"

	"github.com/fyrsmithlabs/lexconverge/internal/convergence"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Confidence buckets.
const (
	HighConfidence   = 90
	MediumConfidence = 70
)

// Problem thresholds.
const (
	MinValidationRate   = 0.5
	MaxLowConfidence    = 0.3
	MinReferences       = 5
	maxKindsForCoverage = 5
)

// Level is the verbal grade of a report.
type Level string

const (
	LevelExcellent   Level = "excellent"
	LevelGood        Level = "good"
	LevelAcceptable  Level = "acceptable"
	LevelNeedsReview Level = "needs_review"
)

// LevelFor maps a 0-10 grade to its level.
func LevelFor(grade float64) Level {
	switch {
	case grade >= 8:
		return LevelExcellent
	case grade >= 6:
		return LevelGood
	case grade >= 4:
		return LevelAcceptable
	default:
		return LevelNeedsReview
	}
}

// Severity ranks a problem.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Problem kinds.
const (
	ProblemLowValidation = "low_validation_rate"
	ProblemLowConfidence = "low_confidence"
	ProblemNotConverged  = "not_converged"
	ProblemFewReferences = "few_references"
	ProblemUnresolved    = "unresolved_references"
	ProblemFailedRounds  = "failed_rounds"
)

// Problem is one finding of the audit.
type Problem struct {
	Severity    Severity `json:"severity"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
}

// ConfidenceSummary is the distribution of final confidence.
type ConfidenceSummary struct {
	Average float64 `json:"average"`
	Min     int     `json:"min"`
	Max     int     `json:"max"`
	High    int     `json:"high"`
	Medium  int     `json:"medium"`
	Low     int     `json:"low"`
}

// ValidationSummary counts validation outcomes.
type ValidationSummary struct {
	Validated   int     `json:"validated"`
	Failed      int     `json:"failed"`
	Unvalidated int     `json:"unvalidated"`
	Rate        float64 `json:"rate"`
}

// Report is the audit of one canonical set.
type Report struct {
	Total       int                    `json:"total"`
	Accepted    int                    `json:"accepted"`
	NeedsReview int                    `json:"needs_review"`
	Confidence  ConfidenceSummary      `json:"confidence"`
	Validation  ValidationSummary      `json:"validation"`
	ByKind      map[reference.Kind]int `json:"by_kind"`
	Rounds      int                    `json:"rounds"`
	Decision    convergence.Decision   `json:"decision"`
	Grade       float64                `json:"grade"`
	Level       Level                  `json:"level"`
	Problems    []Problem              `json:"problems,omitempty"`
	Agents      Comparison             `json:"agents"`
}

// Build audits set, the rounds that produced it and the loop's decision.
func Build(set []reference.CanonicalReference, rounds []reference.Round, decision convergence.Decision) Report {
	r := Report{
		Total:    len(set),
		ByKind:   make(map[reference.Kind]int),
		Rounds:   len(rounds),
		Decision: decision,
		Agents:   Compare(set),
	}

	sum := 0
	for i, e := range set {
		if e.Accepted {
			r.Accepted++
		}
		if e.NeedsReview {
			r.NeedsReview++
		}
		r.ByKind[e.Kind]++

		c := e.FinalConfidence
		sum += c
		if i == 0 || c < r.Confidence.Min {
			r.Confidence.Min = c
		}
		r.Confidence.Max = max(r.Confidence.Max, c)
		switch {
		case c >= HighConfidence:
			r.Confidence.High++
		case c >= MediumConfidence:
			r.Confidence.Medium++
		default:
			r.Confidence.Low++
		}

		switch e.ValidationStatus {
		case reference.StatusValidated:
			r.Validation.Validated++
		case reference.StatusValidationFailed:
			r.Validation.Failed++
		default:
			r.Validation.Unvalidated++
		}
	}
	if r.Total > 0 {
		r.Confidence.Average = round1(float64(sum) / float64(r.Total))
		r.Validation.Rate = float64(r.Validation.Validated) / float64(r.Total)
	}

	r.Grade = grade(r)
	r.Level = LevelFor(r.Grade)
	r.Problems = problems(r, rounds)
	return r
}

func grade(r Report) float64 {
	kinds := 0
	for k, n := range r.ByKind {
		if k != reference.KindUnresolved && n > 0 {
			kinds++
		}
	}
	g := 0.4*(r.Confidence.Average/10) +
		0.4*(r.Validation.Rate*10) +
		0.2*float64(min(kinds, maxKindsForCoverage)*2)
	return round1(g)
}

func problems(r Report, rounds []reference.Round) []Problem {
	var out []Problem

	if r.Validation.Rate < MinValidationRate {
		out = append(out, Problem{
			Severity:    SeverityHigh,
			Kind:        ProblemLowValidation,
			Description: fmt.Sprintf("validation rate %.1f%% is below %.0f%%", r.Validation.Rate*100, MinValidationRate*100),
		})
	}
	if r.Total > 0 {
		if low := float64(r.Confidence.Low) / float64(r.Total); low > MaxLowConfidence {
			out = append(out, Problem{
				Severity:    SeverityMedium,
				Kind:        ProblemLowConfidence,
				Description: fmt.Sprintf("%d of %d references are below %d confidence", r.Confidence.Low, r.Total, MediumConfidence),
			})
		}
	}
	if r.Decision != convergence.StopConverged {
		out = append(out, Problem{
			Severity:    SeverityMedium,
			Kind:        ProblemNotConverged,
			Description: fmt.Sprintf("the set did not stabilize (stopped: %s after %d rounds)", r.Decision, r.Rounds),
		})
	}
	if failed := countFailed(rounds); failed > 0 {
		out = append(out, Problem{
			Severity:    SeverityMedium,
			Kind:        ProblemFailedRounds,
			Description: fmt.Sprintf("%d rounds produced no extractor output", failed),
		})
	}
	if r.Total < MinReferences {
		out = append(out, Problem{
			Severity:    SeverityLow,
			Kind:        ProblemFewReferences,
			Description: fmt.Sprintf("only %d references found", r.Total),
		})
	}
	if n := r.ByKind[reference.KindUnresolved]; n > 0 {
		out = append(out, Problem{
			Severity:    SeverityMedium,
			Kind:        ProblemUnresolved,
			Description: fmt.Sprintf("%d references name no identifiable instrument", n),
		})
	}

	slices.SortStableFunc(out, func(a, b Problem) int {
		return severityRank(a.Severity) - severityRank(b.Severity)
	})
	return out
}

func countFailed(rounds []reference.Round) int {
	n := 0
	for _, r := range rounds {
		if r.Failed {
			n++
		}
	}
	return n
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
