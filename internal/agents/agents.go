// Package agents defines the extraction and resolution agents.
//
// Extractors read the source text and propose candidate references.
// Resolvers improve the working canonical set in a fixed stage order:
// anaphora resolution, title expansion, normalization, national validation,
// supranational lookup and optional inference. Agents never retry; the
// orchestrator owns the retry policy and reads the error taxonomy in
// package reference.
package agents

import (
	"context"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// ExtractInput is what an extractor sees in one round.
type ExtractInput struct {
	Text  string
	Round int

	// Prior is the canonical set after the previous round. It is a snapshot
	// owned by the caller and must not be modified.
	Prior []reference.CanonicalReference
}

// Extractor proposes candidate references from text.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, in ExtractInput) ([]reference.CandidateReference, error)
}

// Stage orders resolvers within a round.
type Stage int

const (
	StageContext Stage = iota + 1
	StageTitle
	StageNormalization
	StageNational
	StageSupranational
	StageInference
)

var stageLabels = map[Stage]string{
	StageContext:       "context resolution",
	StageTitle:         "title expansion",
	StageNormalization: "normalization",
	StageNational:      "national validation",
	StageSupranational: "supranational lookup",
	StageInference:     "inference",
}

// String returns the progress label of the stage.
func (s Stage) String() string {
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return "unknown stage"
}

// ResolveInput is what a resolver sees.
type ResolveInput struct {
	// Set is the working set. Resolvers return a modified copy.
	Set  []reference.CanonicalReference
	Text string

	// Prior is the canonical set after the previous round.
	Prior []reference.CanonicalReference

	// MaxWorkers bounds concurrent external calls. Zero uses the resolver
	// default.
	MaxWorkers int
}

// Resolution is a resolver's output.
type Resolution struct {
	Set []reference.CanonicalReference

	// Failures holds per-entry errors keyed by index into Set. Entries with
	// a failure are returned unchanged.
	Failures map[int]error
}

// Resolver improves entries of the working set. A returned error fails the
// resolver as a whole; per-entry problems go in Resolution.Failures.
type Resolver interface {
	Name() string
	Stage() Stage
	Targets(e reference.CanonicalReference) bool
	Resolve(ctx context.Context, in ResolveInput) (Resolution, error)
}

// targetIndexes returns the indexes of the entries r targets.
func targetIndexes(r Resolver, set []reference.CanonicalReference) []int {
	var idx []int
	for i := range set {
		if r.Targets(set[i]) {
			idx = append(idx, i)
		}
	}
	return idx
}
