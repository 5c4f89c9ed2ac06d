// Package reference defines the data model shared by every stage of the
// convergence pipeline: raw candidates produced by agents, the canonical
// entities they merge into, and the rounds that record each iteration.
package reference

import (
	"slices"
	"sort"
)

// Kind classifies a legal reference.
type Kind string

const (
	KindArticle     Kind = "article"
	KindLaw         Kind = "law"
	KindRoyalDecree Kind = "royal-decree"
	KindRegulation  Kind = "regulation"
	KindDirective   Kind = "directive"
	KindDecision    Kind = "decision"
	KindUnresolved  Kind = "unresolved"
)

// AllKinds returns every known kind, most specific first.
func AllKinds() []Kind {
	return []Kind{
		KindArticle,
		KindRoyalDecree,
		KindRegulation,
		KindDirective,
		KindDecision,
		KindLaw,
		KindUnresolved,
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return slices.Contains(AllKinds(), k)
}

// Specificity ranks kinds for merging. Higher wins.
func (k Kind) Specificity() int {
	switch k {
	case KindArticle:
		return 3
	case KindRoyalDecree, KindRegulation, KindDirective, KindDecision:
		return 2
	case KindLaw:
		return 1
	default:
		return 0
	}
}

// Supranational reports whether the kind is resolved against the EU register.
func (k Kind) Supranational() bool {
	return k == KindRegulation || k == KindDirective || k == KindDecision
}

// ValidationStatus records the outcome of external validation.
type ValidationStatus string

const (
	StatusUnvalidated      ValidationStatus = "unvalidated"
	StatusValidated        ValidationStatus = "validated"
	StatusValidationFailed ValidationStatus = "validation_failed"
)

// ReviewReason explains why an entry carries needs_review.
type ReviewReason string

const (
	ReasonBelowThreshold      ReviewReason = "below_threshold"
	ReasonValidationFailed    ReviewReason = "validation_failed"
	ReasonRateLimited         ReviewReason = "validation_rate_limited"
	ReasonResolverFailed      ReviewReason = "resolver_failed"
	ReasonResolverUnavailable ReviewReason = "resolver_unavailable"
	ReasonUnresolved          ReviewReason = "unresolved"
)

// Transient reports whether another round could plausibly clear the reason.
func (r ReviewReason) Transient() bool {
	return r == ReasonRateLimited || r == ReasonResolverUnavailable
}

// Span is a byte range into the source text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether the span fits a text of the given length.
func (s Span) Valid(textLen int) bool {
	return s.Start >= 0 && s.End >= s.Start && s.End <= textLen
}

// CandidateReference is one raw hit produced by one agent in one round.
type CandidateReference struct {
	RawText         string `json:"raw_text"`
	Kind            Kind   `json:"kind"`
	LawTitle        string `json:"law_title,omitempty"`
	ArticleNumber   string `json:"article_number,omitempty"`
	SourceAgent     string `json:"source_agent"`
	LocalConfidence int    `json:"local_confidence"`
	ContextSpan     Span   `json:"context_span"`
}

// Key is the deduplication identity of a canonical reference.
type Key string

// CanonicalReference is the merged, normalized entity exposed to callers.
type CanonicalReference struct {
	CanonicalKey        Key                  `json:"canonical_key"`
	Kind                Kind                 `json:"kind"`
	LawTitleFull        string               `json:"law_title_full,omitempty"`
	ArticleNumber       string               `json:"article_number,omitempty"`
	CorroboratingAgents []string             `json:"corroborating_agents"`
	FinalConfidence     int                  `json:"final_confidence"`
	ValidationStatus    ValidationStatus     `json:"validation_status"`
	ExternalID          string               `json:"external_id,omitempty"`
	ExternalURL         string               `json:"external_url,omitempty"`
	ArticleText         string               `json:"article_text,omitempty"`
	NeedsReview         bool                 `json:"needs_review"`
	ReviewReasons       []ReviewReason       `json:"review_reasons,omitempty"`
	Accepted            bool                 `json:"accepted"`
	Sources             []CandidateReference `json:"sources,omitempty"`
}

// Flag marks the entry for review with the given reason. Reasons are kept
// unique and sorted so two flagged copies compare equal.
func (c *CanonicalReference) Flag(reason ReviewReason) {
	c.NeedsReview = true
	if slices.Contains(c.ReviewReasons, reason) {
		return
	}
	c.ReviewReasons = append(c.ReviewReasons, reason)
	slices.Sort(c.ReviewReasons)
}

// Unflag removes a reason. NeedsReview is cleared when no reason is left.
func (c *CanonicalReference) Unflag(reason ReviewReason) {
	c.ReviewReasons = slices.DeleteFunc(c.ReviewReasons, func(r ReviewReason) bool {
		return r == reason
	})
	if len(c.ReviewReasons) == 0 {
		c.ReviewReasons = nil
		c.NeedsReview = false
	}
}

// HasReason reports whether the entry carries reason.
func (c *CanonicalReference) HasReason(reason ReviewReason) bool {
	return slices.Contains(c.ReviewReasons, reason)
}

// HasTransientReason reports whether any review reason is transient.
func (c *CanonicalReference) HasTransientReason() bool {
	for _, r := range c.ReviewReasons {
		if r.Transient() {
			return true
		}
	}
	return false
}

// AddAgent records a corroborating agent, keeping the set sorted.
func (c *CanonicalReference) AddAgent(agent string) {
	if agent == "" || slices.Contains(c.CorroboratingAgents, agent) {
		return
	}
	c.CorroboratingAgents = append(c.CorroboratingAgents, agent)
	sort.Strings(c.CorroboratingAgents)
}

// MaxLocalConfidence returns the highest local confidence among the sources.
func (c *CanonicalReference) MaxLocalConfidence() int {
	best := 0
	for _, s := range c.Sources {
		if s.LocalConfidence > best {
			best = s.LocalConfidence
		}
	}
	return best
}

// Clone returns a deep copy.
func (c CanonicalReference) Clone() CanonicalReference {
	out := c
	out.CorroboratingAgents = slices.Clone(c.CorroboratingAgents)
	out.ReviewReasons = slices.Clone(c.ReviewReasons)
	out.Sources = slices.Clone(c.Sources)
	return out
}

// Equivalent reports whether two entries carry the same externally visible
// state. Sources are ignored; corroboration is compared through the agents.
func (c CanonicalReference) Equivalent(o CanonicalReference) bool {
	return c.CanonicalKey == o.CanonicalKey &&
		c.Kind == o.Kind &&
		c.LawTitleFull == o.LawTitleFull &&
		c.ArticleNumber == o.ArticleNumber &&
		c.FinalConfidence == o.FinalConfidence &&
		c.ValidationStatus == o.ValidationStatus &&
		c.ExternalID == o.ExternalID &&
		c.NeedsReview == o.NeedsReview &&
		slices.Equal(c.CorroboratingAgents, o.CorroboratingAgents) &&
		slices.Equal(c.ReviewReasons, o.ReviewReasons)
}

// CloneSet deep-copies a canonical set. The copy is what later rounds and
// external readers receive, so they never alias a live working set.
func CloneSet(set []CanonicalReference) []CanonicalReference {
	if set == nil {
		return nil
	}
	out := make([]CanonicalReference, len(set))
	for i, c := range set {
		out[i] = c.Clone()
	}
	return out
}

// SortSet orders a set by canonical key for stable output.
func SortSet(set []CanonicalReference) {
	sort.Slice(set, func(i, j int) bool {
		return set[i].CanonicalKey < set[j].CanonicalKey
	})
}

// Round is one closed iteration of the pipeline.
type Round struct {
	RoundNumber       int                  `json:"round_number"`
	Candidates        []CandidateReference `json:"candidates"`
	Merged            []CanonicalReference `json:"merged"`
	DeltaFromPrevious int                  `json:"delta_from_previous"`
	Failed            bool                 `json:"failed"`
	ExtractorFailures map[string]string    `json:"extractor_failures,omitempty"`
}

// Clone returns a deep copy.
func (r Round) Clone() Round {
	out := r
	out.Candidates = slices.Clone(r.Candidates)
	out.Merged = CloneSet(r.Merged)
	if r.ExtractorFailures != nil {
		out.ExtractorFailures = make(map[string]string, len(r.ExtractorFailures))
		for k, v := range r.ExtractorFailures {
			out.ExtractorFailures[k] = v
		}
	}
	return out
}
