package agents

import (
	"context"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// PatternExtractor implements Extractor with the offline scanner. It is
// deterministic: the same text always yields the same candidates.
type PatternExtractor struct {
	profile Profile
	scanner *Scanner
}

// NewPatternExtractor creates a pattern extractor for the given profile.
func NewPatternExtractor(profile Profile, scanner *Scanner) *PatternExtractor {
	if scanner == nil {
		scanner = NewScanner(nil)
	}
	return &PatternExtractor{profile: profile, scanner: scanner}
}

// Name returns the profile name.
func (p *PatternExtractor) Name() string { return p.profile.Name }

// Extract scans in.Text and keeps the mentions the profile accepts.
func (p *PatternExtractor) Extract(ctx context.Context, in ExtractInput) ([]reference.CandidateReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mentionsToCandidates(p.profile, p.scanner.Scan(in.Text)), nil
}

func mentionsToCandidates(profile Profile, mentions []Mention) []reference.CandidateReference {
	var out []reference.CandidateReference
	for _, m := range mentions {
		if !profile.accepts(m) {
			continue
		}
		out = append(out, reference.CandidateReference{
			RawText:         m.Raw,
			Kind:            m.Kind,
			LawTitle:        m.Law,
			ArticleNumber:   m.Article,
			SourceAgent:     profile.Name,
			LocalConfidence: m.Confidence,
			ContextSpan:     m.Span,
		})
	}
	return out
}

var _ Extractor = (*PatternExtractor)(nil)
