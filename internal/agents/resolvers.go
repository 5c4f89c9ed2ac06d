package agents

import (
	"context"
	"unicode/utf8"

	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Resolver names.
const (
	NameContextResolver       = "context_resolver"
	NameTitleResolver         = "title_resolver"
	NameNormalizer            = "normalizer"
	NameNationalValidator     = "national_validator"
	NameSupranationalResolver = "supranational_resolver"
	NameInference             = "inference"
)

// ContextResolver attaches a law to entries that name none or refer back to
// one ("la citada ley", "el artículo 5"). The law is the nearest explicit
// mention before the reference, else the most cited law in the text, else
// the most cited law in the prior set.
type ContextResolver struct {
	scanner *Scanner
}

// NewContextResolver creates a context resolver.
func NewContextResolver(scanner *Scanner) *ContextResolver {
	if scanner == nil {
		scanner = NewScanner(nil)
	}
	return &ContextResolver{scanner: scanner}
}

func (r *ContextResolver) Name() string { return NameContextResolver }
func (r *ContextResolver) Stage() Stage { return StageContext }

// Targets selects entries with no law identity.
func (r *ContextResolver) Targets(e reference.CanonicalReference) bool {
	if !normalize.IsUnresolvedKey(e.CanonicalKey) {
		return false
	}
	return e.LawTitleFull == "" || normalize.IsAnaphora(e.LawTitleFull)
}

// Resolve implements Resolver.
func (r *ContextResolver) Resolve(ctx context.Context, in ResolveInput) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	out := reference.CloneSet(in.Set)
	idx := targetIndexes(r, out)
	if len(idx) == 0 {
		return Resolution{Set: out}, nil
	}

	laws := r.scanner.LawMentions(in.Text)
	fallback := dominantLaw(r.scanner.normalizer, laws, in.Prior)

	for _, i := range idx {
		e := &out[i]
		law := fallback
		if len(e.Sources) > 0 {
			if m, ok := nearestBefore(laws, e.Sources[0].ContextSpan); ok {
				law = m.Law
			}
		}
		if law != "" {
			e.LawTitleFull = law
		}
	}
	return Resolution{Set: out}, nil
}

func nearestBefore(laws []Mention, span reference.Span) (Mention, bool) {
	if span == (reference.Span{}) {
		return Mention{}, false
	}
	var best Mention
	found := false
	for _, m := range laws {
		if m.Span.End > span.Start {
			break
		}
		best, found = m, true
	}
	return best, found
}

// dominantLaw returns the title of the most cited law, with ties going to
// the first one cited. The prior set is used when the text cites none.
func dominantLaw(n *normalize.Normalizer, laws []Mention, prior []reference.CanonicalReference) string {
	counts := make(map[string]int)
	var order []string
	titles := make(map[string]string)

	add := func(title string) {
		id, ok := n.Identify(title)
		if !ok {
			return
		}
		if _, seen := counts[id.ID]; !seen {
			order = append(order, id.ID)
			titles[id.ID] = title
		}
		counts[id.ID]++
	}

	for _, m := range laws {
		add(m.Law)
	}
	if len(order) == 0 {
		for _, e := range prior {
			if e.Kind != reference.KindUnresolved {
				add(e.LawTitleFull)
			}
		}
	}

	best := ""
	for _, id := range order {
		if best == "" || counts[id] > counts[best] {
			best = id
		}
	}
	return titles[best]
}

// TitleResolver expands abbreviations to the full title.
type TitleResolver struct {
	normalizer *normalize.Normalizer
}

// NewTitleResolver creates a title resolver.
func NewTitleResolver(n *normalize.Normalizer) *TitleResolver {
	if n == nil {
		n = normalize.New(nil)
	}
	return &TitleResolver{normalizer: n}
}

func (r *TitleResolver) Name() string { return NameTitleResolver }
func (r *TitleResolver) Stage() Stage { return StageTitle }

// Targets selects entries whose title is a known abbreviation.
func (r *TitleResolver) Targets(e reference.CanonicalReference) bool {
	_, ok := r.normalizer.Table().LookupAbbrev(e.LawTitleFull)
	return ok
}

// Resolve implements Resolver.
func (r *TitleResolver) Resolve(ctx context.Context, in ResolveInput) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	out := reference.CloneSet(in.Set)
	for _, i := range targetIndexes(r, out) {
		out[i].LawTitleFull, _ = r.normalizer.ExpandTitle(out[i].LawTitleFull)
	}
	return Resolution{Set: out}, nil
}

// NormalizationResolver merges the working entries into the prior set and
// deduplicates by canonical key.
type NormalizationResolver struct {
	normalizer *normalize.Normalizer
}

// NewNormalizationResolver creates the normalization stage.
func NewNormalizationResolver(n *normalize.Normalizer) *NormalizationResolver {
	if n == nil {
		n = normalize.New(nil)
	}
	return &NormalizationResolver{normalizer: n}
}

func (r *NormalizationResolver) Name() string { return NameNormalizer }
func (r *NormalizationResolver) Stage() Stage { return StageNormalization }

// Targets selects every entry.
func (r *NormalizationResolver) Targets(reference.CanonicalReference) bool { return true }

// Resolve implements Resolver. The returned set replaces the working set
// and may be shorter than the input.
func (r *NormalizationResolver) Resolve(ctx context.Context, in ResolveInput) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	working := reference.CloneSet(in.Prior)
	working = append(working, in.Set...)
	return Resolution{Set: r.normalizer.Rekey(working)}, nil
}

// snippet returns up to radius bytes of text on each side of span, cut at
// rune boundaries.
func snippet(text string, span reference.Span, radius int) string {
	if !span.Valid(len(text)) || span == (reference.Span{}) {
		return ""
	}
	start := max(0, span.Start-radius)
	end := min(len(text), span.End+radius)
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return normalize.CollapseSpace(text[start:end])
}

var (
	_ Resolver = (*ContextResolver)(nil)
	_ Resolver = (*TitleResolver)(nil)
	_ Resolver = (*NormalizationResolver)(nil)
)
