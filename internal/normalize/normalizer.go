package normalize

import (
	"slices"
	"strings"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const unresolvedPrefix = "unresolved:"

// Normalizer canonicalizes candidates and merges them into canonical
// references. It is safe for concurrent use.
type Normalizer struct {
	registry *Registry
}

// New returns a normalizer reading its table from registry. A nil registry
// uses the embedded table.
func New(registry *Registry) *Normalizer {
	if registry == nil {
		registry = NewRegistry(DefaultTable())
	}
	return &Normalizer{registry: registry}
}

// Table returns the current abbreviation table.
func (n *Normalizer) Table() *Table {
	return n.registry.Table()
}

// Identify resolves a law title to its canonical identity. It returns false
// for empty, generic or anaphoric titles, which name no instrument.
func (n *Normalizer) Identify(title string) (Identity, bool) {
	title = CollapseSpace(title)
	if title == "" || IsAnaphora(title) || IsGeneric(title) {
		return Identity{}, false
	}
	table := n.registry.Table()

	if e, ok := table.LookupAbbrev(title); ok {
		return identityFromEntry(e), true
	}
	if e, ok := table.LookupFolded(stripLeadingArticles(Fold(title))); ok {
		return identityFromEntry(e), true
	}

	id := parseIdentity(title)
	if id.ID == "" {
		return Identity{}, false
	}
	if e, ok := table.LookupID(id.ID); ok {
		return identityFromEntry(e), true
	}
	return id, true
}

func identityFromEntry(e *Entry) Identity {
	id := parseIdentity(e.Title)
	id.Title = e.Title
	id.Kind = e.RefKind()
	id.Entry = e
	return id
}

// ExpandTitle returns the full title for an abbreviation, or title unchanged.
func (n *Normalizer) ExpandTitle(title string) (string, bool) {
	if e, ok := n.registry.Table().LookupAbbrev(title); ok {
		return e.Title, true
	}
	return title, false
}

// Key computes the canonical key for a law title and article.
func (n *Normalizer) Key(title, article string) (reference.Key, Identity, bool) {
	article = NormalizeArticle(article)
	id, ok := n.Identify(title)
	if !ok {
		return "", Identity{}, false
	}
	return reference.Key(id.ID + "#" + article), id, true
}

func unresolvedKey(raw, article string) reference.Key {
	return reference.Key(unresolvedPrefix + Fold(raw) + "#" + NormalizeArticle(article))
}

// IsUnresolvedKey reports whether k belongs to an entry with no law identity.
func IsUnresolvedKey(k reference.Key) bool {
	return strings.HasPrefix(string(k), unresolvedPrefix)
}

// Provisional turns candidates into one working entry each, before any
// resolution. Keys are provisional until Rekey runs.
func Provisional(candidates []reference.CandidateReference) []reference.CanonicalReference {
	out := make([]reference.CanonicalReference, 0, len(candidates))
	for _, c := range candidates {
		e := reference.CanonicalReference{
			CanonicalKey:     unresolvedKey(c.RawText, c.ArticleNumber),
			Kind:             c.Kind,
			LawTitleFull:     CollapseSpace(c.LawTitle),
			ArticleNumber:    c.ArticleNumber,
			ValidationStatus: reference.StatusUnvalidated,
			Sources:          []reference.CandidateReference{c},
		}
		e.AddAgent(c.SourceAgent)
		out = append(out, e)
	}
	return out
}

// Merge folds new candidates into a copy of prior. Prior entries keep their
// resolved fields; candidates that name no instrument become unresolved
// entries flagged for review. Every candidate lands in exactly one entry.
func (n *Normalizer) Merge(prior []reference.CanonicalReference, candidates []reference.CandidateReference) []reference.CanonicalReference {
	working := reference.CloneSet(prior)
	working = append(working, Provisional(candidates)...)
	return n.Rekey(working)
}

// Rekey recomputes every entry's canonical key from its title and article
// and merges entries that now share a key. The input is not modified.
func (n *Normalizer) Rekey(set []reference.CanonicalReference) []reference.CanonicalReference {
	byKey := make(map[reference.Key]int, len(set))
	out := make([]reference.CanonicalReference, 0, len(set))

	for _, src := range set {
		e := src.Clone()
		n.canonicalize(&e)

		if i, ok := byKey[e.CanonicalKey]; ok {
			mergeInto(&out[i], e)
			continue
		}
		byKey[e.CanonicalKey] = len(out)
		out = append(out, e)
	}

	reference.SortSet(out)
	return out
}

func (n *Normalizer) canonicalize(e *reference.CanonicalReference) {
	e.ArticleNumber = NormalizeArticle(e.ArticleNumber)

	key, id, ok := n.Key(e.LawTitleFull, e.ArticleNumber)
	if !ok {
		raw := e.LawTitleFull
		if len(e.Sources) > 0 {
			raw = e.Sources[0].RawText
		}
		if IsUnresolvedKey(e.CanonicalKey) {
			// Keep the key an unresolved entry already has so it stays stable
			// across rounds.
			key = e.CanonicalKey
		} else {
			key = unresolvedKey(raw, e.ArticleNumber)
		}
		e.CanonicalKey = key
		e.Kind = reference.KindUnresolved
		e.Flag(reference.ReasonUnresolved)
		return
	}

	e.CanonicalKey = key
	e.LawTitleFull = moreComplete(e.LawTitleFull, id.Title)
	e.Unflag(reference.ReasonUnresolved)

	kind := e.Kind
	if kind == reference.KindUnresolved || !kind.Valid() {
		kind = id.Kind
	}
	if kind.Specificity() < id.Kind.Specificity() {
		kind = id.Kind
	}
	if e.ArticleNumber != "" {
		kind = reference.KindArticle
	}
	e.Kind = kind
}

// mergeInto folds src into dst. Both already share a canonical key.
func mergeInto(dst *reference.CanonicalReference, src reference.CanonicalReference) {
	dst.LawTitleFull = moreComplete(dst.LawTitleFull, src.LawTitleFull)
	if src.Kind.Specificity() > dst.Kind.Specificity() {
		dst.Kind = src.Kind
	}
	for _, a := range src.CorroboratingAgents {
		dst.AddAgent(a)
	}
	for _, s := range src.Sources {
		if !containsSource(dst.Sources, s) {
			dst.Sources = append(dst.Sources, s)
		}
	}

	if validationRank(src.ValidationStatus) > validationRank(dst.ValidationStatus) {
		dst.ValidationStatus = src.ValidationStatus
		dst.ExternalID = src.ExternalID
		dst.ExternalURL = src.ExternalURL
		dst.ArticleText = src.ArticleText
	}
	if dst.ValidationStatus == reference.StatusValidated {
		dst.Unflag(reference.ReasonValidationFailed)
	}

	for _, r := range src.ReviewReasons {
		if r == reference.ReasonValidationFailed && dst.ValidationStatus == reference.StatusValidated {
			continue
		}
		dst.Flag(r)
	}
	if dst.FinalConfidence < src.FinalConfidence {
		dst.FinalConfidence = src.FinalConfidence
	}
}

func validationRank(s reference.ValidationStatus) int {
	switch s {
	case reference.StatusValidated:
		return 2
	case reference.StatusValidationFailed:
		return 1
	default:
		return 0
	}
}

func containsSource(sources []reference.CandidateReference, c reference.CandidateReference) bool {
	return slices.ContainsFunc(sources, func(s reference.CandidateReference) bool {
		return s.SourceAgent == c.SourceAgent &&
			s.RawText == c.RawText &&
			s.ContextSpan == c.ContextSpan
	})
}

// moreComplete picks the more informative of two titles: the longer one,
// ties broken lexically so the choice does not depend on merge order.
func moreComplete(a, b string) string {
	a, b = CollapseSpace(a), CollapseSpace(b)
	switch {
	case len([]rune(a)) > len([]rune(b)):
		return a
	case len([]rune(b)) > len([]rune(a)):
		return b
	case a < b:
		return a
	default:
		return b
	}
}

// Delta counts entries added, removed or changed between two sets.
func Delta(prev, cur []reference.CanonicalReference) int {
	before := make(map[reference.Key]reference.CanonicalReference, len(prev))
	for _, e := range prev {
		before[e.CanonicalKey] = e
	}

	delta := 0
	seen := make(map[reference.Key]bool, len(cur))
	for _, e := range cur {
		seen[e.CanonicalKey] = true
		old, ok := before[e.CanonicalKey]
		if !ok || !old.Equivalent(e) {
			delta++
		}
	}
	for k := range before {
		if !seen[k] {
			delta++
		}
	}
	return delta
}
