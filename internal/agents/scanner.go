package agents

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Mention is a reference found by the scanner. Span holds byte offsets
// into the scanned text.
type Mention struct {
	Raw        string
	Kind       reference.Kind
	Law        string
	Article    string
	Span       reference.Span
	Confidence int
	Anaphoric  bool
}

// Pattern confidences.
const (
	confArticleNumbered = 95
	confArticleKnown    = 90
	confArticleOther    = 80
	confArticleAnaphora = 65
	confLawNumbered     = 90
	confLawNamed        = 80
	confLawAbbrev       = 75
	confArticleBare     = 60
)

const (
	artWord   = `(?:art[íi]culos?|arts?\.?)`
	artNum    = `\d+(?:\.\d+)*(?:\s*(?:bis|ter|quater|quinquies|sexies))?(?:\.[a-z]\b)?`
	artList   = artNum + `(?:\s*(?:,|\by\b|\be\b)\s*` + artNum + `)*`
	connector = `\s*,?\s*(?:(?:de|del)\s+(?:(?:la|el|los|las)\s+)?)?`

	numberedNational = `(?:Ley\s+Org[áa]nica|Real\s+Decreto\s+Legislativo|Real\s+Decreto[\s-]+ley|Real\s+Decreto|Decreto\s+Legislativo|Decreto[\s-]+ley|Ley|RDL|RD|LO)\s+\d+/\d{4}(?:,\s+de\s+\d{1,2}\s+de\s+[a-záéíóú]+)?`
	numberedEU       = `(?:Reglamento|Directiva|Decisi[óo]n)\s+(?:\((?:UE|CE|CEE|Euratom)\)\s+)?(?:n\.?\s*[º°o]\.?\s*)?\d+/\d+(?:/(?:UE|CE|CEE))?`
	namedLaw         = `Constituci[óo]n(?:\s+Espa[ñn]ola)?|C[óo]digo\s+(?:Civil|Penal|de\s+Comercio)|Estatuto\s+de\s+los\s+Trabajadores|Ley\s+de\s+Enjuiciamiento\s+(?:Civil|Criminal)`
	anaphoraLaw      = `(?:la\s+presente|esta|dicha|la\s+citada|la\s+mencionada)\s+(?:ley(?:\s+org[áa]nica)?|norma|directiva)|(?:el\s+presente|este|dicho|el\s+citado)\s+(?:c[óo]digo|reglamento|real\s+decreto)`
)

var (
	artNumPattern   = regexp.MustCompile(`(?i)` + artNum)
	numberedPattern = regexp.MustCompile(`\d+/\d+`)
)

// Scanner finds legal references with regular expressions. The
// abbreviation alternatives follow the normalizer's current table.
type Scanner struct {
	normalizer *normalize.Normalizer

	mu       sync.Mutex
	table    *normalize.Table
	articles *regexp.Regexp
	bare     *regexp.Regexp
	laws     *regexp.Regexp
}

// NewScanner returns a scanner using n for abbreviations and identities.
func NewScanner(n *normalize.Normalizer) *Scanner {
	if n == nil {
		n = normalize.New(nil)
	}
	return &Scanner{normalizer: n}
}

type compiledPatterns struct {
	articles, bare, laws *regexp.Regexp
}

func (s *Scanner) patterns() compiledPatterns {
	table := s.normalizer.Table()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table != table {
		law := lawAlternatives(table)
		s.articles = regexp.MustCompile(`(?i)\b` + artWord + `\s*(` + artList + `)` + connector + `(` + law + `)`)
		s.bare = regexp.MustCompile(`(?i)\b` + artWord + `\s*(` + artList + `)`)
		s.laws = regexp.MustCompile(`(?i)\b(?:` + law + `)`)
		s.table = table
	}
	return compiledPatterns{articles: s.articles, bare: s.bare, laws: s.laws}
}

func lawAlternatives(table *normalize.Table) string {
	var abbrevs []string
	for _, e := range table.Entries() {
		for _, a := range e.Abbrev {
			abbrevs = append(abbrevs, regexp.QuoteMeta(a))
		}
	}
	// Longest first so "Roma II" wins over "Roma I".
	slices.SortFunc(abbrevs, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(b), len(a)), strings.Compare(a, b))
	})

	alts := []string{numberedNational, numberedEU, namedLaw, anaphoraLaw}
	if len(abbrevs) > 0 {
		alts = append(alts, `(?-i:\b(?:`+strings.Join(abbrevs, "|")+`)\b)`)
	}
	return strings.Join(alts, "|")
}

type rawMatch struct {
	start, end int
	article    string
	law        string
}

// Scan returns every mention in text, ordered by position. Overlapping
// matches keep the earliest and then the longest.
func (s *Scanner) Scan(text string) []Mention {
	p := s.patterns()

	var matches []rawMatch
	for _, m := range p.articles.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, rawMatch{start: m[0], end: m[1], article: text[m[2]:m[3]], law: text[m[4]:m[5]]})
	}
	for _, m := range p.laws.FindAllStringIndex(text, -1) {
		matches = append(matches, rawMatch{start: m[0], end: m[1], law: text[m[0]:m[1]]})
	}
	for _, m := range p.bare.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, rawMatch{start: m[0], end: m[1], article: text[m[2]:m[3]]})
	}

	slices.SortFunc(matches, func(a, b rawMatch) int {
		return cmp.Or(cmp.Compare(a.start, b.start), cmp.Compare(b.end, a.end))
	})

	var out []Mention
	lastEnd := -1
	for _, m := range matches {
		if m.start < lastEnd {
			continue
		}
		mentions := s.toMentions(text, m)
		if len(mentions) == 0 {
			continue
		}
		out = append(out, mentions...)
		lastEnd = m.end
	}
	return out
}

// LawMentions returns the explicit, non-anaphoric law mentions in text,
// including those inside article references.
func (s *Scanner) LawMentions(text string) []Mention {
	p := s.patterns()

	var out []Mention
	for _, m := range p.laws.FindAllStringIndex(text, -1) {
		law := normalize.CollapseSpace(text[m[0]:m[1]])
		if normalize.IsAnaphora(law) {
			continue
		}
		id, ok := s.normalizer.Identify(law)
		if !ok {
			continue
		}
		out = append(out, Mention{
			Raw:  law,
			Kind: id.Kind,
			Law:  law,
			Span: reference.Span{Start: m[0], End: m[1]},
		})
	}
	return out
}

func (s *Scanner) toMentions(text string, m rawMatch) []Mention {
	raw := normalize.CollapseSpace(text[m.start:m.end])
	span := reference.Span{Start: m.start, End: m.end}
	law := normalize.CollapseSpace(m.law)

	if m.article == "" {
		if law == "" || normalize.IsAnaphora(law) {
			return nil
		}
		id, ok := s.normalizer.Identify(law)
		if !ok {
			return nil
		}
		return []Mention{{
			Raw:        raw,
			Kind:       id.Kind,
			Law:        law,
			Span:       span,
			Confidence: s.lawConfidence(law, id),
		}}
	}

	conf, anaphoric := confArticleBare, false
	switch {
	case law == "":
	case normalize.IsAnaphora(law):
		conf, anaphoric = confArticleAnaphora, true
	case numberedPattern.MatchString(law):
		conf = confArticleNumbered
	default:
		if id, ok := s.normalizer.Identify(law); ok && id.Known() {
			conf = confArticleKnown
		} else {
			conf = confArticleOther
		}
	}

	var out []Mention
	for _, a := range artNumPattern.FindAllString(m.article, -1) {
		out = append(out, Mention{
			Raw:        raw,
			Kind:       reference.KindArticle,
			Law:        law,
			Article:    normalize.NormalizeArticle(a),
			Span:       span,
			Confidence: conf,
			Anaphoric:  anaphoric,
		})
	}
	return out
}

func (s *Scanner) lawConfidence(law string, id normalize.Identity) int {
	switch {
	case numberedPattern.MatchString(law):
		return confLawNumbered
	case id.Entry != nil && isAbbrev(id.Entry, law):
		return confLawAbbrev
	default:
		return confLawNamed
	}
}

func isAbbrev(e *normalize.Entry, s string) bool {
	return slices.Contains(e.Abbrev, s)
}
