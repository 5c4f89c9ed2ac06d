package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Identity is the canonical identity of a legal instrument.
type Identity struct {
	// ID is the dedup identity: "ley:39/2015", "reg-ue:2016/679" or a
	// folded title for instruments without an official number.
	ID string

	// Title is the most complete title known for the instrument.
	Title string

	Kind reference.Kind

	// Number is the official number. EU instruments use year/number.
	Number string

	// Entry is set when the instrument is in the abbreviation table.
	Entry *Entry
}

// Known reports whether the identity came from the abbreviation table.
func (i Identity) Known() bool { return i.Entry != nil }

var (
	nationalNumbered = regexp.MustCompile(`^(ley organica|real decreto legislativo|real decreto ley|real decreto|decreto legislativo|decreto ley|decreto|ley|orden|rdleg|rdl|rd|lo)\s+(?:(?:n|no|num)\s+)?(\d+/\d{4})\b`)
	euNumbered       = regexp.MustCompile(`^(reglamento|directiva|decision)(?:\s+(?:ue|ce|cee|euratom))*(?:\s+(?:n|no|num))?\s+(\d+)/(\d+)\b`)
	articleSuffix    = regexp.MustCompile(`^(\d+)\s*(bis|ter|quater|quinquies|sexies|septies|octies)\b`)
	articleLetter    = regexp.MustCompile(`^(\d+(?:\.\d+)*)\s+([a-z])$`)
)

var nationalPrefixes = map[string]struct {
	prefix string
	kind   reference.Kind
}{
	"ley organica":             {"lo", reference.KindLaw},
	"lo":                       {"lo", reference.KindLaw},
	"ley":                      {"ley", reference.KindLaw},
	"real decreto legislativo": {"rdleg", reference.KindRoyalDecree},
	"rdleg":                    {"rdleg", reference.KindRoyalDecree},
	"real decreto ley":         {"rdl", reference.KindRoyalDecree},
	"rdl":                      {"rdl", reference.KindRoyalDecree},
	"real decreto":             {"rd", reference.KindRoyalDecree},
	"rd":                       {"rd", reference.KindRoyalDecree},
	"decreto legislativo":      {"dleg", reference.KindLaw},
	"decreto ley":              {"dl", reference.KindLaw},
	"decreto":                  {"decreto", reference.KindLaw},
	"orden":                    {"orden", reference.KindLaw},
}

var euPrefixes = map[string]struct {
	prefix string
	kind   reference.Kind
}{
	"reglamento": {"reg-ue", reference.KindRegulation},
	"directiva":  {"dir-ue", reference.KindDirective},
	"decision":   {"dec-ue", reference.KindDecision},
}

// parseIdentity derives an identity from the title alone.
func parseIdentity(title string) Identity {
	folded := stripLeadingArticles(Fold(title))

	if m := nationalNumbered.FindStringSubmatch(folded); m != nil {
		p := nationalPrefixes[m[1]]
		return Identity{
			ID:     p.prefix + ":" + m[2],
			Title:  CollapseSpace(title),
			Kind:   p.kind,
			Number: m[2],
		}
	}

	if m := euNumbered.FindStringSubmatch(folded); m != nil {
		p := euPrefixes[m[1]]
		number := euNumber(m[2], m[3])
		return Identity{
			ID:     p.prefix + ":" + number,
			Title:  CollapseSpace(title),
			Kind:   p.kind,
			Number: number,
		}
	}

	return Identity{
		ID:    folded,
		Title: CollapseSpace(title),
		Kind:  reference.KindLaw,
	}
}

// euNumber orders an EU number as year/number. Acts before 2015 were
// numbered number/year, later ones year/number.
func euNumber(a, b string) string {
	if isYear(a) && !isYear(b) {
		return a + "/" + strings.TrimLeft(b, "0")
	}
	if isYear(b) {
		return b + "/" + strings.TrimLeft(a, "0")
	}
	return a + "/" + b
}

func isYear(s string) bool {
	if len(s) != 4 {
		return false
	}
	y, err := strconv.Atoi(s)
	return err == nil && y >= 1950 && y <= 2100
}

var leadingArticles = map[string]bool{
	"la": true, "el": true, "los": true, "las": true,
	"de": true, "del": true, "al": true,
}

// stripLeadingArticles drops leading articles and prepositions from folded text.
func stripLeadingArticles(folded string) string {
	words := strings.Fields(folded)
	i := 0
	for i < len(words)-1 && leadingArticles[words[i]] {
		i++
	}
	return strings.Join(words[i:], " ")
}

var anaphoraPhrases = []string{
	"la presente ley organica",
	"la presente ley",
	"esta ley organica",
	"esta ley",
	"dicha ley",
	"la citada ley",
	"la mencionada ley",
	"el presente codigo",
	"este codigo",
	"dicho codigo",
	"el citado codigo",
	"la presente norma",
	"esta norma",
	"dicha norma",
	"el presente reglamento",
	"este reglamento",
	"dicho reglamento",
	"el citado reglamento",
	"el presente real decreto",
	"este real decreto",
	"el citado real decreto",
	"la presente directiva",
	"esta directiva",
	"la citada directiva",
}

// AnaphoraPhrases returns the folded phrases that refer back to a law.
func AnaphoraPhrases() []string {
	out := make([]string, len(anaphoraPhrases))
	copy(out, anaphoraPhrases)
	return out
}

// IsAnaphora reports whether s is a back-reference such as "la citada ley".
func IsAnaphora(s string) bool {
	f := Fold(s)
	for _, p := range anaphoraPhrases {
		if f == p || strings.HasPrefix(f, p+" ") {
			return true
		}
	}
	return false
}

var genericTitles = map[string]bool{
	"ley": true, "ley organica": true, "norma": true, "codigo": true,
	"reglamento": true, "real decreto": true, "decreto": true,
	"directiva": true, "decision": true, "texto": true, "precepto": true,
	"disposicion": true, "texto refundido": true, "orden": true,
}

// IsGeneric reports whether s names no particular instrument ("la ley").
func IsGeneric(s string) bool {
	return genericTitles[stripLeadingArticles(Fold(s))]
}

// NormalizeArticle canonicalizes an article designation:
// "art. 24" -> "24", "artículo veinticuatro bis" -> "24 bis", "23.2 b)" -> "23.2.b".
func NormalizeArticle(s string) string {
	f := Fold(s)
	words := strings.Fields(f)
	for len(words) > 0 {
		switch words[0] {
		case "articulo", "articulos", "art", "arts", "articulado":
			words = words[1:]
			continue
		}
		break
	}
	f = strings.Join(words, " ")
	f = articleSuffix.ReplaceAllString(f, "$1 $2")
	f = articleLetter.ReplaceAllString(f, "$1.$2")
	return f
}
