package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reasoning"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const (
	maxPromptRunes    = 50000
	maxPriorInPrompt  = 10
	maxAbbrevInPrompt = 20
)

var profileGuidance = map[string]string{
	"conservative": "Incluye solo referencias escritas de forma explícita. En caso de duda, no la incluyas.",
	"exploratory":  "Incluye también artículos citados sin ley explícita, como \"el artículo 5\".",
	"exhaustive":   "Incluye todas las referencias, también las anafóricas como \"la citada ley\" o \"esta norma\".",
}

const systemPrompt = `Eres un asistente jurídico que extrae referencias legales de textos en español.
Identifica leyes, artículos, reales decretos, la Constitución, reglamentos, directivas y decisiones de la UE.
Copia el texto de cada referencia tal como aparece.
Devuelve solo JSON válido con la forma:
{"referencias":[{"texto_completo":"artículo 24 de la Constitución Española","tipo":"artículo","ley":"Constitución Española","articulo":"24","contexto":"...","confianza":95}]}`

// LLMExtractor implements Extractor with a reasoning service. Malformed
// answers fall back to scanning the answer text with the pattern scanner.
type LLMExtractor struct {
	profile   Profile
	completer reasoning.Completer
	scanner   *Scanner
}

// NewLLMExtractor creates an extractor that asks completer for references.
func NewLLMExtractor(profile Profile, completer reasoning.Completer, scanner *Scanner) *LLMExtractor {
	if scanner == nil {
		scanner = NewScanner(nil)
	}
	return &LLMExtractor{profile: profile, completer: completer, scanner: scanner}
}

// Name returns the profile name.
func (l *LLMExtractor) Name() string { return l.profile.Name }

// Extract sends the text to the reasoning service and parses the answer.
func (l *LLMExtractor) Extract(ctx context.Context, in ExtractInput) ([]reference.CandidateReference, error) {
	resp, err := l.completer.Complete(ctx, reasoning.Prompt{
		System:      l.systemPrompt(),
		User:        l.userPrompt(in),
		Temperature: l.profile.Temperature,
	})
	if err != nil {
		return nil, err
	}

	mentions, err := parseExtraction(resp, in.Text, l.scanner.normalizer)
	if err != nil {
		// Recover what the scanner can read from the answer itself.
		mentions = relocate(l.scanner.Scan(resp), resp, in.Text)
		if len(mentions) == 0 {
			return nil, reference.Failed(l.Name(), fmt.Errorf("malformed response: %w", err))
		}
	}
	return mentionsToCandidates(l.profile, mentions), nil
}

func (l *LLMExtractor) systemPrompt() string {
	if g, ok := profileGuidance[l.profile.Name]; ok {
		return systemPrompt + "\n" + g
	}
	return systemPrompt
}

func (l *LLMExtractor) userPrompt(in ExtractInput) string {
	var b strings.Builder

	text := in.Text
	if r := []rune(text); len(r) > maxPromptRunes {
		text = string(r[:maxPromptRunes]) + "\n[... texto truncado ...]"
	}
	fmt.Fprintf(&b, "TEXTO A ANALIZAR:\n---\n%s\n---\n\nRONDA DE EXTRACCIÓN: %d\n", text, in.Round)

	if len(in.Prior) > 0 {
		b.WriteString("\nREFERENCIAS YA ENCONTRADAS (busca otras nuevas):\n")
		for i, e := range in.Prior {
			if i == maxPriorInPrompt {
				fmt.Fprintf(&b, "... y %d más\n", len(in.Prior)-maxPriorInPrompt)
				break
			}
			if e.ArticleNumber != "" {
				fmt.Fprintf(&b, "- artículo %s de %s\n", e.ArticleNumber, e.LawTitleFull)
			} else {
				fmt.Fprintf(&b, "- %s\n", e.LawTitleFull)
			}
		}
	}

	entries := l.scanner.normalizer.Table().Entries()
	if len(entries) > 0 {
		b.WriteString("\nSIGLAS CONOCIDAS:\n")
		for i, e := range entries {
			if i == maxAbbrevInPrompt {
				break
			}
			if len(e.Abbrev) > 0 {
				fmt.Fprintf(&b, "- %s: %s\n", e.Abbrev[0], e.Title)
			}
		}
	}
	return b.String()
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return fmt.Errorf("invalid confidence %q", s)
	}
	*f = flexInt(v)
	return nil
}

type extractionResponse struct {
	References []struct {
		Text       string  `json:"texto_completo"`
		Type       string  `json:"tipo"`
		Law        string  `json:"ley"`
		Article    string  `json:"articulo"`
		Context    string  `json:"contexto"`
		Confidence flexInt `json:"confianza"`
	} `json:"referencias"`
}

var jsonObject = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```|(\\{.*\\})")

var errNoReferences = errors.New("no references object")

// parseExtraction reads the JSON answer. Spans are located in text by the
// first occurrence of the reference text.
func parseExtraction(resp, text string, n *normalize.Normalizer) ([]Mention, error) {
	m := jsonObject.FindStringSubmatch(resp)
	if m == nil {
		return nil, errNoReferences
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}

	var parsed extractionResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	if parsed.References == nil {
		return nil, errNoReferences
	}

	out := make([]Mention, 0, len(parsed.References))
	for _, r := range parsed.References {
		raw := normalize.CollapseSpace(r.Text)
		law := normalize.CollapseSpace(r.Law)
		if raw == "" {
			raw = law
		}
		if raw == "" {
			continue
		}
		article := normalize.NormalizeArticle(r.Article)
		out = append(out, Mention{
			Raw:        raw,
			Kind:       kindFromType(r.Type, article, law, n),
			Law:        law,
			Article:    article,
			Span:       locate(text, raw),
			Confidence: clampConfidence(int(r.Confidence)),
			Anaphoric:  normalize.IsAnaphora(law),
		})
	}
	return out, nil
}

func kindFromType(t, article, law string, n *normalize.Normalizer) reference.Kind {
	if article != "" {
		return reference.KindArticle
	}
	switch normalize.Fold(t) {
	case "real decreto", "real decreto ley", "real decreto legislativo":
		return reference.KindRoyalDecree
	case "reglamento":
		return reference.KindRegulation
	case "directiva":
		return reference.KindDirective
	case "decision":
		return reference.KindDecision
	}
	if id, ok := n.Identify(law); ok {
		return id.Kind
	}
	return reference.KindLaw
}

func clampConfidence(c int) int {
	return max(0, min(c, 100))
}

// locate finds raw in text, falling back to a case-insensitive search. It
// returns an empty span when raw is not in text.
func locate(text, raw string) reference.Span {
	if i := strings.Index(text, raw); i >= 0 {
		return reference.Span{Start: i, End: i + len(raw)}
	}
	if i := strings.Index(strings.ToLower(text), strings.ToLower(raw)); i >= 0 && len(strings.ToLower(text)) == len(text) {
		return reference.Span{Start: i, End: i + len(raw)}
	}
	return reference.Span{}
}

// relocate moves mention spans from resp to their position in text.
func relocate(mentions []Mention, resp, text string) []Mention {
	for i := range mentions {
		mentions[i].Span = locate(text, resp[mentions[i].Span.Start:mentions[i].Span.End])
	}
	return mentions
}

var _ Extractor = (*LLMExtractor)(nil)
