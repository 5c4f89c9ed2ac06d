package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/lexconverge/internal/normalize"
	"github.com/fyrsmithlabs/lexconverge/internal/reasoning"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

const (
	// MinInferenceConfidence is the lowest confidence an inferred law is
	// applied with.
	MinInferenceConfidence = 70

	inferenceContextRadius = 150
	inferenceTemperature   = 0.1
)

const inferenceSystemPrompt = `Eres un experto en legislación española y de la Unión Europea.
Para cada referencia sin ley identificada, indica la ley a la que pertenece según su contexto.
Sugiere una ley solo si estás muy seguro. Si no lo estás, usa confianza 0.
Devuelve solo JSON válido con la forma:
{"inferencias":[{"indice":1,"ley":"Ley 39/2015","confianza":85}]}`

// InferenceResolver asks the reasoning service which law an unresolved
// entry belongs to. All targets go in one request.
type InferenceResolver struct {
	completer  reasoning.Completer
	normalizer *normalize.Normalizer
}

// NewInferenceResolver creates the inference stage.
func NewInferenceResolver(completer reasoning.Completer, n *normalize.Normalizer) *InferenceResolver {
	if n == nil {
		n = normalize.New(nil)
	}
	return &InferenceResolver{completer: completer, normalizer: n}
}

func (r *InferenceResolver) Name() string { return NameInference }
func (r *InferenceResolver) Stage() Stage { return StageInference }

// Targets selects unresolved entries.
func (r *InferenceResolver) Targets(e reference.CanonicalReference) bool {
	return e.Kind == reference.KindUnresolved
}

type inferenceResponse struct {
	Inferences []struct {
		Index      int     `json:"indice"`
		Law        string  `json:"ley"`
		Confidence flexInt `json:"confianza"`
	} `json:"inferencias"`
}

// Resolve implements Resolver. A completer or parse failure fails the
// whole stage.
func (r *InferenceResolver) Resolve(ctx context.Context, in ResolveInput) (Resolution, error) {
	out := reference.CloneSet(in.Set)
	idx := targetIndexes(r, out)
	if len(idx) == 0 {
		return Resolution{Set: out}, nil
	}

	resp, err := r.completer.Complete(ctx, reasoning.Prompt{
		System:      inferenceSystemPrompt,
		User:        r.prompt(in.Text, out, idx),
		Temperature: inferenceTemperature,
	})
	if err != nil {
		return Resolution{}, err
	}

	m := jsonObject.FindStringSubmatch(resp)
	if m == nil {
		return Resolution{}, reference.Failed(r.Name(), errNoReferences)
	}
	raw := m[1]
	if raw == "" {
		raw = m[2]
	}
	var parsed inferenceResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Resolution{}, reference.Failed(r.Name(), fmt.Errorf("malformed response: %w", err))
	}

	for _, inf := range parsed.Inferences {
		if inf.Index < 1 || inf.Index > len(idx) || int(inf.Confidence) < MinInferenceConfidence {
			continue
		}
		if _, ok := r.normalizer.Identify(inf.Law); !ok {
			continue
		}
		out[idx[inf.Index-1]].LawTitleFull = normalize.CollapseSpace(inf.Law)
	}
	return Resolution{Set: out}, nil
}

func (r *InferenceResolver) prompt(text string, set []reference.CanonicalReference, idx []int) string {
	var b strings.Builder
	b.WriteString("REFERENCIAS SIN LEY:\n")
	for k, i := range idx {
		e := set[i]
		raw, ctxText := e.LawTitleFull, ""
		if len(e.Sources) > 0 {
			raw = e.Sources[0].RawText
			ctxText = snippet(text, e.Sources[0].ContextSpan, inferenceContextRadius)
		}
		fmt.Fprintf(&b, "%d. %q", k+1, raw)
		if ctxText != "" {
			fmt.Fprintf(&b, " (contexto: %q)", ctxText)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

var _ Resolver = (*InferenceResolver)(nil)
