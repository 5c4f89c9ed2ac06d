package audit

import (
	"maps"
	"slices"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

// Agreement is the Jaccard similarity of two agents' findings, in percent.
type Agreement struct {
	A       string  `json:"a"`
	B       string  `json:"b"`
	Jaccard float64 `json:"jaccard"`
}

// Comparison describes how the extractors agreed on the final set.
type Comparison struct {
	// Found counts the entries each agent contributed to.
	Found map[string]int `json:"found"`

	// Unique lists, per agent, the entries no other agent found.
	Unique map[string][]reference.Key `json:"unique,omitempty"`

	// Consensus lists entries found by two or more agents.
	Consensus []reference.Key `json:"consensus,omitempty"`

	// Unanimous lists entries every agent found.
	Unanimous []reference.Key `json:"unanimous,omitempty"`

	Pairs         []Agreement `json:"pairs,omitempty"`
	MeanAgreement float64     `json:"mean_agreement"`
}

// Compare derives agent agreement from the corroborating agents of set.
func Compare(set []reference.CanonicalReference) Comparison {
	byAgent := make(map[string]map[reference.Key]bool)
	for _, e := range set {
		for _, a := range e.CorroboratingAgents {
			if byAgent[a] == nil {
				byAgent[a] = make(map[reference.Key]bool)
			}
			byAgent[a][e.CanonicalKey] = true
		}
	}
	agents := slices.Sorted(maps.Keys(byAgent))

	c := Comparison{Found: make(map[string]int, len(agents))}
	for _, a := range agents {
		c.Found[a] = len(byAgent[a])
	}

	for _, e := range set {
		switch n := len(e.CorroboratingAgents); {
		case n == 1:
			if c.Unique == nil {
				c.Unique = make(map[string][]reference.Key)
			}
			a := e.CorroboratingAgents[0]
			c.Unique[a] = append(c.Unique[a], e.CanonicalKey)
		case n >= 2:
			c.Consensus = append(c.Consensus, e.CanonicalKey)
			if n == len(agents) {
				c.Unanimous = append(c.Unanimous, e.CanonicalKey)
			}
		}
	}

	sum := 0.0
	for i := range agents {
		for j := i + 1; j < len(agents); j++ {
			p := Agreement{A: agents[i], B: agents[j], Jaccard: round1(jaccard(byAgent[agents[i]], byAgent[agents[j]]) * 100)}
			c.Pairs = append(c.Pairs, p)
			sum += p.Jaccard
		}
	}
	if len(c.Pairs) > 0 {
		c.MeanAgreement = round1(sum / float64(len(c.Pairs)))
	}
	return c
}

func jaccard(a, b map[reference.Key]bool) float64 {
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
