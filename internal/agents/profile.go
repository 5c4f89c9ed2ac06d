package agents

import "fmt"

// Profile is a strictness configuration for an extractor.
type Profile struct {
	Name        string  `json:"name"`
	Temperature float64 `json:"temperature"`

	// MinConfidence drops candidates scored below it.
	MinConfidence int `json:"min_confidence"`

	// AcceptImplicit keeps article mentions with no law attached
	// ("el artículo 5").
	AcceptImplicit bool `json:"accept_implicit"`

	// AcceptAnaphora keeps back-references ("la citada ley").
	AcceptAnaphora bool `json:"accept_anaphora"`
}

// The three strictness profiles run in every round.
var (
	Conservative = Profile{
		Name:          "conservative",
		Temperature:   0.1,
		MinConfidence: 80,
	}
	Exploratory = Profile{
		Name:           "exploratory",
		Temperature:    0.4,
		MinConfidence:  60,
		AcceptImplicit: true,
	}
	Exhaustive = Profile{
		Name:           "exhaustive",
		Temperature:    0.25,
		MinConfidence:  60,
		AcceptImplicit: true,
		AcceptAnaphora: true,
	}
)

// Profiles returns the profiles in run order.
func Profiles() []Profile {
	return []Profile{Conservative, Exploratory, Exhaustive}
}

// ProfileByName looks a profile up by name.
func ProfileByName(name string) (Profile, error) {
	for _, p := range Profiles() {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("unknown extraction profile: %s", name)
}

func (p Profile) accepts(m Mention) bool {
	if m.Confidence < p.MinConfidence {
		return false
	}
	if m.Anaphoric && !p.AcceptAnaphora {
		return false
	}
	if m.Law == "" && !p.AcceptImplicit {
		return false
	}
	return true
}
