package normalize

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

//go:embed abbreviations.toml
var defaultTableTOML string

// Entry is one known legal instrument.
type Entry struct {
	Abbrev  []string `toml:"abbrev"`
	Title   string   `toml:"title"`
	Aliases []string `toml:"aliases"`
	Kind    string   `toml:"kind"`
	BOE     string   `toml:"boe"`
	CELEX   string   `toml:"celex"`

	id string
}

// ID returns the law identity the entry canonicalizes to.
func (e *Entry) ID() string { return e.id }

// RefKind returns the entry kind as a reference kind.
func (e *Entry) RefKind() reference.Kind {
	k := reference.Kind(e.Kind)
	if !k.Valid() || k == reference.KindArticle || k == reference.KindUnresolved {
		return reference.KindLaw
	}
	return k
}

type tableFile struct {
	Law []Entry `toml:"law"`
}

// Table indexes known instruments by abbreviation, folded title and identity.
// A Table is immutable once built.
type Table struct {
	entries  []*Entry
	byAbbrev map[string]*Entry
	byUpper  map[string]*Entry
	byFolded map[string]*Entry
	byID     map[string]*Entry
}

// DefaultTable returns the embedded table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultTableTOML)
	if err != nil {
		panic(fmt.Sprintf("normalize: embedded abbreviation table: %v", err))
	}
	return t
}

// ParseTable builds a table from TOML text.
func ParseTable(data string) (*Table, error) {
	var f tableFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decoding abbreviation table: %w", err)
	}
	return buildTable(f.Law)
}

// LoadTable reads an override file and layers it over the embedded table.
// Entries in the file win on any abbreviation or title they share.
func LoadTable(path string) (*Table, error) {
	var f tableFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("abbreviation table %s does not exist: %w", path, err)
		}
		return nil, fmt.Errorf("decoding abbreviation table %s: %w", path, err)
	}

	var base tableFile
	if _, err := toml.Decode(defaultTableTOML, &base); err != nil {
		return nil, fmt.Errorf("decoding embedded abbreviation table: %w", err)
	}
	return buildTable(append(base.Law, f.Law...))
}

func buildTable(laws []Entry) (*Table, error) {
	t := &Table{
		byAbbrev: make(map[string]*Entry),
		byUpper:  make(map[string]*Entry),
		byFolded: make(map[string]*Entry),
		byID:     make(map[string]*Entry),
	}
	for i := range laws {
		e := &laws[i]
		if strings.TrimSpace(e.Title) == "" {
			return nil, fmt.Errorf("abbreviation table entry %d: title is required", i)
		}
		if e.Kind == "" {
			e.Kind = string(reference.KindLaw)
		}
		e.id = parseIdentity(e.Title).ID
		t.entries = append(t.entries, e)

		for _, a := range e.Abbrev {
			t.byAbbrev[a] = e
			t.byUpper[strings.ToUpper(a)] = e
			if len(a) > 3 {
				t.byFolded[Fold(a)] = e
			}
		}
		t.byFolded[Fold(e.Title)] = e
		for _, alias := range e.Aliases {
			t.byFolded[stripLeadingArticles(Fold(alias))] = e
		}
		t.byID[e.id] = e
	}
	return t, nil
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// LookupAbbrev resolves an abbreviation, exact case first.
func (t *Table) LookupAbbrev(s string) (*Entry, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "."))
	if e, ok := t.byAbbrev[s]; ok {
		return e, true
	}
	// Short all-caps abbreviations are only trusted when spelled exactly.
	if len(s) <= 3 {
		return nil, false
	}
	e, ok := t.byUpper[strings.ToUpper(s)]
	return e, ok
}

// LookupFolded resolves a folded title or alias.
func (t *Table) LookupFolded(folded string) (*Entry, bool) {
	e, ok := t.byFolded[folded]
	return e, ok
}

// LookupID resolves a law identity.
func (t *Table) LookupID(id string) (*Entry, bool) {
	e, ok := t.byID[id]
	return e, ok
}

// Entries returns the entries in file order.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
