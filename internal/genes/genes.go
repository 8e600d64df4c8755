// Package genes resolves free-text gene queries to canonical symbols using
// per-species alias tables.
package genes

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Species identifies the reference species of a dataset.
type Species string

const (
	SpeciesHuman Species = "human"
	SpeciesMouse Species = "mouse"
	SpeciesNone  Species = "none"
)

// ParseSpecies maps a config string to a Species, defaulting to none.
func ParseSpecies(s string) Species {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "human":
		return SpeciesHuman
	case "mouse":
		return SpeciesMouse
	default:
		return SpeciesNone
	}
}

// AliasTable maps canonical gene symbols to their pipe-delimited alias
// strings, with a reverse index from any normalized alias back to the
// canonical symbol. Tables are loaded once at startup and are safe for
// unsynchronized concurrent reads.
type AliasTable struct {
	aliases map[string]string // canonical -> "ALIAS1|ALIAS2|..."
	byAlias map[string]string // normalized alias -> canonical
}

// LoadAliasTable reads a tab-separated alias table:
//
//	CANONICAL<TAB>ALIAS1|ALIAS2|...
//
// Lines starting with '#' and blank lines are skipped. When two canonical
// symbols claim the same alias, the first one wins.
func LoadAliasTable(path string, sp Species) (*AliasTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open alias table: %w", err)
	}
	defer f.Close()

	t := &AliasTable{
		aliases: make(map[string]string),
		byAlias: make(map[string]string),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		canonical := strings.TrimSpace(parts[0])
		if canonical == "" {
			continue
		}
		aliasStr := ""
		if len(parts) == 2 {
			aliasStr = strings.TrimSpace(parts[1])
		}
		if _, ok := t.aliases[canonical]; !ok {
			t.aliases[canonical] = aliasStr
		}

		// The canonical symbol resolves to itself.
		norm := Normalize(canonical, sp)
		if _, ok := t.byAlias[norm]; !ok {
			t.byAlias[norm] = canonical
		}
		for _, a := range strings.Split(aliasStr, "|") {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			norm := Normalize(a, sp)
			if _, ok := t.byAlias[norm]; !ok {
				t.byAlias[norm] = canonical
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read alias table: %w", err)
	}
	return t, nil
}

// Aliases returns the pipe-delimited alias string for a canonical symbol.
func (t *AliasTable) Aliases(canonical string) (string, bool) {
	s, ok := t.aliases[canonical]
	return s, ok
}

// Canonical returns the canonical symbol for a normalized alias.
func (t *AliasTable) Canonical(normalizedAlias string) (string, bool) {
	s, ok := t.byAlias[normalizedAlias]
	return s, ok
}

// Normalize applies the species casing convention: human symbols are
// uppercase, mouse symbols are title-case. Other species are left unchanged.
func Normalize(q string, sp Species) string {
	q = strings.TrimSpace(q)
	switch sp {
	case SpeciesHuman:
		return strings.ToUpper(q)
	case SpeciesMouse:
		if q == "" {
			return q
		}
		runes := []rune(strings.ToLower(q))
		runes[0] = unicode.ToUpper(runes[0])
		return string(runes)
	default:
		return q
	}
}

// Resolver resolves gene queries against per-species alias tables.
type Resolver struct {
	tables map[Species]*AliasTable
}

// NewResolver creates a resolver. Missing species tables are allowed; queries
// for those species fall back to exact matching only.
func NewResolver(tables map[Species]*AliasTable) *Resolver {
	if tables == nil {
		tables = make(map[Species]*AliasTable)
	}
	return &Resolver{tables: tables}
}

// Resolve maps a free-text query to a canonical identifier present in valid,
// or "" when the query cannot be resolved. An exact case-sensitive match in
// valid takes priority over alias lookup. An alias hit whose canonical symbol
// is not a measured feature of the dataset is discarded.
func (r *Resolver) Resolve(query string, sp Species, valid map[string]struct{}) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return ""
	}
	if _, ok := valid[query]; ok {
		return query
	}

	table := r.tables[sp]
	if table == nil {
		return ""
	}
	canonical, ok := table.Canonical(Normalize(query, sp))
	if !ok {
		return ""
	}
	if _, ok := valid[canonical]; !ok {
		return ""
	}
	return canonical
}

// maxTitleAliases bounds the alias list appended to a display title.
const maxTitleAliases = 5

// DisplayTitle formats a canonical symbol for display, appending up to five
// pipe-delimited aliases in parentheses. Symbols without an alias entry are
// displayed bare.
func (r *Resolver) DisplayTitle(symbol string, sp Species) string {
	table := r.tables[sp]
	if table == nil {
		return symbol
	}
	aliasStr, ok := table.Aliases(symbol)
	if !ok || aliasStr == "" {
		return symbol
	}
	aliases := strings.Split(aliasStr, "|")
	if len(aliases) > maxTitleAliases {
		aliases = aliases[:maxTitleAliases]
	}
	return symbol + " (" + strings.Join(aliases, "|") + ")"
}
