// SPDX-License-Identifier: MIT

package search

import (
	"errors"
	"fmt"
	"strings"
)

// ErrParse marks a query string the parser rejects. The API surfaces it as
// a client error, everything else as an internal one.
var ErrParse = errors.New("parse query")

// clause is one term of a query. An empty field means the term runs over
// the default fields with their boosts.
type clause struct {
	field string
	value string
}

// parseQuery splits q into a disjunction of conjunctions: terms are
// separated by whitespace and combined with AND by default, the keyword OR
// (uppercase) starts a new group. `field:value` restricts a term to a
// single field.
func parseQuery(q string) ([][]clause, error) {
	var (
		groups [][]clause
		group  []clause
	)

	tokens := strings.Fields(q)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty query", ErrParse)
	}

	for _, tok := range tokens {
		if tok == "OR" {
			if len(group) == 0 {
				return nil, fmt.Errorf("%w: dangling OR", ErrParse)
			}
			groups = append(groups, group)
			group = nil
			continue
		}

		c := clause{value: tok}
		if i := strings.IndexByte(tok, ':'); i >= 0 {
			c.field = tok[:i]
			c.value = tok[i+1:]
			if _, ok := queryableFields[c.field]; !ok {
				return nil, fmt.Errorf("%w: unknown field %q", ErrParse, c.field)
			}
			if c.value == "" {
				return nil, fmt.Errorf("%w: empty value for field %q", ErrParse, c.field)
			}
		}
		group = append(group, c)
	}
	if len(group) == 0 {
		return nil, fmt.Errorf("%w: dangling OR", ErrParse)
	}
	groups = append(groups, group)

	return groups, nil
}

// queryableFields are the fields a `field:value` term may name.
var queryableFields = map[string]struct{}{
	fieldRowID:    {},
	fieldTitle:    {},
	fieldArtist:   {},
	fieldLanguage: {},
	fieldYear:     {},
	fieldLyrics:   {},
	fieldDuet:     {},
}

// defaultFields carry unfielded terms, with their relevance boosts. Fuzzy
// matching is allowed everywhere except lyrics, where precision wins over
// recall.
var defaultFields = []struct {
	name  string
	boost float64
	fuzzy bool
}{
	{fieldArtist, 2, true},
	{fieldTitle, 3, true},
	{fieldLanguage, 1, true},
	{fieldYear, 1, true},
	{fieldLyrics, 1, false},
}
