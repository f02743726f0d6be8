// SPDX-License-Identifier: MIT

// Package search provides an in-memory, sort-preserving full-text index
// over the song catalog. The index is built exactly once at startup and is
// safe for concurrent reads without locking; catalog changes require a
// server restart.
package search

import (
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/stagelight/karaqueue/internal/catalog"
)

// Field names of the index schema.
const (
	fieldRowID    = "rowid"
	fieldTitle    = "title"
	fieldArtist   = "artist"
	fieldLanguage = "language"
	fieldYear     = "year"
	fieldLyrics   = "lyrics"
	fieldDuet     = "duet"
)

// Fuzzy matching parameters for unfielded terms.
const (
	fuzzyMaxDistance = 2
	fuzzyMinTermLen  = 3
)

// DefaultLimit is the result cap used by the plain search endpoint.
const DefaultLimit = 50

// MaxPerPage caps the page size of paginated catalog queries.
const MaxPerPage = 100

type posting struct {
	doc  uint32
	freq uint32
}

// fieldIndex is the inverted index of one schema field. Exact fields store
// the whole value as a single untokenized term.
type fieldIndex struct {
	postings map[string][]posting
	vocab    []string // sorted terms, scanned for fuzzy matches
}

func (f *fieldIndex) add(doc uint32, terms []string) {
	counts := make(map[string]uint32, len(terms))
	for _, t := range terms {
		counts[t]++
	}
	for t, n := range counts {
		f.postings[t] = append(f.postings[t], posting{doc: doc, freq: n})
	}
}

func (f *fieldIndex) finish() {
	f.vocab = make([]string, 0, len(f.postings))
	for t := range f.postings {
		f.vocab = append(f.vocab, t)
	}
	sort.Strings(f.vocab)
}

// Index answers catalog queries. Documents are addressed by their catalog
// order key, so ascending doc ids are ascending browse order.
type Index struct {
	songs  []catalog.Song
	fields map[string]*fieldIndex
}

// New builds the index over songs. The slice must already be in canonical
// catalog order; its indices become the order keys.
func New(songs []catalog.Song) *Index {
	ix := &Index{
		songs:  songs,
		fields: make(map[string]*fieldIndex, len(queryableFields)),
	}
	for name := range queryableFields {
		ix.fields[name] = &fieldIndex{postings: make(map[string][]posting)}
	}

	for i, s := range songs {
		doc := uint32(i)
		ix.fields[fieldRowID].add(doc, []string{strconv.FormatInt(s.RowID, 10)})
		ix.fields[fieldTitle].add(doc, tokenize(s.Title))
		ix.fields[fieldArtist].add(doc, tokenize(s.Artist))
		if s.Language != nil {
			ix.fields[fieldLanguage].add(doc, tokenize(*s.Language))
		}
		if s.Year != nil {
			ix.fields[fieldYear].add(doc, []string{strconv.FormatInt(*s.Year, 10)})
		}
		if s.Lyrics != nil {
			ix.fields[fieldLyrics].add(doc, tokenize(*s.Lyrics))
		}
		ix.fields[fieldDuet].add(doc, []string{strconv.FormatBool(s.Duet)})
	}
	for _, f := range ix.fields {
		f.finish()
	}
	return ix
}

// Count returns the number of indexed songs.
func (ix *Index) Count() int {
	return len(ix.songs)
}

// Search parses q and returns the top limit songs by relevance. Ties
// resolve by catalog order.
func (ix *Index) Search(q string, limit int) ([]catalog.Song, error) {
	scores, err := ix.eval(q)
	if err != nil {
		return nil, err
	}

	type hit struct {
		doc   uint32
		score float64
	}
	hits := make([]hit, 0, len(scores))
	for doc, score := range scores {
		hits = append(hits, hit{doc: doc, score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].doc < hits[j].doc
	})

	if limit >= 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]catalog.Song, len(hits))
	for i, h := range hits {
		out[i] = ix.songs[h.doc]
	}
	return out, nil
}

// Paginated returns the window [offset, offset+perPage) of the catalog in
// browse order, optionally restricted to the documents matching q. perPage
// is clamped to MaxPerPage. An empty q selects the whole catalog.
func (ix *Index) Paginated(offset, perPage int, q string) ([]catalog.Song, error) {
	if offset < 0 {
		offset = 0
	}
	if perPage < 0 {
		perPage = 0
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	docs, err := ix.matchingDocs(q)
	if err != nil {
		return nil, err
	}

	if offset >= len(docs) {
		return []catalog.Song{}, nil
	}
	end := offset + perPage
	if end > len(docs) {
		end = len(docs)
	}
	out := make([]catalog.Song, 0, end-offset)
	for _, doc := range docs[offset:end] {
		out = append(out, ix.songs[doc])
	}
	return out, nil
}

// RandomPicks returns up to count songs drawn with a random score over the
// (optionally filtered) matching set. Callers must treat the result as
// sampling that may repeat across calls.
func (ix *Index) RandomPicks(count int, q string) ([]catalog.Song, error) {
	if count < 0 {
		count = 0
	}

	docs, err := ix.matchingDocs(q)
	if err != nil {
		return nil, err
	}

	rand.Shuffle(len(docs), func(i, j int) {
		docs[i], docs[j] = docs[j], docs[i]
	})
	if len(docs) > count {
		docs = docs[:count]
	}
	out := make([]catalog.Song, len(docs))
	for i, doc := range docs {
		out[i] = ix.songs[doc]
	}
	return out, nil
}

// matchingDocs returns the ascending doc ids matching q, or every doc when
// q is empty.
func (ix *Index) matchingDocs(q string) ([]uint32, error) {
	if q == "" {
		docs := make([]uint32, len(ix.songs))
		for i := range docs {
			docs[i] = uint32(i)
		}
		return docs, nil
	}

	scores, err := ix.eval(q)
	if err != nil {
		return nil, err
	}
	docs := make([]uint32, 0, len(scores))
	for doc := range scores {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i] < docs[j] })
	return docs, nil
}

// eval parses and evaluates q, returning the matching docs with their
// relevance scores.
func (ix *Index) eval(q string) (map[uint32]float64, error) {
	groups, err := parseQuery(q)
	if err != nil {
		return nil, err
	}

	result := make(map[uint32]float64)
	for _, group := range groups {
		matched := ix.evalConjunction(group)
		for doc, score := range matched {
			result[doc] += score
		}
	}
	return result, nil
}

// evalConjunction intersects the clause matches of one AND group, summing
// scores.
func (ix *Index) evalConjunction(group []clause) map[uint32]float64 {
	var result map[uint32]float64
	for _, c := range group {
		matched := ix.evalClause(c)
		if len(matched) == 0 {
			return nil
		}
		if result == nil {
			result = matched
			continue
		}
		for doc, score := range result {
			add, ok := matched[doc]
			if !ok {
				delete(result, doc)
				continue
			}
			result[doc] = score + add
		}
		if len(result) == 0 {
			return nil
		}
	}
	return result
}

// evalClause scores one term. Fielded terms stay on their field and match
// exactly; unfielded terms run over the default fields with boosts and
// fuzzy expansion.
func (ix *Index) evalClause(c clause) map[uint32]float64 {
	result := make(map[uint32]float64)

	if c.field != "" {
		terms := ix.clauseTerms(c.field, c.value)
		for _, term := range terms {
			ix.scoreTerm(result, c.field, term, 1, false)
		}
		if len(terms) > 1 {
			// All tokens of a fielded value must match.
			ix.requireFreq(result, c.field, terms)
		}
		return result
	}

	for _, df := range defaultFields {
		for _, term := range tokenize(c.value) {
			ix.scoreTerm(result, df.name, term, df.boost, df.fuzzy)
		}
	}
	return result
}

// clauseTerms tokenizes value the same way the field was indexed.
func (ix *Index) clauseTerms(field, value string) []string {
	switch field {
	case fieldRowID, fieldYear:
		return []string{value}
	case fieldDuet:
		return []string{strings.ToLower(value)}
	default:
		return tokenize(value)
	}
}

// scoreTerm adds tf-idf scores for term in field to result, optionally
// expanding term to near matches in the field vocabulary. Fuzzy hits score
// below exact ones.
func (ix *Index) scoreTerm(result map[uint32]float64, field, term string, boost float64, fuzzy bool) {
	f := ix.fields[field]

	if ps, ok := f.postings[term]; ok {
		idf := ix.idf(len(ps))
		for _, p := range ps {
			result[p.doc] += boost * tf(p.freq) * idf
		}
	}

	if !fuzzy || len([]rune(term)) < fuzzyMinTermLen {
		return
	}
	for _, candidate := range f.vocab {
		if candidate == term {
			continue
		}
		dist := editDistance(term, candidate, fuzzyMaxDistance)
		if dist > fuzzyMaxDistance {
			continue
		}
		ps := f.postings[candidate]
		idf := ix.idf(len(ps))
		for _, p := range ps {
			result[p.doc] += boost * tf(p.freq) * idf / float64(1+dist) / 2
		}
	}
}

// requireFreq drops docs from result that do not contain every term of a
// multi-token fielded value.
func (ix *Index) requireFreq(result map[uint32]float64, field string, terms []string) {
	f := ix.fields[field]
	for doc := range result {
		for _, term := range terms {
			if !containsDoc(f.postings[term], doc) {
				delete(result, doc)
				break
			}
		}
	}
}

func containsDoc(ps []posting, doc uint32) bool {
	for _, p := range ps {
		if p.doc == doc {
			return true
		}
	}
	return false
}

func (ix *Index) idf(df int) float64 {
	return math.Log1p(float64(len(ix.songs)) / float64(1+df))
}

func tf(freq uint32) float64 {
	return 1 + math.Log(float64(freq))
}
