// SPDX-License-Identifier: MIT

// Package catalog loads the immutable song catalog from the importer's
// sqlite database and defines the canonical browse order.
package catalog

import "sort"

// Song is one catalog entry. The catalog is read once at startup and is
// immutable afterwards; changing it requires a server restart.
type Song struct {
	RowID    int64   `json:"rowId"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Language *string `json:"language,omitempty"`
	Year     *int64  `json:"year,omitempty"`
	// Duration of the audio track in seconds.
	Duration float64 `json:"duration"`
	Lyrics   *string `json:"lyrics,omitempty"`
	// Duet is true iff the source file has more than one player track.
	Duet bool `json:"duet"`
	// CoverPath and AudioPath are percent-encoded paths into the media
	// directory (see EncodePath). They are served to clients as-is.
	CoverPath *string `json:"coverPath,omitempty"`
	AudioPath string  `json:"audioPath"`
}

// RowIDSet returns the set of row ids present in songs, used to reconcile
// the persisted playlist against the current catalog.
func RowIDSet(songs []Song) map[int64]struct{} {
	set := make(map[int64]struct{}, len(songs))
	for _, s := range songs {
		set[s.RowID] = struct{}{}
	}
	return set
}

// Languages returns the distinct non-empty languages of songs,
// lexicographically sorted.
func Languages(songs []Song) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range songs {
		if s.Language == nil || *s.Language == "" {
			continue
		}
		if _, ok := seen[*s.Language]; ok {
			continue
		}
		seen[*s.Language] = struct{}{}
		out = append(out, *s.Language)
	}
	sort.Strings(out)
	return out
}
