// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	_ "modernc.org/sqlite" // sqlite driver (pure Go, no CGO)

	xglog "github.com/stagelight/karaqueue/internal/log"
)

// Load reads all songs from the importer's sqlite database at dbPath and
// returns them in canonical catalog order: by title under a
// case-insensitive collation, ties broken by rowid.
//
// Rows that fail to scan are logged and skipped, matching the importer's
// tolerance for partially broken song directories. Path columns are stored
// as raw filesystem bytes and come back percent-encoded (EncodePath).
func Load(ctx context.Context, dbPath string) ([]Song, error) {
	logger := xglog.WithComponent("catalog")

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, `
	SELECT rowid, title, artist, language, year, duration, lyrics, duet, cover_path, audio_path
	FROM song
	`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var songs []Song
	for rows.Next() {
		var (
			s         Song
			slanguage sql.NullString
			year      sql.NullInt64
			lyrics    sql.NullString
			cover     []byte
			audio     []byte
		)
		if err := rows.Scan(&s.RowID, &s.Title, &s.Artist, &slanguage, &year, &s.Duration, &lyrics, &s.Duet, &cover, &audio); err != nil {
			logger.Error().Err(err).Msg("failed loading song")
			continue
		}
		if slanguage.Valid {
			s.Language = &slanguage.String
		}
		if year.Valid {
			s.Year = &year.Int64
		}
		if lyrics.Valid {
			s.Lyrics = &lyrics.String
		}
		if cover != nil {
			encoded := EncodePath(cover)
			s.CoverPath = &encoded
		}
		s.AudioPath = EncodePath(audio)
		songs = append(songs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	sortByTitle(songs)
	logger.Info().Int("songs", len(songs)).Msg("catalog loaded")
	return songs, nil
}

// sortByTitle orders songs by title, case-insensitively, with rowid as a
// deterministic tie breaker. The resulting slice index is the song's
// canonical order key.
func sortByTitle(songs []Song) {
	c := collate.New(language.Und, collate.IgnoreCase)
	sort.SliceStable(songs, func(i, j int) bool {
		switch c.CompareString(songs[i].Title, songs[j].Title) {
		case -1:
			return true
		case 1:
			return false
		default:
			return songs[i].RowID < songs[j].RowID
		}
	})
}
