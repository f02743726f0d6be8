// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE song (
	title TEXT NOT NULL,
	artist TEXT NOT NULL,
	language TEXT,
	year INTEGER,
	duration REAL NOT NULL,
	lyrics TEXT,
	duet INTEGER NOT NULL DEFAULT 0,
	cover_path BLOB,
	audio_path BLOB NOT NULL
)`

func newTestDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "songs.sqlite")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return path, db
}

func insertSong(t *testing.T, db *sql.DB, title, artist string, lang any, year any, duration float64, audio string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO song (title, artist, language, year, duration, lyrics, duet, cover_path, audio_path) VALUES (?, ?, ?, ?, ?, NULL, 0, NULL, ?)`,
		title, artist, lang, year, duration, []byte(audio),
	)
	require.NoError(t, err)
}

func TestLoadSortsCaseInsensitively(t *testing.T) {
	path, db := newTestDB(t)
	insertSong(t, db, "creep", "Radiohead", "English", 1992, 238, "radiohead/creep.ogg")
	insertSong(t, db, "Africa", "Toto", "English", 1982, 243, "toto/africa.ogg")
	insertSong(t, db, "Bohemian Rhapsody", "Queen", nil, nil, 355, "queen/bohemian.ogg")

	songs, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, songs, 3)
	assert.Equal(t, "Africa", songs[0].Title)
	assert.Equal(t, "Bohemian Rhapsody", songs[1].Title)
	assert.Equal(t, "creep", songs[2].Title)

	assert.Nil(t, songs[1].Language)
	assert.Nil(t, songs[1].Year)
	require.NotNil(t, songs[0].Year)
	assert.EqualValues(t, 1982, *songs[0].Year)
	assert.Equal(t, "toto/africa.ogg", songs[0].AudioPath)
}

func TestLoadSkipsUnscannableRows(t *testing.T) {
	path, db := newTestDB(t)
	insertSong(t, db, "Africa", "Toto", nil, nil, 243, "toto/africa.ogg")
	// sqlite is dynamically typed; a text duration breaks the float scan.
	_, err := db.Exec(
		`INSERT INTO song (title, artist, duration, audio_path) VALUES ('Broken', 'Nobody', 'not-a-number', X'00')`,
	)
	require.NoError(t, err)

	songs, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, songs, 1)
	assert.Equal(t, "Africa", songs[0].Title)
}

func TestLoadEncodesPaths(t *testing.T) {
	path, db := newTestDB(t)
	_, err := db.Exec(
		`INSERT INTO song (title, artist, duration, cover_path, audio_path) VALUES (?, ?, ?, ?, ?)`,
		"Völlig losgelöst", "Major Tom", 223.0, []byte("covers/Völlig losgelöst.png"), []byte("audio/major tom.ogg"),
	)
	require.NoError(t, err)

	songs, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, songs, 1)
	assert.Equal(t, "audio/major%20tom.ogg", songs[0].AudioPath)
	require.NotNil(t, songs[0].CoverPath)
	assert.Equal(t, "covers/V%C3%B6llig%20losgel%C3%B6st.png", *songs[0].CoverPath)
}

func TestLoadMissingDatabase(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.sqlite"))
	require.Error(t, err)
}

func TestEncodePath(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"passthrough", []byte("AZaz09-._~/x"), "AZaz09-._~/x"},
		{"space and percent", []byte("a b%c"), "a%20b%25c"},
		{"utf8 bytes", []byte("ä"), "%C3%A4"},
		{"raw binary", []byte{0x00, 0xff}, "%00%FF"},
		{"empty", nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EncodePath(tc.in))
		})
	}
}

func TestEncodePathOutputAlphabet(t *testing.T) {
	allowed := regexp.MustCompile(`^[A-Za-z0-9\-._~/%]*$`)
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	out := EncodePath(all)
	assert.True(t, allowed.MatchString(out), "unexpected characters in %q", out)
}

func TestEncodePathInjective(t *testing.T) {
	// Distinct inputs that would collide under naive escaping.
	inputs := [][]byte{
		[]byte("a%20b"),
		[]byte("a b"),
		[]byte("a+b"),
		[]byte("a%2520b"),
		{0x25, 0x32, 0x30},
	}
	seen := make(map[string][]byte)
	for _, in := range inputs {
		enc := EncodePath(in)
		if prev, ok := seen[enc]; ok {
			t.Fatalf("EncodePath(%q) == EncodePath(%q) == %q", in, prev, enc)
		}
		seen[enc] = in
	}
}

func TestLanguages(t *testing.T) {
	de, en, empty := "German", "English", ""
	songs := []Song{
		{Language: &en},
		{Language: &de},
		{Language: nil},
		{Language: &empty},
		{Language: &en},
	}
	assert.Equal(t, []string{"English", "German"}, Languages(songs))
	assert.Empty(t, Languages(nil))
}

func TestRowIDSet(t *testing.T) {
	set := RowIDSet([]Song{{RowID: 10}, {RowID: 20}})
	_, ok := set[10]
	assert.True(t, ok)
	_, ok = set[99]
	assert.False(t, ok)
}
