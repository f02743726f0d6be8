// SPDX-License-Identifier: MIT

package playlist

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagelight/karaqueue/internal/catalog"
	"github.com/stagelight/karaqueue/internal/search"
)

func strptr(s string) *string { return &s }

func testSongs() []catalog.Song {
	return []catalog.Song{
		{RowID: 10, Title: "Africa", Artist: "Toto", Language: strptr("English"), Duration: 243, AudioPath: "a"},
		{RowID: 20, Title: "Bohemian Rhapsody", Artist: "Queen", Language: strptr("English"), Duration: 355, AudioPath: "b"},
		{RowID: 30, Title: "Creep", Artist: "Radiohead", Language: strptr("English"), Duration: 238, AudioPath: "c"},
	}
}

type fixture struct {
	queue *Playlist
	index *search.Index
	path  string
	dir   string
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	songs := testSongs()
	dir := t.TempDir()

	f := &fixture{
		index: search.New(songs),
		path:  filepath.Join(dir, "playlist.json"),
		dir:   dir,
		now:   time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC),
	}

	queue, err := Load(f.path, catalog.RowIDSet(songs), Logs{
		SongLog:       filepath.Join(dir, "songs.csv"),
		BugLog:        filepath.Join(dir, "bugs.csv"),
		SuggestionLog: filepath.Join(dir, "suggestions.csv"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	queue.now = func() time.Time { return f.now }
	f.queue = queue
	return f
}

func (f *fixture) add(t *testing.T, song int64, singer string) uuid.UUID {
	t.Helper()
	id, ok, err := f.queue.Add(f.index, song, singer, "")
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestAddUnknownSongIsRejected(t *testing.T) {
	f := newFixture(t)

	sink := make(chan []byte, 8)
	_, err := f.queue.Subscribe(sink)
	require.NoError(t, err)
	<-sink // initial snapshot

	id, ok, err := f.queue.Add(f.index, 99, "Bob", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uuid.Nil, id)
	assert.Empty(t, sink, "rejected add must not broadcast")
	assert.Empty(t, f.queue.Entries())
}

func TestAddAppendsAndBroadcasts(t *testing.T) {
	f := newFixture(t)

	sink := make(chan []byte, 8)
	_, err := f.queue.Subscribe(sink)
	require.NoError(t, err)
	initial := <-sink

	var empty state
	require.NoError(t, json.Unmarshal(initial, &empty))
	assert.Nil(t, empty.NowPlaying)
	assert.Empty(t, empty.List)

	id := f.add(t, 20, "Alice")

	snapshot := <-sink
	var got state
	require.NoError(t, json.Unmarshal(snapshot, &got))
	require.Len(t, got.List, 1)
	assert.Equal(t, id, got.List[0].ID)
	assert.EqualValues(t, 20, got.List[0].Song)
	assert.Equal(t, "Alice", got.List[0].Singer)
}

func TestBroadcastMatchesPersistedFile(t *testing.T) {
	f := newFixture(t)

	sink := make(chan []byte, 8)
	_, err := f.queue.Subscribe(sink)
	require.NoError(t, err)
	<-sink

	f.add(t, 10, "A")
	snapshot := <-sink

	persisted, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, persisted, snapshot, "listeners must observe exactly the persisted bytes")

	inMemory, err := f.queue.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, persisted, inMemory)
}

func TestEveryMutationBroadcastsExactlyOnce(t *testing.T) {
	f := newFixture(t)

	sink := make(chan []byte, 64)
	_, err := f.queue.Subscribe(sink)
	require.NoError(t, err)
	<-sink

	a := f.add(t, 10, "A")
	b := f.add(t, 20, "B")

	_, err = f.queue.Swap(f.index, a, b)
	require.NoError(t, err)
	_, err = f.queue.Play(f.index, b)
	require.NoError(t, err)
	_, err = f.queue.Remove(f.index, a)
	require.NoError(t, err)

	assert.Len(t, sink, 5, "one snapshot per mutation")
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.add(t, 10, "A")
	f.add(t, 20, "B")
	_, err := f.queue.Play(f.index, f.queue.Entries()[0].ID)
	require.NoError(t, err)

	first, err := f.queue.Snapshot()
	require.NoError(t, err)

	var decoded state
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMoveAfter(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, 10, "A")
	b := f.add(t, 20, "B")
	c := f.add(t, 30, "C")

	ok, err := f.queue.MoveAfter(f.index, a, c)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uuid.UUID{b, c, a}, entryIDs(f.queue.Entries()))

	ok, err = f.queue.MoveAfter(f.index, b, b)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []uuid.UUID{b, c, a}, entryIDs(f.queue.Entries()))

	ok, err = f.queue.MoveTop(f.index, c)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uuid.UUID{c, b, a}, entryIDs(f.queue.Entries()))
}

func TestMoveAfterFromBehind(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, 10, "A")
	b := f.add(t, 20, "B")
	c := f.add(t, 30, "C")

	// Moving an entry forward: after the operation `after` is immediately
	// followed by `id`.
	ok, err := f.queue.MoveAfter(f.index, c, a)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uuid.UUID{a, c, b}, entryIDs(f.queue.Entries()))
}

func TestMoveAfterUnknownID(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, 10, "A")

	ok, err := f.queue.MoveAfter(f.index, a, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.queue.MoveAfter(f.index, uuid.New(), a)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSwap(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, 10, "A")
	b := f.add(t, 20, "B")
	c := f.add(t, 30, "C")

	ok, err := f.queue.Swap(f.index, a, c)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uuid.UUID{c, b, a}, entryIDs(f.queue.Entries()))

	ok, err = f.queue.Swap(f.index, a, a)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.queue.Swap(f.index, a, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlayPromotesAndTracksIntermissions(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, 10, "A")
	b := f.add(t, 20, "B")
	c := f.add(t, 30, "C")

	// First play: nothing was playing, no intermission to record.
	ok, err := f.queue.Play(f.index, b)
	require.NoError(t, err)
	assert.True(t, ok)

	np := f.queue.NowPlaying()
	require.NotNil(t, np)
	assert.EqualValues(t, 20, np.Song)
	assert.Equal(t, []uuid.UUID{a, c}, entryIDs(f.queue.Entries()))

	total, count := f.queue.Intermission()
	assert.Zero(t, count)
	assert.Zero(t, total)

	// Second play 45s after the predicted end: counts as an intermission.
	f.now = np.PredictedEnd.Add(45 * time.Second)
	ok, err = f.queue.Play(f.index, c)
	require.NoError(t, err)
	assert.True(t, ok)

	total, count = f.queue.Intermission()
	assert.EqualValues(t, 1, count)
	assert.Equal(t, 45*time.Second, total)

	// Third play ten minutes late: the break spans parties, ignored.
	np = f.queue.NowPlaying()
	f.now = np.PredictedEnd.Add(10 * time.Minute)
	ok, err = f.queue.Play(f.index, a)
	require.NoError(t, err)
	assert.True(t, ok)

	total, count = f.queue.Intermission()
	assert.EqualValues(t, 1, count)
	assert.Equal(t, 45*time.Second, total)
}

func TestPlayEarlyDoesNotCountIntermission(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, 10, "A")
	b := f.add(t, 20, "B")

	_, err := f.queue.Play(f.index, a)
	require.NoError(t, err)

	// The singer is skipped before the predicted end; delta is negative.
	np := f.queue.NowPlaying()
	f.now = np.PredictedEnd.Add(-30 * time.Second)
	_, err = f.queue.Play(f.index, b)
	require.NoError(t, err)

	_, count := f.queue.Intermission()
	assert.Zero(t, count)
}

func TestPlayUnknownID(t *testing.T) {
	f := newFixture(t)
	ok, err := f.queue.Play(f.index, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, f.queue.NowPlaying())
}

func TestPlayWritesSongLog(t *testing.T) {
	f := newFixture(t)
	b := f.add(t, 20, "Alice")

	_, err := f.queue.Play(f.index, b)
	require.NoError(t, err)

	rows := readCSV(t, filepath.Join(f.dir, "songs.csv"))
	require.Len(t, rows, 1)
	assert.Equal(t, f.now.Format(time.RFC3339), rows[0][0])
	assert.Equal(t, "Queen", rows[0][1])
	assert.Equal(t, "Bohemian Rhapsody", rows[0][2])
}

func TestPredictedEndRecurrence(t *testing.T) {
	f := newFixture(t)
	f.add(t, 10, "A") // 243s
	f.add(t, 20, "B") // 355s
	f.add(t, 30, "C") // 238s

	entries := f.queue.Entries()
	require.Len(t, entries, 3)

	// No intermissions recorded yet, avg is zero.
	assert.Equal(t, f.now.Add(243*time.Second), entries[0].PredictedEnd)
	assert.Equal(t, entries[0].PredictedEnd.Add(355*time.Second), entries[1].PredictedEnd)
	assert.Equal(t, entries[1].PredictedEnd.Add(238*time.Second), entries[2].PredictedEnd)

	// With a now-playing entry, the head prediction chains off its
	// predicted end plus the average intermission.
	_, err := f.queue.Play(f.index, entries[0].ID)
	require.NoError(t, err)
	np := f.queue.NowPlaying()
	f.now = np.PredictedEnd.Add(time.Minute)
	_, err = f.queue.Play(f.index, entries[1].ID)
	require.NoError(t, err)

	// One intermission of 60s recorded, avg 60s. The remaining entry
	// chains off the new now-playing predicted end.
	np = f.queue.NowPlaying()
	rest := f.queue.Entries()
	require.Len(t, rest, 1)
	assert.Equal(t, np.PredictedEnd.Add(time.Minute+238*time.Second), rest[0].PredictedEnd)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, 10, "A")

	ok, err := f.queue.Remove(f.index, a)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.queue.Entries())

	ok, err = f.queue.Remove(f.index, a)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveIfPasswordCorrect(t *testing.T) {
	f := newFixture(t)
	id, ok, err := f.queue.Add(f.index, 10, "A", "secret")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.queue.RemoveIfPasswordCorrect(f.index, id, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.queue.Entries(), 1)

	ok, err = f.queue.RemoveIfPasswordCorrect(f.index, id, "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.queue.Entries())
}

func TestRemoveIfPasswordCorrectWithoutPassword(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, 10, "A") // no password stored

	ok, err := f.queue.RemoveIfPasswordCorrect(f.index, id, "")
	require.NoError(t, err)
	assert.False(t, ok, "entries without a password cannot be removed by users")
}

func TestPersistenceAcrossRestarts(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, 10, "A")
	b := f.add(t, 20, "B")
	c := f.add(t, 30, "C")
	_, err := f.queue.MoveAfter(f.index, a, c)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{b, c, a}, entryIDs(f.queue.Entries()))

	reloaded, err := Load(f.path, catalog.RowIDSet(testSongs()), Logs{})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b, c, a}, entryIDs(reloaded.Entries()))

	if diff := cmp.Diff(f.queue.Entries(), reloaded.Entries()); diff != "" {
		t.Errorf("reloaded playlist differs (-want +got):\n%s", diff)
	}
}

func TestLoadReconcilesMissingSongs(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, 10, "A")
	b := f.add(t, 20, "B")
	c := f.add(t, 30, "C")
	_, err := f.queue.MoveAfter(f.index, a, c)
	require.NoError(t, err)
	_ = b

	// Restart with a catalog missing row id 30.
	shrunk := catalog.RowIDSet(testSongs()[:2])
	reloaded, err := Load(f.path, shrunk, Logs{})
	require.NoError(t, err)

	songsLeft := make([]int64, 0)
	for _, e := range reloaded.Entries() {
		songsLeft = append(songsLeft, e.Song)
	}
	assert.Equal(t, []int64{20, 10}, songsLeft)
}

func TestLoadReconcilesNowPlaying(t *testing.T) {
	f := newFixture(t)
	c := f.add(t, 30, "C")
	_, err := f.queue.Play(f.index, c)
	require.NoError(t, err)

	shrunk := catalog.RowIDSet(testSongs()[:2])
	reloaded, err := Load(f.path, shrunk, Logs{})
	require.NoError(t, err)
	assert.Nil(t, reloaded.NowPlaying())
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "playlist.json"), nil, Logs{})
	require.NoError(t, err)
	assert.Empty(t, p.Entries())
	assert.Nil(t, p.NowPlaying())
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playlist.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	_, err := Load(path, nil, Logs{})
	require.Error(t, err)
}

func TestSlowListenerIsDropped(t *testing.T) {
	f := newFixture(t)

	slow := make(chan []byte, 1) // room for the initial snapshot only
	_, err := f.queue.Subscribe(slow)
	require.NoError(t, err)

	healthy := make(chan []byte, 8)
	_, err = f.queue.Subscribe(healthy)
	require.NoError(t, err)
	<-healthy

	// The initial snapshot already filled the slow sink. The fan-out cannot
	// deliver, so the listener is dropped while the mutation still succeeds.
	_, ok, err := f.queue.Add(f.index, 10, "A", "")
	require.NoError(t, err)
	require.True(t, ok)
	<-healthy

	_, ok, err = f.queue.Add(f.index, 20, "B", "")
	require.NoError(t, err)
	require.True(t, ok)
	<-healthy

	assert.Len(t, slow, 1, "dropped listener receives nothing further")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newFixture(t)

	sink := make(chan []byte, 8)
	id, err := f.queue.Subscribe(sink)
	require.NoError(t, err)
	<-sink

	f.queue.Unsubscribe(id)
	f.add(t, 10, "A")
	assert.Empty(t, sink)

	// Unsubscribing twice is a no-op.
	f.queue.Unsubscribe(id)
}

func TestAllEntryIDsDistinct(t *testing.T) {
	f := newFixture(t)
	ids := map[uuid.UUID]struct{}{}
	for i := 0; i < 10; i++ {
		id := f.add(t, 10, "X")
		ids[id] = struct{}{}
	}
	_, err := f.queue.Play(f.index, f.queue.Entries()[0].ID)
	require.NoError(t, err)

	live := map[uuid.UUID]struct{}{}
	if np := f.queue.NowPlaying(); np != nil {
		live[np.ID] = struct{}{}
	}
	for _, e := range f.queue.Entries() {
		live[e.ID] = struct{}{}
	}
	assert.Len(t, ids, 10)
	assert.Len(t, live, 10)
}

func TestReportBug(t *testing.T) {
	f := newFixture(t)

	ok, err := f.queue.ReportBug(f.index, 30, "lyrics offset by one line")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.queue.ReportBug(f.index, 99, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	rows := readCSV(t, filepath.Join(f.dir, "bugs.csv"))
	require.Len(t, rows, 1)
	assert.Equal(t, f.now.Format(time.RFC3339), rows[0][0])
	assert.Equal(t, "Radiohead - Creep", rows[0][1])
	assert.Equal(t, "lyrics offset by one line", rows[0][2])
}

func TestSuggest(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.queue.Suggest("Eve", "ABBA", "Waterloo"))

	rows := readCSV(t, filepath.Join(f.dir, "suggestions.csv"))
	require.Len(t, rows, 1)
	assert.Equal(t, []string{f.now.Format(time.RFC3339), "Eve", "ABBA", "Waterloo"}, rows[0])
}

func entryIDs(entries []Entry) []uuid.UUID {
	out := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
