// SPDX-License-Identifier: MIT

// Package playlist owns the singing queue: a persisted, multi-subscriber
// list with intermission-aware playtime prediction.
package playlist

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stagelight/karaqueue/internal/catalog"
	xglog "github.com/stagelight/karaqueue/internal/log"
	"github.com/stagelight/karaqueue/internal/metrics"
)

// maxIntermission bounds what still counts as a break between two songs.
// Longer gaps span parties and must not skew the average.
const maxIntermission = 5 * time.Minute

// SongSource answers catalog queries. The playlist deliberately holds no
// reference to the search index; callers thread it into every operation
// that needs metadata.
type SongSource interface {
	Search(query string, limit int) ([]catalog.Song, error)
}

// Playlist is the playlist engine. All mutations run under a single write
// lock which also covers persistence and subscriber fan-out, so every
// subscriber observes state transitions in the same order the snapshot file
// goes through on disk.
type Playlist struct {
	mu    sync.RWMutex
	state state

	persistPath string
	validSongs  map[int64]struct{}

	listeners  map[uint64]chan<- []byte
	listenerID uint64

	songLog       *eventLog
	bugLog        *eventLog
	suggestionLog *eventLog

	logger zerolog.Logger
	now    func() time.Time // stubbed in tests
}

// Logs names the optional append-only CSV sinks. Empty paths disable the
// respective log.
type Logs struct {
	SongLog       string
	BugLog        string
	SuggestionLog string
}

// Load reads the persisted playlist from path, reconciles it against the
// catalog and opens the event logs. A missing file starts an empty
// playlist. Entries whose song has disappeared from the catalog since the
// last run are dropped.
func Load(path string, validSongs map[int64]struct{}, logs Logs) (*Playlist, error) {
	p := &Playlist{
		persistPath: path,
		validSongs:  validSongs,
		listeners:   make(map[uint64]chan<- []byte),
		logger:      xglog.WithComponent("playlist"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &p.state); err != nil {
			return nil, fmt.Errorf("decode playlist %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// First run, start empty.
	default:
		return nil, fmt.Errorf("read playlist %s: %w", path, err)
	}

	p.reconcile()

	if p.songLog, err = openEventLog(logs.SongLog); err != nil {
		return nil, err
	}
	if p.bugLog, err = openEventLog(logs.BugLog); err != nil {
		return nil, err
	}
	if p.suggestionLog, err = openEventLog(logs.SuggestionLog); err != nil {
		return nil, err
	}

	return p, nil
}

// reconcile drops entries that reference songs missing from the catalog.
func (p *Playlist) reconcile() {
	if p.state.List == nil {
		p.state.List = []Entry{}
	}
	kept := p.state.List[:0]
	for _, e := range p.state.List {
		if _, ok := p.validSongs[e.Song]; ok {
			kept = append(kept, e)
			continue
		}
		p.logger.Warn().Stringer("entry", e.ID).Int64("song", e.Song).
			Msg("dropping queued entry, song missing from catalog")
	}
	p.state.List = kept

	if np := p.state.NowPlaying; np != nil {
		if _, ok := p.validSongs[np.Song]; !ok {
			p.logger.Warn().Stringer("entry", np.ID).Int64("song", np.Song).
				Msg("clearing now playing, song missing from catalog")
			p.state.NowPlaying = nil
		}
	}
}

// Close closes the event logs.
func (p *Playlist) Close() error {
	return errors.Join(p.songLog.close(), p.bugLog.close(), p.suggestionLog.close())
}

// Subscribe registers sink and immediately pushes the current snapshot to
// it. The returned id cancels the subscription via Unsubscribe.
func (p *Playlist) Subscribe(sink chan<- []byte) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot, err := json.Marshal(&p.state)
	if err != nil {
		return 0, fmt.Errorf("marshal playlist: %w", err)
	}
	select {
	case sink <- snapshot:
	default:
		return 0, errors.New("subscribe: sink cannot accept the initial snapshot")
	}

	p.listenerID++
	id := p.listenerID
	p.listeners[id] = sink
	metrics.SetSubscribers(len(p.listeners))
	return id, nil
}

// Unsubscribe removes the listener. Unknown ids are a no-op.
func (p *Playlist) Unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.listeners, id)
	metrics.SetSubscribers(len(p.listeners))
}

// Add appends a new entry for song. It reports false without mutating
// anything when song is not in the catalog.
func (p *Playlist) Add(src SongSource, song int64, singer, password string) (uuid.UUID, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.validSongs[song]; !ok {
		return uuid.Nil, false, nil
	}

	id := uuid.New()
	p.state.List = append(p.state.List, Entry{
		ID:       id,
		Song:     song,
		Singer:   singer,
		Password: password,
	})
	if err := p.didChange(src, "add"); err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

// Play promotes the identified entry to now playing, displacing whatever
// was there, and updates the intermission statistics.
func (p *Playlist) Play(src SongSource, id uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.state.indexOf(id)
	if i < 0 {
		return false, nil
	}

	entry := p.state.List[i]
	p.state.List = append(p.state.List[:i], p.state.List[i+1:]...)

	if old := p.state.NowPlaying; old != nil {
		delta := p.now().Sub(old.PredictedEnd)
		if delta >= 0 && delta < maxIntermission {
			p.state.IntermissionCount++
			p.state.IntermissionTotal += delta.Seconds()
		}
	}
	p.state.NowPlaying = &entry

	p.logPlayed(src, entry.Song)

	if err := p.didChange(src, "play"); err != nil {
		return false, err
	}
	return true, nil
}

// logPlayed appends a song log row for the entry that just started. Log
// failures are reported but do not fail the mutation.
func (p *Playlist) logPlayed(src SongSource, song int64) {
	songs, err := src.Search("rowid:"+strconv.FormatInt(song, 10), 1)
	if err != nil || len(songs) == 0 {
		p.logger.Error().Err(err).Int64("song", song).Msg("song log: metadata lookup failed")
		return
	}
	ts := p.now().Format(time.RFC3339)
	if err := p.songLog.append(ts, songs[0].Artist, songs[0].Title); err != nil {
		p.logger.Error().Err(err).Msg("song log: append failed")
	}
}

// Remove deletes the identified entry from the queue.
func (p *Playlist) Remove(src SongSource, id uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(src, id)
}

// RemoveIfPasswordCorrect deletes the entry iff its stored password equals
// password. Entries without a password cannot be removed this way.
func (p *Playlist) RemoveIfPasswordCorrect(src SongSource, id uuid.UUID, password string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.state.indexOf(id)
	if i < 0 {
		return false, nil
	}
	stored := p.state.List[i].Password
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return false, nil
	}
	return p.removeLocked(src, id)
}

func (p *Playlist) removeLocked(src SongSource, id uuid.UUID) (bool, error) {
	i := p.state.indexOf(id)
	if i < 0 {
		return false, nil
	}
	p.state.List = append(p.state.List[:i], p.state.List[i+1:]...)
	if err := p.didChange(src, "remove"); err != nil {
		return false, err
	}
	return true, nil
}

// Swap exchanges the queue positions of two entries. Equal or unknown ids
// are a no-op reported as false.
func (p *Playlist) Swap(src SongSource, id1, id2 uuid.UUID) (bool, error) {
	if id1 == id2 {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	i, j := p.state.indexOf(id1), p.state.indexOf(id2)
	if i < 0 || j < 0 {
		return false, nil
	}
	p.state.List[i], p.state.List[j] = p.state.List[j], p.state.List[i]
	if err := p.didChange(src, "swap"); err != nil {
		return false, err
	}
	return true, nil
}

// MoveAfter repositions id to immediately follow after. After the
// operation the entry at after is directly followed by the entry at id.
func (p *Playlist) MoveAfter(src SongSource, id, after uuid.UUID) (bool, error) {
	if id == after {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	i, j := p.state.indexOf(id), p.state.indexOf(after)
	if i < 0 || j < 0 {
		return false, nil
	}

	entry := p.state.List[i]
	p.state.List = append(p.state.List[:i], p.state.List[i+1:]...)
	// After removal the entries behind i shifted left by one: the slot just
	// behind `after` is j when the entry came from in front of it, j+1
	// otherwise.
	pos := j
	if i > j {
		pos = j + 1
	}
	p.state.List = append(p.state.List[:pos], append([]Entry{entry}, p.state.List[pos:]...)...)

	if err := p.didChange(src, "moveAfter"); err != nil {
		return false, err
	}
	return true, nil
}

// MoveTop moves id to the head of the queue.
func (p *Playlist) MoveTop(src SongSource, id uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.state.indexOf(id)
	if i < 0 {
		return false, nil
	}
	entry := p.state.List[i]
	p.state.List = append(p.state.List[:i], p.state.List[i+1:]...)
	p.state.List = append([]Entry{entry}, p.state.List...)

	if err := p.didChange(src, "moveTop"); err != nil {
		return false, err
	}
	return true, nil
}

// ReportBug appends a bug log row for song. It reports false when song has
// no catalog entry.
func (p *Playlist) ReportBug(src SongSource, song int64, report string) (bool, error) {
	songs, err := src.Search("rowid:"+strconv.FormatInt(song, 10), 1)
	if err != nil {
		return false, fmt.Errorf("bug report: metadata lookup: %w", err)
	}
	if len(songs) == 0 {
		return false, nil
	}
	ts := p.now().Format(time.RFC3339)
	label := songs[0].Artist + " - " + songs[0].Title
	if err := p.bugLog.append(ts, label, report); err != nil {
		return false, err
	}
	metrics.PlaylistMutation("reportBug")
	return true, nil
}

// Suggest appends a suggestion log row.
func (p *Playlist) Suggest(name, artist, title string) error {
	ts := p.now().Format(time.RFC3339)
	if err := p.suggestionLog.append(ts, name, artist, title); err != nil {
		return err
	}
	metrics.PlaylistMutation("suggest")
	return nil
}

// Entries returns a copy of the pending queue.
func (p *Playlist) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, len(p.state.List))
	copy(out, p.state.List)
	return out
}

// NowPlaying returns a copy of the entry currently being sung, if any.
func (p *Playlist) NowPlaying() *Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state.NowPlaying == nil {
		return nil
	}
	np := *p.state.NowPlaying
	return &np
}

// Intermission returns the accumulated break statistics.
func (p *Playlist) Intermission() (total time.Duration, count uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.state.IntermissionTotal * float64(time.Second)), p.state.IntermissionCount
}

// Snapshot returns the current serialized playlist, as persisted and
// broadcast.
func (p *Playlist) Snapshot() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(&p.state)
}

// didChange finishes every mutation while the write lock is held: it
// recomputes the playtime predictions, persists the snapshot atomically and
// fans it out to all subscribers. Persisting happens before the broadcast;
// a listener that cannot accept the snapshot is dropped rather than failing
// the mutation.
func (p *Playlist) didChange(src SongSource, op string) error {
	durations, err := p.listDurations(src)
	if err != nil {
		return err
	}

	avg := p.state.averageIntermission()
	var end time.Time
	for i := range p.state.List {
		d := time.Duration(durations[p.state.List[i].Song] * float64(time.Second))
		switch {
		case i == 0 && p.state.NowPlaying == nil:
			end = p.now().Add(d)
		case i == 0:
			end = p.state.NowPlaying.PredictedEnd.Add(avg + d)
		default:
			end = end.Add(avg + d)
		}
		p.state.List[i].PredictedEnd = end
	}

	snapshot, err := json.Marshal(&p.state)
	if err != nil {
		return fmt.Errorf("marshal playlist: %w", err)
	}
	if err := renameio.WriteFile(p.persistPath, snapshot, 0o644); err != nil {
		return fmt.Errorf("persist playlist: %w", err)
	}

	for id, sink := range p.listeners {
		select {
		case sink <- snapshot:
		default:
			// The listener's channel is full; its connection is too slow to
			// keep up. Drop it instead of stalling every other subscriber.
			delete(p.listeners, id)
			p.logger.Warn().Uint64("listener", id).Msg("dropping slow listener")
		}
	}
	metrics.SetSubscribers(len(p.listeners))
	metrics.PlaylistMutation(op)
	return nil
}

// listDurations fetches the durations of all queued songs in one index
// query.
func (p *Playlist) listDurations(src SongSource) (map[int64]float64, error) {
	if len(p.state.List) == 0 {
		return nil, nil
	}

	terms := make([]string, len(p.state.List))
	for i, e := range p.state.List {
		terms[i] = "rowid:" + strconv.FormatInt(e.Song, 10)
	}
	songs, err := src.Search(strings.Join(terms, " OR "), len(p.state.List))
	if err != nil {
		return nil, fmt.Errorf("duration lookup: %w", err)
	}

	durations := make(map[int64]float64, len(songs))
	for _, s := range songs {
		durations[s.RowID] = s.Duration
	}
	return durations, nil
}
