// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/stagelight/karaqueue/internal/catalog"
	xglog "github.com/stagelight/karaqueue/internal/log"
	"github.com/stagelight/karaqueue/internal/metrics"
	"github.com/stagelight/karaqueue/internal/search"
)

// maxSearchBody bounds the raw query body of POST /api/search.
const maxSearchBody = 4 << 10

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger := xglog.FromContext(r.Context())
		logger.Error().Err(err).Msg("encode response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// writeSearchError maps index errors onto the HTTP taxonomy: parse errors
// are the client's fault, everything else is ours.
func writeSearchError(w http.ResponseWriter, r *http.Request, err error) {
	logger := xglog.FromContext(r.Context())
	if errors.Is(err, search.ErrParse) {
		metrics.SearchRequest("parse_error")
		logger.Debug().Err(err).Msg("rejected search query")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.SearchRequest("error")
	logger.Error().Err(err).Msg("search failed")
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// nonNil keeps empty result sets encoding as [] instead of null.
func nonNil(songs []catalog.Song) []catalog.Song {
	if songs == nil {
		return []catalog.Song{}
	}
	return songs
}

// handleSong serves GET /api/song?id=1,2,3 with the first matching song.
func (s *Server) handleSong(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	parts := strings.Split(raw, ",")
	terms := make([]string, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			logger := xglog.FromContext(r.Context())
			logger.Debug().Str("id", raw).Msg("bad song id list")
			http.Error(w, "malformed id list", http.StatusBadRequest)
			return
		}
		terms = append(terms, "rowid:"+strconv.FormatInt(id, 10))
	}

	songs, err := s.index.Search(strings.Join(terms, " OR "), 1)
	if err != nil {
		writeSearchError(w, r, err)
		return
	}
	if len(songs) == 0 {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	metrics.SearchRequest("success")
	writeJSON(w, r, songs[0])
}

// handleSearch serves POST /api/search; the body is the raw query string.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSearchBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	songs, err := s.index.Search(string(body), search.DefaultLimit)
	if err != nil {
		writeSearchError(w, r, err)
		return
	}
	metrics.SearchRequest("success")
	writeJSON(w, r, nonNil(songs))
}

// handleAllSongs serves GET /api/all_songs?offset=N&per_page=M[&query=...],
// a window of the catalog in browse order.
func (s *Server) handleAllSongs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil {
		http.Error(w, "malformed offset", http.StatusBadRequest)
		return
	}
	perPage, err := strconv.Atoi(q.Get("per_page"))
	if err != nil {
		http.Error(w, "malformed per_page", http.StatusBadRequest)
		return
	}

	songs, err := s.index.Paginated(offset, perPage, q.Get("query"))
	if err != nil {
		writeSearchError(w, r, err)
		return
	}
	metrics.SearchRequest("success")
	writeJSON(w, r, nonNil(songs))
}

// handleRandomSongs serves GET /api/random_songs?count=N[&query=...].
func (s *Server) handleRandomSongs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := strconv.Atoi(q.Get("count"))
	if err != nil {
		http.Error(w, "malformed count", http.StatusBadRequest)
		return
	}

	songs, err := s.index.RandomPicks(count, q.Get("query"))
	if err != nil {
		writeSearchError(w, r, err)
		return
	}
	metrics.SearchRequest("success")
	writeJSON(w, r, nonNil(songs))
}

// handleSongCount serves GET /api/song_count as a plain-text integer.
func (s *Server) handleSongCount(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strconv.Itoa(s.index.Count())))
}

// handleLanguages serves GET /api/languages, the sorted distinct languages
// of the catalog.
func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	langs := s.languages
	if langs == nil {
		langs = []string{}
	}
	writeJSON(w, r, langs)
}

type suggestion struct {
	Name   string `json:"name"`
	Artist string `json:"artist"`
	Title  string `json:"title"`
}

// handleSuggest serves POST /api/suggest, appending one row to the
// suggestion log.
func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var sug suggestion
	if err := json.NewDecoder(r.Body).Decode(&sug); err != nil {
		http.Error(w, "malformed suggestion", http.StatusBadRequest)
		return
	}
	if err := s.queue.Suggest(sug.Name, sug.Artist, sug.Title); err != nil {
		logger := xglog.FromContext(r.Context())
		logger.Error().Err(err).Msg("append suggestion")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
