// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface of the server: the catalog and
// search endpoints, the suggestion endpoint and the websocket playlist
// protocol.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	xglog "github.com/stagelight/karaqueue/internal/log"
	"github.com/stagelight/karaqueue/internal/playlist"
	"github.com/stagelight/karaqueue/internal/search"
)

// Server wires the search index and the playlist engine into HTTP
// handlers. The playlist holds no reference to the index; the handlers
// thread both into every call.
type Server struct {
	index     *search.Index
	queue     *playlist.Playlist
	password  string
	languages []string

	webAppDir string
	mediaDir  string

	logger zerolog.Logger
}

// Options carries the optional parts of the server setup.
type Options struct {
	// Languages is the sorted distinct-language list served by
	// /api/languages.
	Languages []string
	// WebAppDir, when set, is served at the root.
	WebAppDir string
	// MediaDir, when set, is served under /media/ (covers and audio).
	MediaDir string
}

// New creates the HTTP server around the given core components. password
// guards the admin websocket commands.
func New(index *search.Index, queue *playlist.Playlist, password string, opts Options) *Server {
	return &Server{
		index:     index,
		queue:     queue,
		password:  password,
		languages: opts.Languages,
		webAppDir: opts.WebAppDir,
		mediaDir:  opts.MediaDir,
		logger:    xglog.WithComponent("api"),
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(httprate.LimitByIP(600, time.Minute))

	r.Route("/api", func(r chi.Router) {
		r.Get("/song", s.handleSong)
		r.Post("/search", s.handleSearch)
		r.Get("/all_songs", s.handleAllSongs)
		r.Get("/random_songs", s.handleRandomSongs)
		r.Get("/song_count", s.handleSongCount)
		r.Get("/languages", s.handleLanguages)
		r.Post("/suggest", s.handleSuggest)
	})
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	if s.mediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir))))
	}
	if s.webAppDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.webAppDir)))
	}
	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requestID attaches a fresh correlation id to every request context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := xglog.ContextWithRequestID(r.Context(), uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer converts handler panics into 500s instead of killing the
// connection goroutine silently.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := xglog.FromContext(r.Context())
				logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panic")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the websocket upgrade working through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// requestLogger emits one structured log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger := xglog.FromContext(r.Context())
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
