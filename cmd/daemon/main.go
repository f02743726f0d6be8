// SPDX-License-Identifier: MIT

// The karaqueue daemon: loads the song catalog, builds the search index,
// restores the persisted playlist and serves the HTTP/websocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stagelight/karaqueue/internal/api"
	"github.com/stagelight/karaqueue/internal/catalog"
	"github.com/stagelight/karaqueue/internal/config"
	xglog "github.com/stagelight/karaqueue/internal/log"
	"github.com/stagelight/karaqueue/internal/playlist"
	"github.com/stagelight/karaqueue/internal/search"
	"github.com/stagelight/karaqueue/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger := xglog.Base()
		logger.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	xglog.Configure(xglog.Config{Level: cfg.Logging.Level})
	logger := xglog.WithComponent("daemon")
	logger.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("built", version.Date).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("database", cfg.Paths.Database).Msg("loading song catalog")
	songs, err := catalog.Load(ctx, cfg.Paths.Database)
	if err != nil {
		return err
	}

	index := search.New(songs)

	// Reconciliation must finish before the listener accepts connections.
	queue, err := playlist.Load(cfg.Paths.Playlist, catalog.RowIDSet(songs), playlist.Logs{
		SongLog:       cfg.Paths.SongLog,
		BugLog:        cfg.Paths.BugLog,
		SuggestionLog: cfg.Paths.SuggestionLog,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error().Err(err).Msg("closing event logs")
		}
	}()

	server := api.New(index, queue, cfg.Server.Password, api.Options{
		Languages: catalog.Languages(songs),
		WebAppDir: cfg.Paths.WebApp,
		MediaDir:  cfg.Paths.Media,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.Listen).Msg("listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
