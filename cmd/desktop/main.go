// Package main provides the local HTTP and WebSocket server the desktop UI talks to.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/rocade/cmd/desktop/handlers"
	"github.com/kimhsiao/rocade/internal/assets"
	"github.com/kimhsiao/rocade/internal/config"
	"github.com/kimhsiao/rocade/internal/db"
	"github.com/kimhsiao/rocade/internal/igdb"
	"github.com/kimhsiao/rocade/internal/logging"
	"github.com/kimhsiao/rocade/internal/steam"
	syncpkg "github.com/kimhsiao/rocade/internal/sync"
	"github.com/kimhsiao/rocade/internal/sync/scheduler"
)

func main() {
	if err := run(); err != nil {
		logging.Error("desktop server failed", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Init(ctx, cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer database.Close()

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	cache, err := assets.NewCache(cfg.AssetsDir(), assets.WithTimeout(cfg.HTTPTimeout))
	if err != nil {
		return err
	}

	tokens := igdb.NewTwitchTokenSource(cfg.TwitchClientID, cfg.TwitchClientSecret, igdb.DefaultTokenURL, cfg.HTTPTimeout)
	metadata := igdb.NewClient(cfg.TwitchClientID, tokens,
		igdb.WithRateLimit(cfg.IGDBRequestsPerSec),
		igdb.WithTimeout(cfg.HTTPTimeout),
	)
	owned := steam.NewAPIClient(cfg.SteamAPIKey, cfg.SteamProfileID, steam.DefaultAPIURL, cfg.HTTPTimeout)
	local := steam.NewLocalClient(cfg.SteamLibraryPath, cfg.SteamAssumeInstalled)

	hub := NewWSHub()
	defer hub.Close()

	engine := syncpkg.NewSyncEngine(owned, metadata, repo)
	engine.SetEventHandler(hub)
	engine.SetImagePrefetcher(cache)

	sched, err := scheduler.NewScheduler(engine, &scheduler.SchedulerConfig{Schedule: cfg.SyncSchedule})
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	server := NewServer(
		handlers.NewGamesHandler(repo, local, cfg.FuzzyThreshold),
		handlers.NewLibraryHandler(sched, repo),
		handlers.NewAssetsHandler(cache),
		hub,
	)
	srv := server.HTTPServer(cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("desktop server listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logging.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("server forced to shut down", map[string]interface{}{"error": err.Error()})
	}
	return nil
}
