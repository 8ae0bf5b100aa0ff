// Package main is the entry point for the timeline materialization service:
// an incremental engine that keeps per-investor portfolio timelines up to
// date as cashflows and price updates arrive, and serves them over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/timeline/internal/config"
	"github.com/aristath/timeline/internal/database"
	"github.com/aristath/timeline/internal/timeline/engine"
	"github.com/aristath/timeline/internal/timeline/granularity"
	"github.com/aristath/timeline/internal/timeline/health"
	"github.com/aristath/timeline/internal/timeline/scheduler"
	"github.com/aristath/timeline/internal/timeline/server"
	"github.com/aristath/timeline/pkg/logger"
)

// jobFunc adapts a plain function to scheduler.Job.
type jobFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (j jobFunc) Name() string                  { return j.name }
func (j jobFunc) Run(ctx context.Context) error { return j.run(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Msg("starting timeline engine")

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "timeline.db"),
		Profile: database.ProfileStandard,
		Name:    "timeline",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate store schema")
	}

	granularities := granularity.Defaults()

	eng, err := engine.New(db, granularities, cfg.BatchSize, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct engine")
	}

	hub := server.NewHub(log)
	eng.SetPublisher(hub)

	healthChecker := health.New(db.Conn(), cfg.DataDir)

	srv := server.New(server.Config{
		Port:          cfg.Port,
		Engine:        eng,
		Granularities: granularities,
		Health:        healthChecker,
		Hub:           hub,
		Log:           log,
		DevMode:       cfg.LogPretty,
	})

	sched := scheduler.New(log)
	refreshJob := jobFunc{name: "refresh", run: eng.Refresh}
	gcJob := jobFunc{name: "retention_gc", run: eng.RetentionGC}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sched.RunNow(startupCtx, refreshJob); err != nil {
		log.Warn().Err(err).Msg("initial refresh failed")
	}
	startupCancel()

	if err := sched.AddJob(cfg.RetentionSweepCron, refreshJob); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule refresh job")
	}
	if err := sched.AddJob(cfg.RetentionSweepCron, gcJob); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule retention GC job")
	}
	sched.Start()

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
}
