// Package main is the entry point for the Adjutant background core. It wires
// the scheduling and update-distribution components, starts the HTTP
// observability server and the chat channels, and runs until signaled.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adjutant-app/adjutant/internal/config"
	"github.com/adjutant-app/adjutant/internal/di"
	"github.com/adjutant-app/adjutant/internal/server"
	"github.com/adjutant-app/adjutant/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().Msg("Starting Adjutant")

	// Wire all dependencies: journal, budget guard, dispatcher, heartbeat,
	// update coordinator, channel router, history archive, Redis bridge and
	// the orchestrator over all of them.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Port:         cfg.Port,
		Orchestrator: container.Orchestrator,
		Journal:      container.Journal,
		Budget:       container.Budget,
		Updates:      container.Updates,
		Archive:      container.Archive,
		Router:       container.Router,
		Webchat:      container.Webchat.Handler(),
	}, log)

	// Start server in goroutine so the component loops can start concurrently.
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start chat channels. A channel that fails to start is logged and
	// skipped; the rest of the system keeps running.
	for id, startErr := range container.Router.StartAll(ctx) {
		if startErr != nil {
			log.Error().Err(startErr).Str("channel", id).Msg("Failed to start channel")
		}
	}

	// Start the component loops: dispatcher, heartbeat, update coordinator
	// and the maintenance schedule.
	container.Orchestrator.Start()
	log.Info().Msg("Orchestrator started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	container.Orchestrator.Stop()
	log.Info().Msg("Orchestrator stopped")

	for id, stopErr := range container.Router.StopAll() {
		if stopErr != nil {
			log.Error().Err(stopErr).Str("channel", id).Msg("Error stopping channel")
		}
	}

	// Graceful shutdown with a bounded drain window for in-flight requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
