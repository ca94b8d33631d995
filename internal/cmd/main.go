package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/playhead/playhead/internal/clock"
	"github.com/playhead/playhead/internal/gateway"
	"github.com/playhead/playhead/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", config.Port).
		Int("tick_interval_ms", config.TickIntervalMs).
		Str("db_path", config.DBPath).
		Msg("starting playhead clock server")

	store, err := storage.Open(config.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	sinks := []clock.Broadcaster{cm}

	var mirror *gateway.StateMirror
	if config.NATSURL != "" {
		cfg := gateway.DefaultMirrorConfig()
		cfg.URL = config.NATSURL
		mirror, err = gateway.NewStateMirror(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start state mirror")
		}
		defer mirror.Close()
		sinks = append(sinks, mirror)
	}

	clockServer := clock.NewServer(
		clockwork.NewRealClock(),
		store,
		clock.Options{TickInterval: time.Duration(config.TickIntervalMs) * time.Millisecond},
		sinks...,
	)
	clockServer.Restore(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go clockServer.Run(ctx)
	go cm.Run(ctx)

	mux := http.NewServeMux()
	gateway.NewHandler(clockServer, cm).RegisterRoutes(mux)
	server := setupServer(mux, config.Port)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Persist the clock (paused) so the timeline survives the restart.
	if _, err := clockServer.Save(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to persist clock on shutdown")
	}

	cancel()
	log.Info().Msg("playhead shutdown complete")
}
