package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradepilot/internal/bot"
	"tradepilot/internal/cfg"
	"tradepilot/internal/metrics"
	"tradepilot/internal/server"
	"tradepilot/internal/storage"
)

func main() {
	_ = godotenv.Load() // .env is optional
	setupLogging()

	settings, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	history := initializeStorage(settings)
	if history != nil {
		defer history.Close()
	}

	controller := bot.New(settings, history, m)

	startMetricsServer(ctx, settings, m)
	startProtocolServer(ctx, settings, controller)

	// Autostart the configured bot when requested; otherwise wait for
	// start_bot over the protocol.
	if os.Getenv("AUTOSTART") == "true" {
		if err := controller.Start(settings.Bot); err != nil {
			log.Error().Err(err).Msg("autostart failed, bot remains stopped")
		}
	}

	waitForShutdown(cancel, controller)
}

func setupLogging() {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// initializeStorage opens history persistence if DATA_PATH is configured.
func initializeStorage(s cfg.Settings) *storage.Store {
	if s.DataPath == "" {
		return nil
	}
	store, err := storage.New(s.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// startMetricsServer serves the Prometheus endpoint and a health probe.
func startMetricsServer(ctx context.Context, s cfg.Settings, _ *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()
	go func() {
		log.Info().Int("port", s.MetricsPort).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// startProtocolServer serves the WebSocket control protocol.
func startProtocolServer(ctx context.Context, s cfg.Settings, controller *bot.Controller) {
	mux := http.NewServeMux()
	mux.Handle("/ws", server.New(controller).Handler())

	srv := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown protocol server")
		}
	}()
	go func() {
		log.Info().Str("addr", s.ListenAddr).Msg("protocol server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("protocol server failed")
		}
	}()
}

func waitForShutdown(cancel context.CancelFunc, controller *bot.Controller) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutdown signal received")
	if err := controller.Stop(); err != nil && err != bot.ErrNotRunning {
		log.Warn().Err(err).Msg("bot stop during shutdown")
	}
	cancel()
	// Give servers a moment to drain.
	time.Sleep(100 * time.Millisecond)
	log.Info().Msg("shutdown complete")
}
