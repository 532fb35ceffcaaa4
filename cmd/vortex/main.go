package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vortex-trading/vortex/internal/app"
	"github.com/vortex-trading/vortex/internal/config"
)

// Exit codes.
const (
	exitOK              = 0
	exitConfigError     = 2
	exitStreamingFailed = 3
	exitStartupInvalid  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Setup structured logging.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "vortex").
		Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return exitConfigError
	}

	if level, err := zerolog.ParseLevel(cfg.General.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.General.LogFormat == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("startup validation failed")
		return exitStartupInvalid
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("dry_run", cfg.General.DryRun).
		Int("pools", len(cfg.Pools)).
		Msg("configuration loaded")

	a, err := app.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to build pipeline")
		return exitStartupInvalid
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, app.ErrStreamingFailed) {
			log.Error().Err(err).Msg("streaming failed after max retries")
			return exitStreamingFailed
		}
		log.Error().Err(err).Msg("pipeline stopped with error")
		return 1
	}

	log.Info().Msg("shutdown complete")
	return exitOK
}
