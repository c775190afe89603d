package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breatheroute/recoveryd/internal/logging"
	"github.com/breatheroute/recoveryd/internal/supervisor"
	"github.com/breatheroute/recoveryd/internal/telemetry"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	}, telemetry.ServiceName, Version)

	log.Info().
		Str("build_time", BuildTime).
		Strs("services", cfg.Services).
		Msg("starting recoveryd")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.FromConfig(cfg.Telemetry, Version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()
	if tp.Enabled() {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	sup, err := supervisor.New(supervisor.Options{
		Config:    cfg,
		Logger:    log,
		Version:   Version,
		BuildTime: BuildTime,
	})
	if err != nil {
		return err
	}

	if err := sup.Start(ctx); err != nil {
		if errors.Is(err, supervisor.ErrStartup) {
			log.Error().Err(err).Msg("startup validation failed")
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = sup.Stop(stopCtx)
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down recoveryd")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("recoveryd forced to shutdown")
		return err
	}

	log.Info().Msg("recoveryd stopped")
	return nil
}
