package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Relief/internal/adapters/http"
	"github.com/dkeye/Relief/internal/adapters/rtc"
	"github.com/dkeye/Relief/internal/app"
	"github.com/dkeye/Relief/internal/app/calls"
	"github.com/dkeye/Relief/internal/app/orch"
	"github.com/dkeye/Relief/internal/auth"
	"github.com/dkeye/Relief/internal/config"
	"github.com/dkeye/Relief/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console logger until the config says otherwise.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log)

	verifier, err := auth.New(cfg.Auth.Mode, auth.JWTConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up auth")
	}

	codecOpts := protocol.Options{LegacyEventNames: cfg.Protocol.LegacyEventNames}
	if cfg.Protocol.ValidateSDP {
		codecOpts.CheckSDP = rtc.ValidateSessionDescription
	}

	reg := app.NewRegistry(app.RegistryConfig{
		DedupeCapacity: cfg.Dedupe.Capacity,
		DedupeTTL:      cfg.Dedupe.TTL,
	})
	tracker := calls.New(calls.Config{
		Strict:         cfg.Calls.Strict,
		RequestTimeout: cfg.Calls.RequestTimeout,
		SweepInterval:  cfg.Calls.SweepInterval,
	})

	o := &orch.Orchestrator{
		Registry:             reg,
		Calls:                tracker,
		Policy:               app.SimplePolicy{},
		EndCallsOnDisconnect: cfg.Calls.EndOnDisconnect,
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:     o,
		Codec:    protocol.NewCodec(codecOpts),
		Verifier: verifier,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Relief server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return tracker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
