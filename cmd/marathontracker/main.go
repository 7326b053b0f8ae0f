/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

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
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/friendsincode/marathon_tracker/internal/config"
	"github.com/friendsincode/marathon_tracker/internal/db"
	"github.com/friendsincode/marathon_tracker/internal/logging"
	"github.com/friendsincode/marathon_tracker/internal/server"
	"github.com/friendsincode/marathon_tracker/internal/telemetry"
)

const version = "0.3.0"

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "marathontracker",
	Short:        "Marathon Tracker - schedule engine for charity speedrun marathons",
	Long:         "Marathon Tracker keeps the run order of a donation marathon consistent while runs are moved, retimed and pinned to wall-clock anchors.",
	Version:      version,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Marathon Tracker server",
	Long:  "Start the HTTP API, the audit writer and the scheduled integrity scan",
	RunE:  runServe,
}

var shutdownTimeout time.Duration

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "How long to wait for in-flight requests on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	config.LoadDotEnv()

	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	// Moves in flight finish; new ones are refused once the listener closes.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", version).Str("instance", cfg.InstanceID).Msg("marathon tracker starting")

	tracing, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "marathon-tracker",
		ServiceVersion: version,
		InstanceID:     cfg.InstanceID,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("spans may have been lost on exit")
		}
	}()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("closing server dependencies")
		}
	}()

	httpServer := srv.HTTPServer()
	listenErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("listening")
		listenErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, draining requests")
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error().Err(err).Dur("timeout", shutdownTimeout).Msg("requests still running at shutdown deadline")
	}

	logger.Info().Msg("marathon tracker stopped")
	return runErr
}

// initDatabase connects and migrates (used by the offline commands)
func initDatabase() (*gorm.DB, error) {
	database, err := db.Connect(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database); err != nil {
		_ = db.Close(database)
		return nil, err
	}
	return database, nil
}
