package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaitd/kaitd/internal/config"
	"github.com/kaitd/kaitd/internal/daemon"
)

// Exit codes: 0 clean shutdown, 1 configuration or startup error, 2 data
// directory not writable, 3 port bind conflict.
const (
	exitConfig      = 1
	exitDataDir     = 2
	exitPortInUse   = 3
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest daemon, pipeline, advisory engine, and promotion loop",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = rt.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Shutdown(shutdownCtx)

	if err != nil {
		return err
	}
	logger.Info("clean shutdown")
	return nil
}

// loadConfig reads the configured file, or falls back to defaults when no
// file exists at the default path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	def := config.DefaultConfigPath()
	if _, err := os.Stat(def); err == nil {
		return config.Load(def)
	}
	return config.Default(), nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("KAITD_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitCodeFor maps a fatal error to the documented exit codes.
func exitCodeFor(err error) int {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "listen" {
		return exitPortInUse
	}
	msg := err.Error()
	if strings.Contains(msg, "address already in use") {
		return exitPortInUse
	}
	if strings.Contains(msg, "data root not writable") {
		return exitDataDir
	}
	return exitConfig
}
