// Package main runs the fieldsync daemon: the local outbox API, the
// background flush and poll loops, and the WebSocket event stream for the UI.
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

	"github.com/spf13/pflag"

	"github.com/agrilink/fieldsync/backend/internal/config"
	"github.com/agrilink/fieldsync/backend/internal/logging"
	"github.com/agrilink/fieldsync/backend/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fieldsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("fieldsyncd", pflag.ContinueOnError)
	envFile := flags.String("env-file", "", "path to a .env file (default: ./.env when present)")
	dataDir := flags.String("data-dir", "", "directory holding the local database (overrides FIELDSYNC_DATA_DIR)")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	if *dataDir != "" {
		if err := os.Setenv("FIELDSYNC_DATA_DIR", *dataDir); err != nil {
			return err
		}
	}
	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}

	logging.InitFormat(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger := logging.Get().Named("fieldsyncd")
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Init("fieldsyncd", version, cfg.JaegerEndpoint)
	if err != nil {
		logger.Warn("Tracing disabled", map[string]interface{}{"error": err.Error()})
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("Failed to flush traces", map[string]interface{}{"error": err.Error()})
		}
	}()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.start(ctx)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Local API listening", map[string]interface{}{
			"addr":     cfg.HTTPAddr,
			"data_dir": cfg.DataDir,
			"api_url":  cfg.APIURL,
			"version":  version,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shut down", map[string]interface{}{"error": err.Error()})
	}
	cancel()
	if err := a.close(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	logger.Info("Shutdown complete")
	return runErr
}
