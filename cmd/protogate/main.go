// Package main runs the protocol gateway: it loads tenant configs, keeps
// one transport connection per tenant alive and pushes every inbound frame
// through the message pipeline to the configured sinks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/gateway"
	"github.com/c360/protogate/metric"
	"github.com/c360/protogate/natsclient"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "protogate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args, os.Stderr)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	logger := setupLogger(os.Stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting protogate", "version", Version, "build_time", BuildTime,
		"tenant_source", cfg.Tenants.Source, "sinks", cfg.Sinks)

	return serve(ctx, cfg, cli.ShutdownTimeout, logger)
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.TenantsPath != "" {
		cfg.Tenants.Source = config.SourceFile
		cfg.Tenants.Path = cli.TenantsPath
	}
	if cli.AdminPort >= 0 {
		cfg.Admin.Port = cli.AdminPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration, logger *slog.Logger) error {
	metrics := metric.NewMetricsRegistry()

	var nc *natsclient.Client
	if needsNATS(cfg) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := connectNATS(connCtx, cfg.NATS, logger)
		cancel()
		if err != nil {
			return err
		}
		nc = client
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = nc.Close(closeCtx)
		}()
	}

	source, events, err := buildSource(ctx, cfg, nc, logger)
	if err != nil {
		return err
	}
	directory, closeDirectory, err := buildDirectory(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = closeDirectory() }()
	codecs, err := buildCodecs(cfg.Products)
	if err != nil {
		return err
	}
	out, err := buildSink(cfg, nc, metrics, logger)
	if err != nil {
		return err
	}
	// Detached from the signal context so queued batches drain on Close.
	if err := out.Start(context.Background()); err != nil {
		return fmt.Errorf("start sink: %w", err)
	}

	gw, err := gateway.New(cfg.Gateway, gateway.Deps{
		Source:    source,
		Dialers:   buildDialers(logger),
		Directory: directory,
		Codec:     codecs,
		Sink:      out,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if nc != nil {
		gw.Manager().RegisterShared(sharedNATS, nc.IsHealthy)
	}

	// Tenant start failures are per tenant; the gateway keeps serving the
	// rest and the admin API can retry them.
	if err := gw.Start(ctx, true); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Gateway started with tenant errors", "error", err)
	}
	if events != nil {
		go gw.Manager().Follow(ctx, events)
	}

	var admin *http.Server
	if cfg.Admin.Port > 0 {
		admin = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Admin.Port),
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Admin API listening", "addr", admin.Addr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin API failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("Protogate shutdown complete")
	return nil
}
