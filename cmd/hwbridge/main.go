// Package main provides the entry point for the hardware-wallet bridge
// daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/silverpine/hwbridge/internal/config"
	"github.com/silverpine/hwbridge/internal/core"
	"github.com/silverpine/hwbridge/internal/gateway"
)

// ShutdownTimeout bounds how long Dispose is given before the process
// exits anyway. The wire server's graceful shutdown uses its own fixed
// grace period (see WireServer.Serve).
const ShutdownTimeout = 10 * time.Second

func main() {
	os.Exit(runMain())
}

func runMain() int {
	configFile := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	settings, err := config.Load(*configFile)
	if err != nil {
		slog.Error("loading settings", "error", err)
		return 1
	}

	level := slog.LevelInfo
	if settings.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, &settings, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// components holds every process-level resource wired at startup so
// shutdown has a single place to reach all of them.
type components struct {
	controller *core.Controller
	wire       *gateway.WireServer
}

func run(ctx context.Context, settings *config.Settings, logger *slog.Logger) error {
	comps := initializeComponents(settings, logger)

	if err := comps.controller.InitTransport(ctx); err != nil {
		logger.Warn("initial transport connect failed", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- comps.wire.Serve(ctx)
	}()

	logger.Info("hwbridge started", "listen_addr", settings.ListenAddr, "caller_path", settings.CallerPath, "popup_path", settings.PopupPath)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("wire server exited", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	return comps.controller.Dispose(shutdownCtx)
}

func initializeComponents(settings *config.Settings, logger *slog.Logger) *components {
	controller := core.New(settings, core.NewTransportFactory(settings), logger.With("component", "core"))

	wireSettings := gateway.WireSettings{
		ListenAddr: settings.ListenAddr,
		CallerPath: settings.CallerPath,
		PopupPath:  settings.PopupPath,
	}
	wire := gateway.NewWireServer(controller.Gateway, wireSettings, logger.With("component", "wire"))

	return &components{controller: controller, wire: wire}
}
