package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vantiq-ext/execsource/internal/config"
	"github.com/vantiq-ext/execsource/internal/connector"
	"github.com/vantiq-ext/execsource/internal/script"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "1.0.0"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("EXECSOURCE_LOG_LEVEL")),
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration", "err", err)
		os.Exit(1)
	}

	slog.Info("starting execsource connector",
		"version", version,
		"server", cfg.TargetServer,
		"sources", cfg.Sources,
		"sendPings", cfg.SendPings,
		"failOnConnectionError", cfg.FailOnConnectionError,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	set := connector.NewSet(cfg)
	for _, src := range set.Sources() {
		script.NewHandler(set.Connection(src)).Register()
	}

	// Configuration edits require a restart to take effect; the watcher
	// just makes that visible in the logs.
	if err := config.StartWatcher(ctx, cfg.Path, func() {
		slog.Warn("server configuration changed; restart the connector to apply it",
			"path", cfg.Path)
	}); err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	}

	// Under Kubernetes, report liveness immediately so the probe passes
	// while source connections come up.
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		if err := set.DeclareHealthy(); err != nil {
			slog.Error("health probe", "err", err)
		}
	}

	err = set.Run(ctx)
	set.Close()
	if err != nil && ctx.Err() == nil {
		slog.Error("connector stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("connector shut down")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
