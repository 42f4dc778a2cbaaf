// Package main is the entry point for the relaygw API gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akarpov87/relaygw/internal/config"
	"github.com/akarpov87/relaygw/internal/gateway"
	"github.com/akarpov87/relaygw/internal/metrics"
	"github.com/akarpov87/relaygw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)
	gw := initGateway(cfg, logger)

	run(gw, flags.configPath, cfg, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("RELAYGW_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("RELAYGW_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("RELAYGW_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("relaygw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadConfig loads and validates the configuration.
func loadConfig(configPath string, logger observability.Logger) *config.GatewayConfig {
	logger.Info("starting relaygw",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("listen", cfg.Listener.Address()),
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("services", len(cfg.Services)),
	)

	return cfg
}

// initGateway builds the gateway from configuration.
func initGateway(cfg *config.GatewayConfig, logger observability.Logger) *gateway.Gateway {
	m := metrics.New("relaygw")

	gw, err := gateway.New(cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(m),
	)
	if err != nil {
		logger.Fatal("failed to create gateway", observability.Error(err))
	}

	return gw
}

// run starts the gateway and blocks until a shutdown signal arrives.
func run(gw *gateway.Gateway, configPath string, cfg *config.GatewayConfig, logger observability.Logger) {
	ctx := context.Background()

	if err := gw.Start(ctx); err != nil {
		logger.Fatal("failed to start gateway", observability.Error(err))
	}

	watcher := startConfigWatcher(gw, configPath, logger)

	waitForShutdown(gw, watcher, cfg, logger)
}

// startConfigWatcher starts the configuration watcher for hot reload.
func startConfigWatcher(gw *gateway.Gateway, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.GatewayConfig) {
		logger.Info("configuration changed, reloading")
		if reloadErr := gw.Reload(newCfg); reloadErr != nil {
			logger.Error("failed to reload configuration", observability.Error(reloadErr))
		}
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown waits for a shutdown signal and drains the gateway.
func waitForShutdown(
	gw *gateway.Gateway,
	watcher *config.Watcher,
	cfg *config.GatewayConfig,
	logger observability.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	grace := cfg.ShutdownGrace.Duration()
	if grace <= 0 {
		grace = 30 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	logger.Info("gateway stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
