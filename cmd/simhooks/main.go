// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/simhooks/pkg/config"
	"github.com/mbeema/simhooks/pkg/console"
	"github.com/mbeema/simhooks/pkg/script"
	"github.com/mbeema/simhooks/pkg/sim"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		configDir   string
		logLevel    string
		scriptPath  string
		steps       int
		interactive bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&scriptPath, "script", "", "Lua hook script to load")
	flag.IntVar(&steps, "steps", -1, "number of steps to run (overrides config)")
	flag.BoolVar(&interactive, "console", false, "step the simulation from an interactive console")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("simhooks %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Load configuration
	var cfg *config.Config
	var err error
	if configDir != "" {
		cfg, err = config.LoadDir(configDir)
	} else {
		cfg, err = loadConfig(configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Override from CLI
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if scriptPath != "" {
		cfg.Script.Path = scriptPath
	}
	if steps >= 0 {
		cfg.Engine.Steps = steps
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting simhooks",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	s, err := sim.New(cfg, version, logger)
	if err != nil {
		logger.Fatal("failed to create simulation", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		logger.Fatal("failed to start simulation", zap.Error(err))
	}

	// Start config directory watcher if --config-dir is set
	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewConfigWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			if err := s.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, func(error) { s.Metrics().ConfigReloadErrors.Inc() }, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	done := make(chan error, 1)
	go func() {
		if interactive {
			c := console.New(s.Table(), s.Engine(), os.Stdout, logger.Named("console"),
				console.WithReload(s.ReloadScript))
			done <- c.Run(ctx, "simhooks> ")
			return
		}
		done <- s.Run(ctx)
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP for config and script reload (single-file mode)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	exitCode := 0
	for {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("simulation failed", zap.Error(err))
				exitCode = 1
			}
			shutdown(s, watcher, cancel, logger)
			if exitCode != 0 {
				logger.Sync()
				os.Exit(exitCode)
			}
			return

		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			shutdown(s, watcher, cancel, logger)
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			var newCfg *config.Config
			var err error
			if configDir != "" {
				newCfg, err = config.LoadDir(configDir)
			} else {
				newCfg, err = loadConfig(configPath)
			}
			if err != nil {
				s.Metrics().ConfigReloadErrors.Inc()
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if scriptPath != "" {
				newCfg.Script.Path = scriptPath
			}
			if err := s.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
			if err := s.ReloadScript(); err != nil && !errors.Is(err, script.ErrNoScript) {
				logger.Error("failed to reload script", zap.Error(err))
			}
		}
	}
}

// shutdown writes the timing report and stops every subsystem, giving up
// after 30s.
func shutdown(s *sim.Sim, watcher *config.Watcher, cancel context.CancelFunc, logger *zap.Logger) {
	if watcher != nil {
		watcher.Stop()
	}
	cancel()

	if err := s.Report(); err != nil {
		logger.Error("failed to write report", zap.Error(err))
	}

	shutdownDone := make(chan struct{})
	go func() {
		if err := s.Stop(); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logger.Info("simhooks stopped")
	case <-time.After(30 * time.Second):
		logger.Error("shutdown timed out after 30s, forcing exit")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default locations
	defaults := []string{
		"configs/simhooks.yaml",
		"/etc/simhooks/simhooks.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	// Use defaults
	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
