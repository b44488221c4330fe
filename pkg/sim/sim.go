// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package sim wires the engine, hook table, script namespace and the
// self-monitoring subsystems into one run.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/config"
	"github.com/mbeema/simhooks/pkg/engine"
	"github.com/mbeema/simhooks/pkg/export"
	"github.com/mbeema/simhooks/pkg/health"
	"github.com/mbeema/simhooks/pkg/metrics"
	"github.com/mbeema/simhooks/pkg/namespace"
	"github.com/mbeema/simhooks/pkg/report"
	"github.com/mbeema/simhooks/pkg/script"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Sim owns every component of a run. Components talk to each other only
// through the hook table and the engine.
type Sim struct {
	logger  *zap.Logger
	cfg     atomic.Pointer[config.Config]
	version string

	eng      *engine.Engine
	ns       *script.Namespace
	builtins *namespace.Map
	table    *callback.Table

	registry    *prometheus.Registry
	metrics     *metrics.Collector
	processColl *metrics.ProcessCollector
	exporter    *export.Manager

	healthStats  *health.Stats
	healthServer *health.Server

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	scriptWatcher *config.Watcher
	stopped       bool
}

// New builds a run from cfg, loads the hook script and installs the
// configured handlers.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Sim, error) {
	s := &Sim{
		logger:      logger,
		version:     version,
		registry:    prometheus.NewRegistry(),
		healthStats: health.NewStats(),
	}
	s.cfg.Store(cfg)

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.NewWithRegistry(s.registry)

	s.ns = script.New(logger.Named("script"))
	s.eng = engine.New(engine.Config{
		Electrostatic: cfg.Engine.Electrostatic,
		DiagInterval:  cfg.Engine.DiagInterval,
		StepDelay:     cfg.Engine.StepDelay,
	}, logger.Named("engine"), engine.WithStepObserver(s.metrics.ObserveStep))

	// Script globals shadow the Go builtins of the same name.
	s.builtins = namespace.NewMap()
	s.registerBuiltins()
	s.table = callback.NewTable(s.eng, namespace.Chain{s.ns, s.builtins}, logger.Named("callback"))
	s.ns.SetTable(s.table)
	s.ns.SetStepper(s.eng)
	s.registry.MustRegister(metrics.NewHookCollector(s.table))

	s.processColl = metrics.NewProcessCollector(s.registry, logger.Named("metrics"))
	s.exporter = export.NewManager(&cfg.Exporters, cfg.ServiceName, s.table, s.eng, logger.Named("export"))

	if cfg.Script.Path != "" {
		if err := s.ns.LoadFile(cfg.Script.Path); err != nil {
			s.ns.Close()
			return nil, err
		}
	}

	if err := s.preinstall(cfg.Hooks.Preinstall); err != nil {
		s.table.Close()
		s.ns.Close()
		return nil, err
	}

	return s, nil
}

// registerBuiltins adds the Go handlers that config and scripts can name
// without defining them.
func (s *Sim) registerBuiltins() {
	s.builtins.Set("logstep", callback.NewFunc("logstep", func(args ...any) error {
		s.logger.Info("step", zap.Int("step", s.eng.CurrentStep()))
		return nil
	}))
	s.builtins.Set("reportnow", callback.NewFunc("reportnow", func(args ...any) error {
		return s.Report()
	}))

	names := s.builtins.Names()
	sort.Strings(names)
	s.logger.Debug("builtin handlers registered", zap.Strings("names", names))
}

func (s *Sim) preinstall(hooks map[string][]string) error {
	// Catalogue order keeps attach order deterministic.
	for _, name := range callback.Names() {
		for _, fn := range hooks[string(name)] {
			if err := s.table.Hook(name).Install(callback.Named(fn)); err != nil {
				return fmt.Errorf("preinstall %s on %s: %w", fn, name, err)
			}
			s.logger.Debug("handler preinstalled", zap.String("hook", string(name)), zap.String("name", fn))
		}
	}
	return nil
}

// Builtins returns the Go namespace consulted after the script globals.
// Values set here are resolvable by Named handlers.
func (s *Sim) Builtins() *namespace.Map { return s.builtins }

// Table returns the hook table.
func (s *Sim) Table() *callback.Table { return s.table }

// Engine returns the engine.
func (s *Sim) Engine() *engine.Engine { return s.eng }

// Namespace returns the script namespace.
func (s *Sim) Namespace() *script.Namespace { return s.ns }

// Registry returns the Prometheus registry served on /metrics.
func (s *Sim) Registry() *prometheus.Registry { return s.registry }

// Metrics returns the run counters.
func (s *Sim) Metrics() *metrics.Collector { return s.metrics }

// Config returns the active configuration.
func (s *Sim) Config() *config.Config { return s.cfg.Load() }

// HealthAddr returns the health server address, or "" when disabled.
func (s *Sim) HealthAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthServer == nil {
		return ""
	}
	return s.healthServer.Addr()
}

// Start launches the background subsystems.
func (s *Sim) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	cfg := s.cfg.Load()

	if err := s.processColl.Start(s.ctx, cfg.Exporters.Interval); err != nil {
		return err
	}
	if err := s.exporter.Start(s.ctx); err != nil {
		return err
	}
	if cfg.Health.Enabled {
		if err := s.startHealth(cfg); err != nil {
			return err
		}
	}
	if cfg.Script.Watch {
		if err := s.startScriptWatch(cfg); err != nil {
			return err
		}
	}

	s.logger.Info("simulation started",
		zap.Int("steps", cfg.Engine.Steps),
		zap.Bool("health", cfg.Health.Enabled),
		zap.Bool("exporting", s.exporter.Enabled()),
		zap.String("script", cfg.Script.Path),
	)
	return nil
}

func (s *Sim) startHealth(cfg *config.Config) error {
	if s.healthServer != nil {
		return nil // already running
	}
	srv := health.NewServer(cfg.Health.Port, s.version, s.healthStats, s.logger.Named("health"),
		health.WithGatherer(s.registry),
		health.WithHooks(s.table),
		health.WithStepper(s.eng),
	)
	if err := srv.Start(s.ctx); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}
	srv.SetReady(true)
	s.healthServer = srv
	return nil
}

func (s *Sim) stopHealth() {
	if s.healthServer == nil {
		return
	}
	s.healthServer.SetReady(false)
	if err := s.healthServer.Stop(); err != nil {
		s.logger.Warn("health server shutdown error", zap.Error(err))
	}
	s.healthServer = nil
}

func (s *Sim) startScriptWatch(cfg *config.Config) error {
	if s.scriptWatcher != nil {
		return nil
	}
	path := cfg.Script.Path
	w := config.NewWatcher(filepath.Dir(path), config.FileNamed(filepath.Base(path)), func(string) {
		if err := s.ReloadScript(); err != nil {
			s.logger.Error("script reload failed", zap.String("path", path), zap.Error(err))
		}
	}, s.logger.Named("watch"))
	if err := w.Start(s.ctx); err != nil {
		return fmt.Errorf("watch script: %w", err)
	}
	s.scriptWatcher = w
	return nil
}

func (s *Sim) stopScriptWatch() {
	if s.scriptWatcher != nil {
		s.scriptWatcher.Stop()
		s.scriptWatcher = nil
	}
}

// Run advances the configured number of steps.
func (s *Sim) Run(ctx context.Context) error {
	steps := s.cfg.Load().Engine.Steps
	if err := s.eng.Run(ctx, steps); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.metrics.StepErrors.Inc()
		}
		return err
	}
	s.logger.Info("simulation finished", zap.Int("step", s.eng.CurrentStep()))
	return nil
}

// ReloadScript re-runs the hook script.
func (s *Sim) ReloadScript() error {
	if err := s.ns.Reload(); err != nil {
		s.metrics.ScriptReloadErrors.Inc()
		return err
	}
	s.metrics.ScriptReloads.Inc()
	return nil
}

// Reload applies a new configuration. Engine settings only take effect on
// the next run; health and script watching are started or stopped.
func (s *Sim) Reload(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("simulation stopped")
	}

	oldCfg := s.cfg.Load()
	s.cfg.Store(cfg)
	s.metrics.ConfigReloads.Inc()

	if oldCfg.Engine != cfg.Engine {
		s.logger.Warn("engine settings changed, restart to apply")
	}

	if s.ctx != nil {
		if !oldCfg.Health.Enabled && cfg.Health.Enabled {
			if err := s.startHealth(cfg); err != nil {
				return err
			}
		} else if oldCfg.Health.Enabled && !cfg.Health.Enabled {
			s.stopHealth()
		}

		scriptChanged := oldCfg.Script.Path != cfg.Script.Path
		if !cfg.Script.Watch || scriptChanged {
			s.stopScriptWatch()
		}
		if cfg.Script.Watch {
			if err := s.startScriptWatch(cfg); err != nil {
				return err
			}
		}
	}

	if cfg.Script.Path != "" && cfg.Script.Path != oldCfg.Script.Path {
		if err := s.ns.LoadFile(cfg.Script.Path); err != nil {
			s.metrics.ScriptReloadErrors.Inc()
			return err
		}
		s.metrics.ScriptReloads.Inc()
	}

	s.logger.Info("configuration reloaded",
		zap.Bool("health", cfg.Health.Enabled),
		zap.Bool("script_watch", cfg.Script.Watch),
		zap.Bool("report", cfg.Report.Enabled),
	)
	return nil
}

// WriteReport prints the timing report to w using the report settings.
func (s *Sim) WriteReport(w io.Writer) error {
	rc := s.cfg.Load().Report
	return report.Write(w, s.table, s.eng, report.Options{
		MinTotal:      rc.MinTotal,
		IncludeMinMax: rc.IncludeMinMax,
		Format:        rc.Format,
	})
}

// Report writes the timing report to the configured output, or stdout.
// It does nothing when reporting is disabled.
func (s *Sim) Report() error {
	rc := s.cfg.Load().Report
	if !rc.Enabled {
		return nil
	}
	if rc.Output == "" {
		return s.WriteReport(os.Stdout)
	}
	f, err := os.Create(rc.Output)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := s.WriteReport(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Stop shuts every subsystem down, detaches all hooks and closes the Lua
// state.
func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	if s.cancel != nil {
		s.cancel()
	}
	s.stopScriptWatch()
	s.stopHealth()
	s.processColl.Stop()

	// Final flush before the table is torn down.
	s.exporter.Stop()

	errs := []error{s.table.Close(), s.ns.Close()}

	flushes, failures := s.exporter.Stats()
	s.logger.Info("simulation stopped",
		zap.Int("step", s.eng.CurrentStep()),
		zap.Int64("export_flushes", flushes),
		zap.Int64("export_failures", failures),
	)
	return errors.Join(errs...)
}
