// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package health serves liveness, readiness, metrics and hook table
// endpoints for a running simulation.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mbeema/simhooks/pkg/callback"
	"github.com/mbeema/simhooks/pkg/native"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HookSource supplies hook snapshots. *callback.Table implements it.
type HookSource interface {
	Snapshot() []callback.HookSnapshot
}

// Option configures optional endpoints.
type Option func(*Server)

// WithGatherer serves gatherer on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHooks serves the hook table on /hooks.
func WithHooks(src HookSource) Option {
	return func(s *Server) { s.hooks = src }
}

// WithStepper reports the current step on /health.
func WithStepper(st native.Stepper) Option {
	return func(s *Server) { s.stepper = st }
}

// Server provides health, readiness, and metrics HTTP endpoints.
type Server struct {
	logger   *zap.Logger
	stats    *Stats
	version  string
	addr     string
	ready    atomic.Bool
	server   *http.Server
	gatherer prometheus.Gatherer
	hooks    HookSource
	stepper  native.Stepper
	listener net.Listener
}

// NewServer creates a health server.
func NewServer(addr, version string, stats *Stats, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		version: version,
		stats:   stats,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReady marks the simulation as ready.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Router returns the HTTP handler for all endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.hooks != nil {
		r.Get("/hooks", s.handleHooks)
		r.Get("/hooks/{name}", s.handleHook)
	}
	return r
}

// Start begins serving health endpoints.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()

	s.logger.Info("health server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the health server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Uptime  string    `json:"uptime"`
	Step    *int      `json:"step,omitempty"`
	Process *Snapshot `json:"process,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.stats.Snapshot()
	resp := healthResponse{
		Status:  "healthy",
		Version: s.version,
		Uptime:  s.stats.Uptime().Truncate(time.Second).String(),
		Process: &snap,
	}
	if s.stepper != nil {
		step := s.stepper.CurrentStep()
		resp.Step = &step
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ready"}`))
}

type timerView struct {
	Handler      string  `json:"handler"`
	TotalSeconds float64 `json:"total_s"`
}

type hookView struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	SingleSlot   bool        `json:"single_slot,omitempty"`
	CallOnce     bool        `json:"call_once,omitempty"`
	Unsupported  bool        `json:"unsupported,omitempty"`
	Handlers     []string    `json:"handlers"`
	Attached     bool        `json:"attached"`
	AttachmentID string      `json:"attachment_id,omitempty"`
	Passes       int64       `json:"passes"`
	TotalSeconds float64     `json:"total_s"`
	Timers       []timerView `json:"timers"`
}

func viewOf(h callback.HookSnapshot) hookView {
	v := hookView{
		Name:         string(h.Name),
		Description:  h.Name.Description(),
		SingleSlot:   h.Policy.SingleSlot,
		CallOnce:     h.Policy.CallOnce,
		Unsupported:  h.Policy.Unsupported,
		Handlers:     make([]string, 0, len(h.Handlers)),
		Attached:     h.Attached,
		AttachmentID: h.AttachmentID,
		Passes:       h.Passes,
		TotalSeconds: h.Total.Seconds(),
		Timers:       make([]timerView, 0, len(h.Timers)),
	}
	for _, e := range h.Handlers {
		v.Handlers = append(v.Handlers, e.Kind.String()+":"+e.Name)
	}
	for _, tm := range h.Timers {
		v.Timers = append(v.Timers, timerView{Handler: tm.Handler, TotalSeconds: tm.Total.Seconds()})
	}
	return v
}

func (s *Server) handleHooks(w http.ResponseWriter, _ *http.Request) {
	snaps := s.hooks.Snapshot()
	views := make([]hookView, 0, len(snaps))
	for _, h := range snaps {
		views = append(views, viewOf(h))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	name, err := callback.ParseHookName(chi.URLParam(r, "name"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	for _, h := range s.hooks.Snapshot() {
		if h.Name == name {
			writeJSON(w, http.StatusOK, viewOf(h))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "hook not in table"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
