// Package server provides the public entry point for initializing the
// control plane.
//
// This package exists in pkg/ (not internal/) so that deployments can
// import it and compose the server with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	if err := srv.Start(ctx); err != nil { ... }
//	http.ListenAndServe(":8080", srv.Handler)
//	srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/resonancehq/control-plane/internal/api"
	"github.com/resonancehq/control-plane/internal/api/handlers"
	"github.com/resonancehq/control-plane/internal/approval"
	"github.com/resonancehq/control-plane/internal/budget"
	"github.com/resonancehq/control-plane/internal/config"
	"github.com/resonancehq/control-plane/internal/dedupe"
	"github.com/resonancehq/control-plane/internal/embeddings"
	"github.com/resonancehq/control-plane/internal/events"
	"github.com/resonancehq/control-plane/internal/gateway"
	"github.com/resonancehq/control-plane/internal/intent"
	"github.com/resonancehq/control-plane/internal/media"
	"github.com/resonancehq/control-plane/internal/metrics"
	"github.com/resonancehq/control-plane/internal/pipeline"
	"github.com/resonancehq/control-plane/internal/providers"
	"github.com/resonancehq/control-plane/internal/resonance"
	"github.com/resonancehq/control-plane/internal/retention"
	"github.com/resonancehq/control-plane/internal/router"
	"github.com/resonancehq/control-plane/internal/sessions"
	"github.com/resonancehq/control-plane/internal/store"
	"github.com/resonancehq/control-plane/internal/telemetry"
	"github.com/resonancehq/control-plane/pkg/models"
)

const historyTTL = 24 * time.Hour

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the persistent store.
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	orchestrator *pipeline.Orchestrator
	janitor      *retention.Janitor
	bus          *events.Bus
	closers      []func() error
	telemetry    func(context.Context) error
}

// New loads configuration from the environment and builds the server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig wires every component. Nothing runs until Start.
func NewWithConfig(ctx context.Context, cfg *config.Config) (_ *Server, err error) {
	srv := &Server{Config: cfg, Port: cfg.Port}
	defer func() {
		if err != nil {
			_ = srv.closeAll()
		}
	}()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.telemetry = shutdown

	dataStore, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	srv.Store = dataStore
	srv.closers = append(srv.closers, dataStore.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Inbound dedupe and chat history share Redis when it is configured.
	var (
		deduper dedupe.Deduper = dedupe.NewMemory()
		history sessions.History
	)
	historyTurns := cfg.Pipeline.HistoryTurns * 2
	if cfg.Redis.URL != "" {
		r, err := dedupe.NewRedisFromURL(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, r.Close)
		deduper = r
		history = sessions.NewRedisHistory(r.Client(), historyTurns, historyTTL)
	} else {
		log.Info().Msg("🧷 Inbound dedupe in memory (single instance)")
		history = sessions.NewMemoryHistory(historyTurns, historyTTL)
	}

	archiver, err := media.New(ctx, cfg.Media)
	if err != nil {
		return nil, fmt.Errorf("init media archive: %w", err)
	}
	embedder, err := embeddings.New(ctx, cfg.Embeddings, cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("init embeddings: %w", err)
	}

	srv.bus = events.NewBus()
	srv.closers = append(srv.closers, srv.bus.Close)
	sender := gateway.New(cfg.Gateway)

	guard := budget.NewGuard(dataStore, m, cfg.Budget.RuleTTL)
	backends := providers.Build(ctx, cfg.Providers)
	llm := router.New(cfg.Routing, backends, router.WithMeter(guard), router.WithMetrics(m))
	for _, kind := range models.AllTaskKinds {
		log.Debug().Str("route", llm.Describe(kind)).Msg("Routing table")
	}
	if len(backends) == 0 && !cfg.Providers.Simulation {
		log.Warn().Msg("⚠️  No generative backend enabled; every provider call will fail")
	}

	gate := approval.NewGate(dataStore, events.NewApplier(srv.bus), m)
	memory := resonance.New(dataStore, embedder)

	srv.orchestrator = pipeline.New(pipeline.Deps{
		Store:   dataStore,
		LLM:     llm,
		Gate:    gate,
		Bus:     srv.bus,
		Sender:  sender,
		Memory:  memory,
		Metrics: m,
	}, pipeline.Config{
		Workers:      cfg.Pipeline.Workers,
		StepTimeout:  cfg.Pipeline.StepTimeout,
		DedupeWindow: cfg.Pipeline.DedupeWindow,
		Roles:        cfg.Routing.Roles,
		Simulation:   cfg.Providers.Simulation,
	})
	gate.SetResumer(srv.orchestrator)
	srv.janitor = retention.NewJanitor(dataStore, cfg.Retention.Window, cfg.Retention.Interval)

	intents := intent.New(intent.Deps{
		Store:     dataStore,
		Pipelines: srv.orchestrator,
		LLM:       llm,
		Budget:    guard,
		Gate:      gate,
		Dedupe:    deduper,
		Sender:    sender,
		Memory:    memory,
		History:   history,
		Archiver:  archiver,
		Metrics:   m,
	}, intent.Config{
		SubstantialLength: cfg.Pipeline.SubstantialLength,
		DedupeWindow:      cfg.Pipeline.DedupeWindow,
		Simulation:        cfg.Providers.Simulation,
	})

	h := handlers.New(handlers.Deps{
		Store:         dataStore,
		Intents:       intents,
		Pipelines:     srv.orchestrator,
		Gate:          gate,
		Budget:        guard,
		Memory:        memory,
		Router:        llm,
		History:       history,
		GatewaySecret: cfg.Gateway.Secret,
		Simulation:    cfg.Providers.Simulation,
	})
	srv.Handler = api.NewRouter(cfg, h, m)

	log.Info().
		Str("store", cfg.Store.Driver).
		Int("backends", len(backends)).
		Bool("simulation", cfg.Providers.Simulation).
		Str("media", archiver.Kind()).
		Msg("✅ Control plane initialized")
	return srv, nil
}

// OpenStore opens and migrates the configured store.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		s = store.NewMemoryStore(cfg.DataDir)
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
	case store.DriverSQLite:
		dsn := cfg.URL
		if dsn == "" {
			dir := cfg.DataDir
			if dir == "" {
				dir = "."
			}
			dsn = filepath.Join(dir, "controlplane.db")
		}
		s, err = store.OpenSQL(ctx, store.DriverSQLite, dsn)
	case store.DriverPostgres:
		if cfg.URL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres store")
		}
		s, err = store.OpenSQL(ctx, store.DriverPostgres, cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Start launches the pipeline workers, re-queues pipelines that were
// running when the previous process stopped and starts the retention
// janitor. Background work stops when ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.orchestrator.Start(ctx); err != nil {
		return err
	}
	n, err := s.orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover pipelines: %w", err)
	}
	if n > 0 {
		log.Info().Int("pipelines", n).Msg("♻️  Resumed interrupted pipelines")
	}
	go s.janitor.Start(ctx)
	return nil
}

// Shutdown stops the workers, then releases the bus, Redis, the store and
// the trace exporter in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.orchestrator != nil {
		s.orchestrator.Stop()
	}
	err := s.closeAll()
	if s.telemetry != nil {
		err = errors.Join(err, s.telemetry(ctx))
	}
	return err
}

func (s *Server) closeAll() error {
	var errs []error
	// Reverse order of acquisition.
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
