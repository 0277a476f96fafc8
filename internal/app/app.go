// Package app wires configuration, the engine store, and the metrics
// listener into one daemon lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chronik/chronik/internal/config"
	"github.com/chronik/chronik/internal/metrics"
	"github.com/chronik/chronik/internal/server"
	"github.com/chronik/chronik/internal/store"
)

// App manages the engine daemon lifecycle: the store, its background
// daemons, and the Prometheus metrics endpoint.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	shutdown *server.ShutdownManager

	store         *store.Store
	metricsServer *http.Server

	mu      sync.Mutex
	running bool
}

// New creates an App with the given configuration.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		shutdown: server.NewShutdownManager(0),
	}, nil
}

// Start opens the store and, when configured, the metrics listener.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// The metrics listener registers its closer first, so under LIFO
	// shutdown the endpoint stays up until the store's final flush is done.
	if a.cfg.MetricsAddr != "" {
		if err := a.startMetricsListener(registry); err != nil {
			return err
		}
	}

	s, err := store.Open(a.cfg, a.logger, m)
	if err != nil {
		return err
	}
	a.store = s
	a.shutdown.RegisterCloser(s)

	a.logger.Info("chronik started",
		zap.String("data_dir", a.cfg.DataDir),
		zap.String("metrics_addr", a.cfg.MetricsAddr))
	return nil
}

func (a *App) startMetricsListener(registry *prometheus.Registry) error {
	listener, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.metricsServer.Shutdown(shutdownCtx)
	}))
	return nil
}

// Run starts the app and blocks until a shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.shutdown.ListenForSignals(ctx)
}

// Stop shuts the app down.
func (a *App) Stop(ctx context.Context) error {
	return a.shutdown.Shutdown(ctx, "stop requested")
}

// Store returns the underlying engine handle.
func (a *App) Store() *store.Store {
	return a.store
}
