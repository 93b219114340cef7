// Package app assembles the orchestrator from its adapters and runs the
// process-level lifecycle: construct, seed, start background loops, serve
// the operational HTTP surface, shut down cleanly.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/relaymesh/relay/internal/adapter/balancer"
	"github.com/relaymesh/relay/internal/adapter/breaker"
	"github.com/relaymesh/relay/internal/adapter/health"
	"github.com/relaymesh/relay/internal/adapter/metrics"
	"github.com/relaymesh/relay/internal/adapter/persistence"
	"github.com/relaymesh/relay/internal/adapter/proxy"
	"github.com/relaymesh/relay/internal/adapter/queue"
	"github.com/relaymesh/relay/internal/adapter/registry"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/core/ports"
	"github.com/relaymesh/relay/internal/logger"
	"github.com/relaymesh/relay/internal/orchestrator"
)

const (
	serverReadTimeout   = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
	drainGraceTimeout   = 5 * time.Second
	maxIdleConnsPerHost = 32
)

// Application owns every subsystem for one relay process.
type Application struct {
	config    *config.Config
	server    *http.Server
	logger    *logger.StyledLogger
	registry  *registry.MemoryServerRegistry
	metrics   *metrics.Aggregator
	mirror    *metrics.PrometheusMirror
	breakers  *breaker.Map
	queue     *queue.Queue
	orch      *orchestrator.Orchestrator
	scheduler *health.Scheduler
	discovery *orchestrator.Discovery
	errCh     chan error
}

// New wires an Application from a validated config. Nothing is started;
// call Start.
func New(cfg *config.Config, log *logger.StyledLogger) (*Application, error) {
	var store ports.Store
	if cfg.EnablePersistence {
		store = persistence.New(cfg.Persistence.Directory, log)
	}

	reg := registry.NewMemoryServerRegistry(store, cfg.LoadBalancer.DefaultMaxConcurrency, log)

	var mirror *metrics.PrometheusMirror
	if cfg.EnableMetrics {
		mirror = metrics.NewPrometheusMirror()
	}
	agg := metrics.New(cfg.Metrics, mirror)

	breakers := breaker.NewMap(cfg.CircuitBreaker, log)
	q := queue.New(cfg.Queue, log)

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: maxIdleConnsPerHost,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	client := proxy.NewClient(httpClient, cfg.Streaming, cfg.CircuitBreaker.ErrorPatterns, log)

	factory := balancer.NewFactory(cfg.LoadBalancer, agg, breakers, cfg.Metrics.Decay)

	orch, err := orchestrator.New(reg, agg, breakers, q, client, store, factory, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("wire orchestrator: %w", err)
	}

	scheduler := health.NewScheduler(cfg.HealthCheck, cfg.Persistence, reg, client, breakers, agg, store, log)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		ReadTimeout: serverReadTimeout,
	}

	return &Application{
		config:    cfg,
		server:    server,
		logger:    log,
		registry:  reg,
		metrics:   agg,
		mirror:    mirror,
		breakers:  breakers,
		queue:     q,
		orch:      orch,
		scheduler: scheduler,
		discovery: orchestrator.NewDiscovery(reg, scheduler),
		errCh:     make(chan error, 1),
	}, nil
}

// Orchestrator exposes the dispatch pipeline for whatever request surface
// fronts this process.
func (a *Application) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Start restores persisted state, seeds configured servers, launches the
// background loops and binds the operational HTTP surface.
func (a *Application) Start(ctx context.Context) error {
	if err := a.registry.LoadPersisted(ctx); err != nil {
		a.logger.Warn("Failed to restore persisted servers", "error", err)
	}
	a.seedServers(ctx)

	a.orch.Start(ctx)
	a.scheduler.Start(ctx)

	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("Server startup error", "error", err)
		case <-ctx.Done():
		}
	}()

	a.startWebServer()

	a.logger.Info("Relay started", "bind", a.server.Addr, "algorithm", a.config.LoadBalancer.Algorithm)
	return nil
}

// Stop shuts everything down in reverse dependency order: stop accepting,
// drain what's queued, then stop the background loops.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	if !a.queue.Drain(drainGraceTimeout) {
		a.logger.Warn("Queue did not drain before shutdown deadline")
	}

	a.scheduler.Stop()
	a.orch.Stop()
	a.queue.Stop()

	return shutdownErr
}

// seedServers upserts the statically configured servers. A seed whose URL
// is already registered (restored from servers.json, or listed twice) is
// skipped rather than treated as a startup failure.
func (a *Application) seedServers(ctx context.Context) {
	for _, seed := range a.config.Servers {
		spec := domain.ServerSpec{
			Name:           seed.Name,
			URL:            seed.URL,
			MaxConcurrency: seed.MaxConcurrency,
			Credential:     domain.Credential{BearerToken: seed.APIKey},
		}
		server, err := a.registry.Add(ctx, spec)
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateURL) {
				continue
			}
			a.logger.Warn("Skipping configured server", "url", seed.URL, "error", err)
			continue
		}
		a.logger.InfoWithServer("Registered configured server", server.ID, "url", server.URL.String())
	}
}

func (a *Application) startWebServer() {
	a.logger.Info("Starting WebServer...", "host", a.config.Host, "port", a.config.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/internal/health", a.healthHandler)
	mux.HandleFunc("/internal/status", a.statusHandler)
	if a.mirror != nil {
		mux.Handle("/metrics", a.mirror.Handler())
	}
	a.server.Handler = mux

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.logger.Info("Started WebServer", "bind", a.server.Addr)
}

func (a *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

type statusResponse struct {
	Servers []serverStatus `json:"servers"`
	Queue   queue.Stats    `json:"queue"`
}

type serverStatus struct {
	ID             string   `json:"id"`
	URL            string   `json:"url"`
	Healthy        bool     `json:"healthy"`
	Models         []string `json:"models"`
	LastResponseMs int64    `json:"lastResponseMs"`
}

func (a *Application) statusHandler(w http.ResponseWriter, r *http.Request) {
	servers, err := a.discovery.GetServers(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get status: %v", err), http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Servers: make([]serverStatus, 0, len(servers)),
		Queue:   a.queue.Stats(),
	}
	for _, s := range servers {
		resp.Servers = append(resp.Servers, serverStatus{
			ID:             s.ID,
			URL:            s.URL.String(),
			Healthy:        s.Healthy,
			Models:         s.Models,
			LastResponseMs: s.LastResponseTime.Milliseconds(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
