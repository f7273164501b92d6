package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/neuroedge/neuromesh/admission"
	"github.com/neuroedge/neuromesh/api/handlers"
	"github.com/neuroedge/neuromesh/config"
	"github.com/neuroedge/neuromesh/federation"
	"github.com/neuroedge/neuromesh/internal/cache"
	"github.com/neuroedge/neuromesh/internal/metrics"
	"github.com/neuroedge/neuromesh/internal/server"
	"github.com/neuroedge/neuromesh/kernel"
	"github.com/neuroedge/neuromesh/mesh"
	"github.com/neuroedge/neuromesh/store"
)

// publicGETPaths bypass authentication for GET requests.
var publicGETPaths = map[string]bool{
	"/health":    true,
	"/healthz":   true,
	"/fed/model": true,
	"/mesh/nodes": true,
}

// Server assembles the orchestrator: store, admission services, mesh,
// kernels, federation, and the two HTTP listeners.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager
	handler        http.Handler

	backing    store.StateStore
	cacheMgr   *cache.Manager
	collector  *metrics.Collector
	directory  *mesh.Directory
	guard      *admission.InflightGuard
	rateLimits *admission.RateLimiter

	cancel context.CancelFunc
}

// NewServer builds every service and wires the routes.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	// ========================================
	// Persistent state
	// ========================================
	sqlStore, err := store.OpenSQLite(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	s.backing = sqlStore

	// ========================================
	// Admission services
	// ========================================
	auth := admission.NewAuthenticator(cfg.Auth, logger)
	policy, err := admission.NewPolicyEngine(s.backing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}
	s.rateLimits = admission.NewRateLimiter(map[string]config.RouteClassLimit{
		"ai":       cfg.Admission.AI,
		"execute":  cfg.Admission.Execute,
		"research": cfg.Admission.Research,
		"training": cfg.Admission.Training,
	}, logger)
	s.guard = admission.NewInflightGuard(cfg.Admission.InflightMax, logger)

	// ========================================
	// Mesh, kernels, federation
	// ========================================
	s.directory = mesh.NewDirectory(cfg.Mesh.StaleAfter, logger)
	executor := mesh.NewExecutor(s.directory, cfg.Mesh.CallTimeout, logger)
	dispatcher := mesh.NewSocketDispatcher(s.directory, cfg.Mesh.SocketTimeout, logger)

	fleet, err := kernel.NewFleet(cfg.Kernels, s.backing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build kernel fleet: %w", err)
	}

	signer := federation.NewSigner(cfg.Federation.SigningKey, cfg.Federation.AllowUnsigned)
	aggregator, err := federation.NewAggregator(cfg.Federation.BatchSize, s.backing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build aggregator: %w", err)
	}

	// ========================================
	// Inference cache (optional)
	// ========================================
	if cfg.Redis.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.Redis.Addr
		cacheCfg.Password = cfg.Redis.Password
		cacheCfg.DB = cfg.Redis.DB
		cacheCfg.DefaultTTL = cfg.Mesh.InferCacheTTL
		if cfg.Redis.PoolSize > 0 {
			cacheCfg.PoolSize = cfg.Redis.PoolSize
		}
		mgr, err := cache.NewManager(cacheCfg, logger)
		if err != nil {
			logger.Warn("Redis not available, inference cache disabled", zap.Error(err))
		} else {
			s.cacheMgr = mgr
		}
	}

	// ========================================
	// Metrics + handlers
	// ========================================
	s.collector = metrics.NewCollector("neuromesh", logger)

	healthHandler := handlers.NewHealthHandler(s.directory, fleet, Version, logger)
	meshHandler := handlers.NewMeshHandler(s.directory, executor, dispatcher, s.cacheMgr, s.collector, cfg.Mesh, logger)
	fedHandler := handlers.NewFedHandler(aggregator, signer, s.collector, logger)
	kernelsHandler := handlers.NewKernelsHandler(fleet, logger)
	routerHandler := handlers.NewRouterHandler(fleet, executor, aggregator, s.backing, s.collector, logger)
	doctrineHandler := handlers.NewDoctrineHandler(policy, logger)

	// ========================================
	// Routes with per-route admission chains
	// ========================================
	authed := admission.Chain(admission.Authenticate(auth, publicGETPaths))

	business := func(scope, class string) admission.Middleware {
		stages := []admission.Middleware{
			admission.Authenticate(auth, publicGETPaths),
			admission.ContentPolicy(policy, logger),
		}
		if cfg.Auth.RequireWorkspace {
			stages = append(stages, admission.RequireWorkspace())
		}
		stages = append(stages,
			admission.RequireScope(scope),
			admission.RateLimit(s.rateLimits, class),
			admission.Inflight(s.guard, class),
		)
		return admission.Chain(stages...)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", healthHandler.Live)
	mux.HandleFunc("/health", healthHandler.Health)
	mux.HandleFunc("/ready", healthHandler.Ready)
	mux.HandleFunc("/version", healthHandler.Version)

	// Mesh node lifecycle: nodes authenticate with the shared API key.
	mux.Handle("/mesh/register", authed(http.HandlerFunc(meshHandler.Register)))
	mux.Handle("/mesh/heartbeat", authed(http.HandlerFunc(meshHandler.Heartbeat)))
	mux.Handle("/mesh/metrics", authed(http.HandlerFunc(meshHandler.Metrics)))
	mux.Handle("/mesh/nodes", authed(http.HandlerFunc(meshHandler.Nodes)))
	mux.Handle("/mesh/infer", business("ai:infer", "ai")(http.HandlerFunc(meshHandler.Infer)))
	mux.Handle("/mesh/broadcast", business("admin:mesh", "execute")(http.HandlerFunc(meshHandler.Broadcast)))
	mux.Handle("/mesh/socket", business("exec:run", "execute")(http.HandlerFunc(meshHandler.Socket)))

	// Federation: model reads are public, updates authenticate by
	// signature, signing requires a caller credential.
	mux.Handle("/fed/model", authed(http.HandlerFunc(fedHandler.Model)))
	mux.HandleFunc("/fed/update", fedHandler.Update)
	mux.Handle("/fed/sign", authed(http.HandlerFunc(fedHandler.Sign)))

	mux.Handle("/kernels", authed(http.HandlerFunc(kernelsHandler.Handle)))

	mux.Handle("/chat", business("ai:chat", "ai")(http.HandlerFunc(routerHandler.Chat)))
	mux.Handle("/execute", business("exec:run", "execute")(http.HandlerFunc(routerHandler.Execute)))
	mux.Handle("/ai", business("ai:infer", "ai")(http.HandlerFunc(routerHandler.AI)))
	mux.Handle("/research", business("research:run", "research")(http.HandlerFunc(routerHandler.Research)))
	mux.Handle("/training/", business("training:write", "training")(http.HandlerFunc(routerHandler.Training)))

	mux.Handle("/doctrine/rules", admission.Chain(
		admission.Authenticate(auth, nil),
		admission.RequireScope("admin:policy"),
	)(http.HandlerFunc(doctrineHandler.Rules)))

	// ========================================
	// Outer middleware chain
	// ========================================
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.handler = admission.Chain(
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(logger),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		CORS(cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, float64(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst, logger),
	)(mux)

	s.httpManager = server.NewManager(s.handler, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	s.metricsManager = server.NewManager(metricsMux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	go s.housekeeping(ctx)

	return s, nil
}

// Start brings up both listeners.
func (s *Server) Start() error {
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// housekeeping periodically prunes rate-limit windows and refreshes
// the derived gauges. Correctness never depends on this loop; the
// directory's staleness is lazy.
func (s *Server) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimits.Prune()
			s.directory.Sweep()
			s.collector.SetMeshNodesOnline(s.directory.OnlineCount())
			for class, n := range s.guard.Snapshot() {
				s.collector.SetInflight(class, n)
			}
		}
	}
}

// WaitForShutdown blocks until a signal, then tears everything down.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown stops the listeners and closes shared resources.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.cancel != nil {
		s.cancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.cacheMgr != nil {
		if err := s.cacheMgr.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
