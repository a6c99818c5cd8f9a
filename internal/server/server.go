// Package server wires the registry, recovery engine, sync service, and
// monitor together behind the HTTP and websocket surface.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/officesync/office-sync/internal/auth"
	"github.com/officesync/office-sync/internal/bus"
	"github.com/officesync/office-sync/internal/cache"
	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/connection"
	"github.com/officesync/office-sync/internal/monitor"
	"github.com/officesync/office-sync/internal/pkg/logger"
	"github.com/officesync/office-sync/internal/pkg/middleware"
	"github.com/officesync/office-sync/internal/recovery"
	"github.com/officesync/office-sync/internal/store"
	syncsvc "github.com/officesync/office-sync/internal/sync"
)

// Server owns every component and the HTTP listener.
type Server struct {
	cfg config.Config
	log *logger.Logger

	eventBus bus.Bus
	pool     store.Pool
	cache    cache.Cache

	registry *connection.Registry
	engine   *recovery.Engine
	health   *recovery.HealthChecker
	sync     *syncsvc.Service
	monitor  *monitor.Monitor

	limiter    *middleware.RateLimiter
	httpServer *http.Server
}

// New builds the full component graph from configuration. The store
// and cache are optional: without a DSN the server runs with the
// static authorizer and skips resource health checks.
func New(cfg config.Config, log *logger.Logger) (*Server, error) {
	s := &Server{
		cfg: cfg,
		log: log.WithComponent("server"),
	}

	eventBus, err := bus.NewBus(cfg.Bus)
	if err != nil {
		return nil, err
	}
	s.eventBus = eventBus

	if cfg.Store.DSN != "" {
		pool, err := store.Open(cfg.Store)
		if err != nil {
			return nil, err
		}
		s.pool = pool
	}

	if cfg.Cache.RedisURL != "" {
		c, err := cache.New(cfg.Cache)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}

	var authorizer auth.Authorizer
	if s.pool != nil {
		authorizer = auth.NewSQLAuthorizer(s.pool)
	} else {
		authorizer = auth.NewStaticAuthorizer()
	}

	s.registry = connection.NewRegistry(cfg.Registry, eventBus, log)
	s.engine = recovery.NewEngine(cfg.Recovery, eventBus, s.registry, log)

	if s.pool != nil {
		var cachePinger recovery.Pinger
		if s.cache != nil {
			cachePinger = s.cache
		}
		s.health = recovery.NewHealthChecker(cfg.Recovery, s.pool, cachePinger, eventBus, log)
	}

	s.sync = syncsvc.NewService(cfg.Sync, eventBus, s.registry, authorizer, s.pool, s.cache, log)

	var storage *monitor.RedisStorage
	if cfg.Monitor.HistoryRedisURL != "" {
		storage, err = monitor.NewRedisStorage(cfg.Monitor.HistoryRedisURL, cfg.Monitor.Retention)
		if err != nil {
			log.Warn("Metric history persistence unavailable", "error", err)
			storage = nil
		}
	}

	var statsPool monitor.StatsPool
	if s.pool != nil {
		statsPool = s.pool
	}
	var cachePinger monitor.CachePinger
	if s.cache != nil {
		cachePinger = s.cache
	}
	var recoveryState monitor.RecoveryState
	if s.health != nil {
		recoveryState = s.health
	}
	s.monitor = monitor.New(cfg.Monitor, s.registry, statsPool, cachePinger, recoveryState, eventBus, storage, log)

	s.limiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())

	return s, nil
}

// Run starts every loop and the HTTP listener, blocking until the
// context ends or a component fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	if err := s.sync.Start(ctx); err != nil {
		return err
	}
	if err := s.monitor.Start(ctx); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:        s.cfg.Address(),
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: websocket connections are long-lived.
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.registry.StartSweeper(ctx)
		return nil
	})
	if s.health != nil {
		g.Go(func() error {
			s.health.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		s.monitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info("Listening", "addr", s.cfg.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown closes the listener, notifies connected peers, and releases
// the collaborators.
func (s *Server) shutdown() {
	s.log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("HTTP shutdown error", "error", err)
		}
	}

	for _, conn := range s.registry.Connections() {
		s.registry.Disconnect(shutdownCtx, conn.ID, "server shutting down")
	}

	if s.eventBus != nil {
		_ = s.eventBus.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.pool != nil {
		_ = s.pool.Close()
	}

	s.log.Info("Stopped")
}

// routes assembles the HTTP surface.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/report", s.handleReport)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/metrics/history", s.handleHistory)
	mux.HandleFunc("/api/connections", s.handleConnections)
	mux.HandleFunc("/api/events", s.handlePublishEvent)

	return s.withLogging(s.limiter.Middleware(mux))
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return hj.Hijack()
}
