// Package hub provides a reusable hub server that can be embedded in
// other binaries.
package hub

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/fleetsend/fleetsend/internal/hub/billing"
	"github.com/fleetsend/fleetsend/internal/hub/cache"
	"github.com/fleetsend/fleetsend/internal/hub/config"
	"github.com/fleetsend/fleetsend/internal/hub/db"
	"github.com/fleetsend/fleetsend/internal/hub/dispatch"
	"github.com/fleetsend/fleetsend/internal/hub/rates"
	"github.com/fleetsend/fleetsend/internal/hub/serverlist"
	"github.com/fleetsend/fleetsend/internal/hub/service"
	"github.com/fleetsend/fleetsend/internal/hub/store"
	"github.com/fleetsend/fleetsend/internal/hub/subhub"
	"github.com/fleetsend/fleetsend/internal/hub/workerhub"
	"github.com/fleetsend/fleetsend/internal/logging"
	"github.com/fleetsend/fleetsend/internal/metrics"
)

// Server is a reusable hub server instance.
type Server struct {
	cfg        *config.Config
	queries    *store.Queries
	server     *http.Server
	sqlDB      *sql.DB
	coord      cache.Cache
	shutdownCh chan struct{}
	manager    *workerhub.Manager
	dispatcher *dispatch.Dispatcher
}

// NewServer creates a hub server. It opens the database, runs
// migrations and wires all services. Call Serve to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	queries := store.New(sqlDB)

	coord, err := cache.New(cfg.RedisURL, cfg.PresenceTTL)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init coordinator: %w", err)
	}

	shutdownCh := make(chan struct{})

	manager := workerhub.New()
	observers := subhub.New()
	projection := &serverlist.Projection{
		Queries:      queries,
		Cache:        coord,
		OfflineAfter: cfg.OfflineAfter,
		HideAfter:    cfg.HideAfter,
	}
	resolver := &rates.Resolver{
		Defaults: rates.Prices{Send: cfg.PriceSuccess, Fail: cfg.PriceFailure},
	}
	pipeline := billing.New(sqlDB, observers, coord, resolver)
	dispatcher := dispatch.New(queries, coord, manager, dispatch.Options{
		DefaultShardSize: cfg.DefaultShardSize,
		DispatchTimeout:  cfg.DispatchTimeout,
		StaleAfter:       cfg.ShardStaleAfter,
		ReclaimInterval:  cfg.ReclaimInterval,
	})

	mux := http.NewServeMux()

	mux.Handle("/ws/worker", workerhub.Handler(workerhub.HandlerConfig{
		Manager:        manager,
		Hub:            observers,
		Queries:        queries,
		Cache:          coord,
		Billing:        pipeline,
		Projection:     projection,
		ShutdownCh:     shutdownCh,
		PresenceTTL:    cfg.PresenceTTL,
		SendTimeout:    cfg.SendTimeout,
		ReceiveTimeout: cfg.WorkerReceiveTimeout,
	}))
	mux.Handle("/ws/frontend", subhub.Handler(subhub.HandlerConfig{
		Hub:            observers,
		Queries:        queries,
		Projection:     projection,
		ShutdownCh:     shutdownCh,
		SendTimeout:    cfg.SendTimeout,
		ReceiveTimeout: cfg.ObserverReceiveTimeout,
	}))

	service.Register(mux, service.Config{
		Queries:    queries,
		Cache:      coord,
		Dispatcher: dispatcher,
		Manager:    manager,
		Hub:        observers,
		Resolver:   resolver,
	})

	mux.Handle("/metrics", promhttp.Handler())

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	server := &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		queries:    queries,
		server:     server,
		sqlDB:      sqlDB,
		coord:      coord,
		shutdownCh: shutdownCh,
		manager:    manager,
		dispatcher: dispatcher,
	}, nil
}

// Queries returns the hub's store queries for direct database access.
func (s *Server) Queries() *store.Queries {
	return s.queries
}

// Serve starts the hub server. It blocks until ctx is cancelled, then
// performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	// Background stale-shard reclaim.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go s.dispatcher.Run(sweepCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("hub shutting down...")

		// 1. Reject new connections and API calls.
		close(s.shutdownCh)

		// 2. Tell connected workers to delay reconnection.
		s.manager.NotifyShutdown(10)

		// 3. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("hub listening", "addr", s.cfg.Addr)

	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	stopSweep()

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	_ = s.coord.Close()
	return nil
}
