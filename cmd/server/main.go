/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the driver settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and SETTLEMENT_* environment config
  2. Parse command-line flags (override env)
  3. Initialize SQLite store (migrations run on open)
  4. Choose lock backend: Redis when SETTLEMENT_REDIS_URL is set, else in-process
  5. Build the settlement service, API handler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: SETTLEMENT_APP_PORT or 8080)
  -db      SQLite database path (default: SETTLEMENT_DB_PATH or settlements.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/settlements.db"

  # Run with distributed locks
  SETTLEMENT_REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/lock"
	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.App.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DB.Path, "SQLite database path")
	flag.Parse()
	cfg.App.Port = *port
	cfg.DB.Path = *dbPath

	log := logger.New(logger.Options{
		ServiceName: "settlement-engine",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   true,
	})
	ctx := context.Background()
	if envErr != nil {
		log.Debug(ctx, "no .env file loaded", map[string]any{"reason": envErr.Error()})
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server exited", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	locker, err := newLocker(ctx, cfg, log)
	if err != nil {
		return err
	}

	opts := []settlement.Option{
		settlement.WithLogger(log),
		settlement.WithLockTTL(cfg.Engine.LockTTL),
		settlement.WithDriverNumberPattern(cfg.Engine.DriverNumberPattern),
	}
	routerOpts := api.RouterOptions{CORSOrigins: cfg.CORS.Origins}
	if cfg.Metrics.Enabled {
		opts = append(opts, settlement.WithUsageMeter(metrics.NewUsageMeter(prometheus.DefaultRegisterer)))
		routerOpts.Metrics = metrics.NewHTTPMetrics(prometheus.DefaultRegisterer)
		routerOpts.MetricsHandler = metrics.Handler(prometheus.DefaultGatherer)
	}

	svc, err := settlement.NewService(store, locker, opts...)
	if err != nil {
		return fmt.Errorf("build settlement service: %w", err)
	}

	// Create router
	router := api.NewRouter(api.NewHandler(svc, log), routerOpts)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(log.WithFields(ctx, map[string]any{
			"port":    cfg.App.Port,
			"db":      cfg.DB.Path,
			"metrics": cfg.Metrics.Enabled,
		}), "server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info(ctx, "server stopped")
	return nil
}

func newLocker(ctx context.Context, cfg *config.Config, log *logger.Logger) (settlement.Locker, error) {
	if !cfg.Redis.Enabled() {
		log.Warn(ctx, "SETTLEMENT_REDIS_URL not set; using in-process locks")
		return lock.NewLocal(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locker, err := lock.NewRedis(connectCtx, cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	locker.OnReleaseError(func(err error) {
		log.Error(ctx, "lock release failed", err)
	})
	return locker, nil
}
