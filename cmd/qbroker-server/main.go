// Package main provides the qbroker server executable with HTTP API and metrics endpoint.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coregx/qbroker"
	"github.com/coregx/qbroker/adapters/relica"
	"github.com/coregx/qbroker/cmd/qbroker-server/internal/api"
	"github.com/coregx/qbroker/cmd/qbroker-server/internal/config"
	"github.com/coregx/qbroker/cmd/qbroker-server/internal/telemetry"
	"github.com/coregx/qbroker/metrics"
	"github.com/coregx/qbroker/storage/file"
	"github.com/coregx/qbroker/storage/memory"
	"github.com/coregx/qbroker/storage/pebble"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("qbroker server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slogger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger := qbroker.NewSlogLogger(slogger)

	slogger.Info("Starting qbroker server",
		"version", version,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"storage", cfg.Storage.Driver,
		"max_retries", cfg.Queue.MaxRetries,
		"retry_delay", cfg.Queue.RetryDelay,
	)

	storage, closer, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Errorf("Failed to close storage: %v", closeErr)
		}
	}()
	slogger.Info("Storage initialized", "driver", cfg.Storage.Driver)

	queueMetrics, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	broker, err := qbroker.NewBroker(
		qbroker.WithStorage(storage),
		qbroker.WithLogger(logger),
		qbroker.WithDefaultQueueConfig(cfg.Queue.Broker()),
		qbroker.WithObservers(queueMetrics, qbroker.NewLoggingObserver(logger)),
	)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	defer func() {
		if closeErr := broker.Close(); closeErr != nil {
			logger.Errorf("Failed to close broker: %v", closeErr)
		}
	}()

	if err := prometheus.Register(metrics.NewStatsCollector(broker)); err != nil {
		return fmt.Errorf("failed to register stats collector: %w", err)
	}

	restored, err := broker.Restore(context.Background())
	if err != nil {
		return fmt.Errorf("failed to restore queues: %w", err)
	}
	slogger.Info("Queues restored", "count", restored, "queues", broker.QueueNames())

	mux := http.NewServeMux()
	api.NewHandler(broker, logger, version).Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slogger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slogger.Info("Shutting down server", "signal", sig.String())
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server forced to shutdown: %v", err)
	}

	slogger.Info("Server stopped gracefully")
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStorage builds the configured backend and returns what must be closed on exit.
func openStorage(cfg config.StorageConfig, logger qbroker.Logger) (qbroker.Storage, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New().WithLogger(logger), nopCloser{}, nil

	case config.DriverFile:
		policy := file.SyncNever
		if cfg.Fsync {
			policy = file.SyncAlways
		}
		storage, err := file.New(file.Options{Dir: cfg.Dir, SyncPolicy: policy, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return storage, nopCloser{}, nil

	case config.DriverPebble:
		mode := pebble.FsyncModeInterval
		if cfg.Fsync {
			mode = pebble.FsyncModeAlways
		}
		storage, err := pebble.Open(pebble.Options{
			DataDir:       cfg.Dir,
			Fsync:         mode,
			FsyncInterval: 100 * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return storage, storage, nil
	}

	if cfg.Driver == config.DriverSQLite {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open(cfg.Driver, cfg.GetDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.Migrate {
		if err := qbroker.ApplyMigrations(db, cfg.Driver); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	return relica.NewStorageWithPrefix(db, cfg.Driver, cfg.Prefix, logger), db, nil
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler, logger qbroker.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Infof("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		logger.Debugf("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
	})
}
