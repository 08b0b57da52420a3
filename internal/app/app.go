// Package app holds the start-up plumbing shared by the pricewatch binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/go-chi/chi/v5"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/pricewatch"
	"github.com/overtonx/pricewatch/bus"
	"github.com/overtonx/pricewatch/config"
	"github.com/overtonx/pricewatch/internal/pricecache"
	"github.com/overtonx/pricewatch/storage/sqlstore"
)

const (
	metricsNamespace = "pricewatch"
	shutdownTimeout  = 10 * time.Second
)

// Runtime is what every binary builds before wiring its component.
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *pricewatch.PrometheusMetricsCollector
}

// New loads the configuration and builds the logger and metrics registry.
func New(service string) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", service))

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Metrics:  pricewatch.NewPrometheusMetricsCollector(metricsNamespace, registry),
	}, nil
}

// OpenDB connects to MySQL, waiting for the server under the broker retry
// policy, and makes sure the schema exists.
func (rt *Runtime) OpenDB(ctx context.Context) (*sql.DB, *sqlstore.SQLStore, error) {
	cfg := rt.Config.MySQL
	dsn, err := cfg.FormatDSN()
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	err = rt.Config.RabbitMQ.RetryPolicy().Do(ctx, rt.Logger, "database ping", func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := sqlstore.NewSQLStore(db, rt.Logger)
	if err := store.EnsureTables(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	rt.Logger.Info("Database ready")
	return db, store, nil
}

// TxManager returns a transaction manager over db whose transactions are
// picked up by sqlstore through the context.
func (rt *Runtime) TxManager(db *sql.DB) pricewatch.TxManager {
	return manager.Must(trmsql.NewDefaultFactory(db))
}

// Client creates the broker client used for publishing and queue operations.
func (rt *Runtime) Client() *bus.Client {
	return bus.NewClient(rt.Config.RabbitMQ.URL, rt.Config.RabbitMQ.RetryPolicy(), rt.Logger)
}

// ConsumerOptions are the options every consumer in the pipeline shares.
func (rt *Runtime) ConsumerOptions() []bus.ConsumerOption {
	return []bus.ConsumerOption{
		bus.WithRetryPolicy(rt.Config.RabbitMQ.RetryPolicy()),
		bus.WithConsumerLogger(rt.Logger),
	}
}

// PriceCache connects the latest-price cache. The returned func closes the client.
func (rt *Runtime) PriceCache() (*pricecache.Cache, func() error) {
	cfg := rt.Config.Redis
	opts := pricecache.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Timeout:  cfg.Timeout,
		TTL:      cfg.TTL,
	}
	rdb := pricecache.NewRedisClient(opts)
	return pricecache.New(rdb, opts), rdb.Close
}

// MetricsRouter serves the registry and a liveness probe.
func (rt *Runtime) MetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// Serve runs handler on addr until ctx is done.
func (rt *Runtime) Serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  rt.Config.HTTP.ReadTimeout,
		WriteTimeout: rt.Config.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.Logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// ServeMetrics runs the metrics endpoint in the background.
func (rt *Runtime) ServeMetrics(ctx context.Context) {
	go func() {
		if err := rt.Serve(ctx, rt.Config.HTTP.MetricsAddr, rt.MetricsRouter()); err != nil {
			rt.Logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}
