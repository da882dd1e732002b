// Package internal contains core application functionality
package internal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"trafficdash/internal/catalog"
	"trafficdash/internal/config"
	"trafficdash/internal/database"
	"trafficdash/internal/derive"
	"trafficdash/internal/http"
	"trafficdash/internal/jobs"
	"trafficdash/internal/live"
	"trafficdash/internal/observability"
	"trafficdash/internal/reporting"
	"trafficdash/internal/series"
	"trafficdash/internal/timeframe"
)

// Components is the dashboard pipeline shared by the server and the CLI
type Components struct {
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics
	Store     *database.SnapshotStore
	Builder   *series.Builder
	Board     *live.Board
	Scheduler *jobs.Scheduler
	Factors   derive.Factors
}

// NewComponents wires the remote client, snapshot store, series builder, live
// board and background jobs from the configuration.
func NewComponents(cfg *config.Config, dbManager *database.DBManager, logger *slog.Logger) (*Components, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	store, err := database.OpenSnapshotStore(cfg, dbManager, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	httpClient, err := reporting.ServiceAccountHTTPClient(context.Background(), cfg.KeyFileLocation, cfg.TokenURL, cfg.RemoteTimeout())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load analytics credentials: %w", err)
	}

	remote, err := reporting.NewClient(context.Background(), reporting.Options{
		ViewID:            cfg.ViewID,
		ReportingEndpoint: cfg.ReportingEndpoint,
		RealtimeEndpoint:  cfg.RealtimeEndpoint,
		HTTPClient:        httpClient,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create analytics client: %w", err)
	}

	return assemble(cfg, store, remote, registry, metrics, logger)
}

// assemble builds everything downstream of the store and the remote client
func assemble(cfg *config.Config, store *database.SnapshotStore, remote reporting.Remote, registry *prometheus.Registry, metrics *observability.Metrics, logger *slog.Logger) (*Components, error) {
	rangeStart, err := timeframe.ParseDateKey(cfg.RangeStartDate)
	if err != nil {
		store.Close()
		return nil, err
	}

	builder := series.NewBuilder(series.Options{
		Catalog:       catalog.Default(),
		Store:         store,
		Remote:        remote,
		Logger:        logger,
		Metrics:       metrics,
		Location:      cfg.Location(),
		WindowDays:    cfg.WindowDays,
		TodayPolicy:   cfg.TodayPolicy,
		RangeStart:    rangeStart,
		RangeCacheTTL: cfg.RangeCacheTTL(),
	})

	board := live.NewBoard(builder, logger, metrics)

	scheduler, err := jobs.NewScheduler(jobs.Options{
		Board:          board,
		Warmup:         jobs.NewWarmupJob(builder, metrics, logger),
		Cleanup:        jobs.NewCleanupJob(store, builder.Catalog(), builder.Today, cfg.SnapshotRetentionDays, metrics, logger),
		LiveInterval:   cfg.LiveInterval(),
		WarmupSchedule: cfg.WarmupSchedule,
		Location:       cfg.Location(),
	}, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize jobs: %w", err)
	}

	return &Components{
		Registry:  registry,
		Metrics:   metrics,
		Store:     store,
		Builder:   builder,
		Board:     board,
		Scheduler: scheduler,
		Factors:   derive.Factors{A: cfg.BandwidthFactorA, B: cfg.BandwidthFactorB},
	}, nil
}

// Dashboard returns the HTTP handlers backed by the components
func (c *Components) Dashboard(cfg *config.Config) *http.Dashboard {
	return &http.Dashboard{
		Builder:         c.Builder,
		Board:           c.Board,
		Store:           c.Store,
		Factors:         c.Factors,
		OverviewWorkers: cfg.OverviewWorkers,
	}
}

// Application wraps cartridge.Application with the dashboard components
type Application struct {
	*cartridge.Application
	DBManager  *database.DBManager
	Components *Components
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	// Create logger
	logger := cartridge.NewLogger(cfg, nil)

	// Initialize database manager
	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	components, err := NewComponents(cfg, dbManager, logger)
	if err != nil {
		return nil, err
	}

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:            cfg,
		Logger:            logger,
		DBManager:         dbManager,
		RouteMountFunc:    MountRoutes(components.Dashboard(cfg), components.Registry),
		BackgroundWorkers: []cartridge.BackgroundWorker{components.Scheduler},
	})
	if err != nil {
		components.Store.Close()
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Components:  components,
	}, nil
}
