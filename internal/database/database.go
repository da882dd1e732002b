package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"trafficdash/internal/catalog"
	"trafficdash/internal/config"
	"trafficdash/internal/snapshots"
)

// DBManager wraps cartridge's sqlite.Manager with the snapshot schema.
type DBManager struct {
	*sqlite.Manager
	logger *slog.Logger
}

// NewDBManager creates a new database manager using cartridge's sqlite.Manager.
func NewDBManager(cfg *config.Config, logger *slog.Logger) *DBManager {
	sqliteCfg := sqlite.Config{
		Path:         cfg.DatabaseName,
		MaxOpenConns: cfg.GetMaxOpenConns(),
		MaxIdleConns: cfg.GetMaxIdleConns(),
		Logger:       logger,
		EnableWAL:    true,
		TxImmediate:  true,
		BusyTimeout:  5000,
	}

	return &DBManager{
		Manager: sqlite.NewManager(sqliteCfg),
		logger:  logger,
	}
}

// Init initializes the database connection.
func (dm *DBManager) Init() error {
	_, err := dm.Manager.Connect()
	return err
}

// MigrateDatabase creates the table of every daily family.
func (dm *DBManager) MigrateDatabase() error {
	db := dm.GetConnection()
	if db == nil {
		return gorm.ErrInvalidDB
	}

	if err := snapshots.NewGormStore(db).Migrate(context.Background(), catalog.Default().Daily()); err != nil {
		dm.logger.Error("Failed to migrate snapshot tables", slog.Any("error", err))
		return err
	}

	if err := dm.CheckpointWAL("FULL"); err != nil {
		dm.logger.Warn("Failed to checkpoint WAL after migration", slog.Any("error", err))
	}

	dm.logger.Info("Database migration completed successfully")
	return nil
}

// SnapshotStore is a migrated store and the function that releases it
type SnapshotStore struct {
	snapshots.Store
	Close func() error
}

// OpenSnapshotStore returns the store selected by the configuration. SQLite
// snapshots share the manager's connection; PostgreSQL gets its own pool and
// schema migration.
func OpenSnapshotStore(cfg *config.Config, dm *DBManager, logger *slog.Logger) (*SnapshotStore, error) {
	if !cfg.IsPostgres() {
		db := dm.GetConnection()
		if db == nil {
			return nil, gorm.ErrInvalidDB
		}
		return &SnapshotStore{
			Store: snapshots.NewGormStore(db),
			Close: func() error { return nil },
		}, nil
	}

	store, err := snapshots.OpenPostgres(cfg.DatabaseURL, cfg.GetMaxOpenConns(), cfg.GetMaxIdleConns())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := store.Migrate(context.Background(), catalog.Default().Daily()); err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("Using PostgreSQL snapshot store")
	return &SnapshotStore{Store: store, Close: store.Close}, nil
}
