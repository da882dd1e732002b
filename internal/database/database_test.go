package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficdash/internal/config"
	"trafficdash/internal/testsupport"
)

func TestMigrateAndOpenSQLiteStore(t *testing.T) {
	cfg := &config.Config{
		Environment:  config.Test,
		DatabaseType: config.SQLiteDatabase,
		DatabaseName: filepath.Join(t.TempDir(), "trafficdash-test.db"),
	}

	dm := NewDBManager(cfg, testsupport.GetLogger())
	require.NoError(t, dm.Init())
	require.NoError(t, dm.MigrateDatabase())

	var tables []string
	require.NoError(t, dm.GetConnection().
		Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name").
		Scan(&tables).Error)
	assert.Equal(t, []string{"bandwidth", "browser", "device", "os", "pageviews", "sessions"}, tables)

	// migrating twice is harmless
	require.NoError(t, dm.MigrateDatabase())

	store, err := OpenSnapshotStore(cfg, dm, testsupport.GetLogger())
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Ping(context.Background()))
}
