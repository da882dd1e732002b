package testsupport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trafficdash/internal/catalog"
	"trafficdash/internal/config"
	"trafficdash/internal/reporting"
	"trafficdash/internal/snapshots"
)

// testDBCache caches test databases by test name to allow multiple calls
// within the same test to share the same database
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// TestDBManager wraps cartridge's TestDBManager
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

// NewTestDBManager creates a TestDBManager that implements cartridge.DBManager
func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{
		TestDBManager: ctestsupport.NewTestDBManager(db),
	}
}

// Ensure TestDBManager implements cartridge.DBManager
var _ cartridge.DBManager = (*TestDBManager)(nil)

// SetupTestDB creates a test database with every daily family table.
// Uses a named in-memory database with cache=shared so that every pooled
// connection sees the same tables. Caches the database by test name so
// multiple calls within the same test return the same database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	testName := t.Name()

	// Use root test name for caching to handle closure issues where
	// setup functions capture the outer t while t.Run has subtest t
	rootName := testName
	if idx := strings.Index(testName, "/"); idx > 0 {
		rootName = testName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	sanitizedName := strings.ReplaceAll(rootName, "/", "_")
	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", sanitizedName, time.Now().UnixNano())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	if err := snapshots.NewGormStore(db).Migrate(context.Background(), catalog.Default().Daily()); err != nil {
		t.Fatalf("testsupport: failed to create snapshot tables: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// SetupTestStore returns a SQLite snapshot store over a fresh test database
func SetupTestStore(t *testing.T) *snapshots.GormStore {
	t.Helper()
	return snapshots.NewGormStore(SetupTestDB(t))
}

// SetupTestDBManager creates a test DB manager using cartridge's testsupport
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	t.Helper()
	return NewTestDBManager(SetupTestDB(t)), GetLogger()
}

// CreateMinimalTestApp creates a test Fiber app with the routes of mount
func CreateMinimalTestApp(t *testing.T, db *gorm.DB, mount func(*cartridge.Server)) *fiber.App {
	t.Helper()

	dbManager := NewTestDBManager(db)
	appConfig := config.GetConfig()
	appConfig.Environment = config.Test
	appConfig.PublicDirectory = t.TempDir()

	cfg := cartridge.DefaultServerConfig()
	cfg.Config = appConfig
	cfg.Logger = GetLogger()
	cfg.DBManager = dbManager
	cfg.StaticDirectory = appConfig.PublicDirectory
	cfg.StaticPrefix = appConfig.PublicAssetsUrlPrefix
	cfg.TemplatesDirectory = appConfig.PublicDirectory
	// Enable SecFetchSite validation in tests to match production behavior
	cfg.EnableSecFetchSite = true
	cfg.SecFetchSiteAllowedValues = []string{"cross-site", "same-site", "same-origin"}

	srv, err := cartridge.NewServer(cfg)
	require.NoError(t, err)

	mount(srv)
	return srv.App()
}

// CountRows returns the number of rows of a snapshot table
func CountRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Table(table).Count(&count).Error)
	return count
}

// CleanAllTables clears every snapshot table
func CleanAllTables(db *gorm.DB) {
	var tableNames []string
	db.Raw("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'").Scan(&tableNames)

	if len(tableNames) == 0 {
		return
	}

	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tableNames {
			tx.Exec(`DELETE FROM "` + table + `"`)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name=?", table)
		}
		return nil
	})
}

// GetLogger returns a test logger
func GetLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}

// FakeRemote is an in-memory analytics service. Reports are keyed by the
// query shape and its start date; unknown queries get an empty report with
// matching headers.
type FakeRemote struct {
	mu       sync.Mutex
	reports  map[string]*reporting.RawReport
	errs     map[string]error
	realtime *reporting.RawReport
	calls    []catalog.Query
}

// NewFakeRemote creates an empty FakeRemote
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		reports: make(map[string]*reporting.RawReport),
		errs:    make(map[string]error),
	}
}

func reportKey(q catalog.Query, start string) string {
	return strings.Join(q.Dimensions, ",") + "|" + strings.Join(q.Metrics, ",") + "|" + start
}

// SetReport serves rows for a family on a start date. Each row lists the
// dimension values followed by the metric values.
func (f *FakeRemote) SetReport(family catalog.Family, start string, rows ...[]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[reportKey(family.Query("", ""), start)] = BuildReport(family, rows...)
}

// FailOn makes queries of a family starting on start fail with err
func (f *FakeRemote) FailOn(family catalog.Family, start string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[reportKey(family.Query("", ""), start)] = err
}

// SetRealtime serves rows for the real-time API
func (f *FakeRemote) SetRealtime(rows ...[]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	family, _ := catalog.Default().Get(catalog.Realtime)
	f.realtime = BuildReport(family, rows...)
}

// Calls returns the number of queries served so far
func (f *FakeRemote) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *FakeRemote) FetchReport(ctx context.Context, q catalog.Query) (*reporting.RawReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)

	key := reportKey(q, q.StartDate)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if r, ok := f.reports[key]; ok {
		return r, nil
	}
	return emptyReport(q), nil
}

func (f *FakeRemote) FetchRealtime(ctx context.Context, q catalog.Query) (*reporting.RawReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q)
	if f.realtime == nil {
		return emptyReport(q), nil
	}
	return f.realtime, nil
}

func emptyReport(q catalog.Query) *reporting.RawReport {
	headers := make([]reporting.MetricHeaderEntry, len(q.Metrics))
	for i, m := range q.Metrics {
		headers[i] = reporting.MetricHeaderEntry{Name: m, Type: "INTEGER"}
	}
	return &reporting.RawReport{DimensionNames: q.Dimensions, MetricHeaders: headers}
}

// BuildReport assembles a RawReport for a family from plain rows
func BuildReport(family catalog.Family, rows ...[]string) *reporting.RawReport {
	report := emptyReport(family.Query("", ""))
	dims := len(family.Dimensions)
	for _, row := range rows {
		report.Rows = append(report.Rows, reporting.Row{
			Dimensions: row[:dims],
			Metrics:    [][]string{row[dims:]},
		})
	}
	return report
}
