// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase   = "sqlite"
	PostgresDatabase = "postgres"
)

// Policies for the current day's cached rows
const (
	TodayRefetch = "refetch"
	TodayTrust   = "trust"
)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`

	// File paths
	DatabasePath          string `mapstructure:"storagepath"`
	DatabaseName          string `mapstructure:"-"` // Derived from other settings
	PublicDirectory       string `mapstructure:"publicdir"`
	PublicAssetsUrlPrefix string `mapstructure:"publicassetsurlprefix"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseURL          string `mapstructure:"databaseurl"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Upstream analytics settings
	KeyFileLocation      string `mapstructure:"keyfile"`
	ViewID               string `mapstructure:"viewid"`
	ReportingEndpoint    string `mapstructure:"reportingendpoint"`
	RealtimeEndpoint     string `mapstructure:"realtimeendpoint"`
	TokenURL             string `mapstructure:"tokenurl"`
	RemoteTimeoutSeconds int    `mapstructure:"remotetimeoutseconds"`

	// Series settings
	WindowDays        int    `mapstructure:"windowdays"`
	Timezone          string `mapstructure:"timezone"`
	TodayPolicy       string `mapstructure:"todaypolicy"`
	RangeStartDate    string `mapstructure:"rangestartdate"`
	RangeCacheSeconds int    `mapstructure:"rangecacheseconds"`
	OverviewWorkers   int    `mapstructure:"overviewworkers"`

	// Derived metric constants
	BandwidthFactorA float64 `mapstructure:"bandwidthfactora"`
	BandwidthFactorB float64 `mapstructure:"bandwidthfactorb"`

	// Job scheduling settings
	LiveIntervalSeconds int    `mapstructure:"liveintervalseconds"`
	WarmupSchedule      string `mapstructure:"warmupschedule"`

	// Data retention settings (0 keeps snapshots forever)
	SnapshotRetentionDays int `mapstructure:"snapshotretentiondays"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		v.SetDefault("appname", "trafficdash")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("publicdir", "web/dist/assets")
		v.SetDefault("publicassetsurlprefix", "/")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("keyfile", "storage/service-account.json")
		v.SetDefault("reportingendpoint", "https://analyticsreporting.googleapis.com/")
		v.SetDefault("realtimeendpoint", "https://www.googleapis.com/analytics/v3/")
		v.SetDefault("tokenurl", "https://oauth2.googleapis.com/token")
		v.SetDefault("remotetimeoutseconds", 30)
		v.SetDefault("windowdays", 10)
		v.SetDefault("timezone", "UTC")
		v.SetDefault("todaypolicy", TodayRefetch)
		v.SetDefault("rangestartdate", "2020-05-10")
		v.SetDefault("rangecacheseconds", 300)
		v.SetDefault("overviewworkers", 1)
		v.SetDefault("bandwidthfactora", 1.55)
		v.SetDefault("bandwidthfactorb", 4.5)
		v.SetDefault("liveintervalseconds", 100)
		v.SetDefault("warmupschedule", "5 0 * * *")
		v.SetDefault("snapshotretentiondays", 0)

		v.BindEnv("appname", "TRAFFICDASH_APP_NAME")
		v.BindEnv("appport", "TRAFFICDASH_APP_PORT")
		v.BindEnv("environment", "TRAFFICDASH_ENV")
		v.BindEnv("loglevel", "TRAFFICDASH_LOG_LEVEL")
		v.BindEnv("privatekey", "TRAFFICDASH_PRIVATE_KEY")
		v.BindEnv("storagepath", "TRAFFICDASH_STORAGE_PATH")
		v.BindEnv("publicdir", "TRAFFICDASH_PUBLIC_DIR")
		v.BindEnv("publicassetsurlprefix", "TRAFFICDASH_PUBLIC_ASSETS_URL_PREFIX")
		v.BindEnv("logsdir", "TRAFFICDASH_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "TRAFFICDASH_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "TRAFFICDASH_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "TRAFFICDASH_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "TRAFFICDASH_DB_TYPE")
		v.BindEnv("databaseurl", "DATABASE_URL")
		v.BindEnv("dbmaxopenconns", "TRAFFICDASH_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "TRAFFICDASH_DB_MAX_IDLE_CONNS")
		v.BindEnv("keyfile", "TRAFFICDASH_KEY_FILE")
		v.BindEnv("viewid", "TRAFFICDASH_VIEW_ID")
		v.BindEnv("reportingendpoint", "TRAFFICDASH_REPORTING_ENDPOINT")
		v.BindEnv("realtimeendpoint", "TRAFFICDASH_REALTIME_ENDPOINT")
		v.BindEnv("tokenurl", "TRAFFICDASH_TOKEN_URL")
		v.BindEnv("remotetimeoutseconds", "TRAFFICDASH_REMOTE_TIMEOUT_SECONDS")
		v.BindEnv("windowdays", "TRAFFICDASH_WINDOW_DAYS")
		v.BindEnv("timezone", "TRAFFICDASH_TIMEZONE")
		v.BindEnv("todaypolicy", "TRAFFICDASH_TODAY_POLICY")
		v.BindEnv("rangestartdate", "TRAFFICDASH_RANGE_START_DATE")
		v.BindEnv("rangecacheseconds", "TRAFFICDASH_RANGE_CACHE_SECONDS")
		v.BindEnv("overviewworkers", "TRAFFICDASH_OVERVIEW_WORKERS")
		v.BindEnv("bandwidthfactora", "TRAFFICDASH_BANDWIDTH_FACTOR_A")
		v.BindEnv("bandwidthfactorb", "TRAFFICDASH_BANDWIDTH_FACTOR_B")
		v.BindEnv("liveintervalseconds", "TRAFFICDASH_LIVE_INTERVAL_SECONDS")
		v.BindEnv("warmupschedule", "TRAFFICDASH_WARMUP_SCHEDULE")
		v.BindEnv("snapshotretentiondays", "TRAFFICDASH_SNAPSHOT_RETENTION_DAYS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		cfg.DatabaseName = cfg.GetDatabasePath()

		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase:   true,
		PostgresDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}
	if c.DatabaseType == PostgresDatabase && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres database type")
	}

	if c.TodayPolicy != TodayRefetch && c.TodayPolicy != TodayTrust {
		return fmt.Errorf("invalid today policy: %s", c.TodayPolicy)
	}
	if c.WindowDays < 1 {
		return fmt.Errorf("window days must be positive, got %d", c.WindowDays)
	}
	if c.RangeCacheSeconds < 0 {
		return fmt.Errorf("range cache seconds must not be negative, got %d", c.RangeCacheSeconds)
	}
	if c.SnapshotRetentionDays < 0 {
		return fmt.Errorf("snapshot retention days must not be negative, got %d", c.SnapshotRetentionDays)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if _, err := time.Parse("2006-01-02", c.RangeStartDate); err != nil {
		return fmt.Errorf("invalid range start date %q: %w", c.RangeStartDate, err)
	}

	return nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// IsPostgres reports whether snapshots live in PostgreSQL instead of SQLite.
func (c *Config) IsPostgres() bool {
	return c.DatabaseType == PostgresDatabase
}

// Location returns the analytics view's time zone. validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RemoteTimeout returns the transport timeout for upstream calls.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSeconds) * time.Second
}

// RangeCacheTTL returns how long range-family reports stay memoized.
func (c *Config) RangeCacheTTL() time.Duration {
	return time.Duration(c.RangeCacheSeconds) * time.Second
}

// LiveInterval returns the polling interval of the live map.
func (c *Config) LiveInterval() time.Duration {
	return time.Duration(c.LiveIntervalSeconds) * time.Second
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return c.PublicDirectory
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return c.PublicAssetsUrlPrefix
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
