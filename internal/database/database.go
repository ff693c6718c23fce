package database

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/roomsync/internal/config"
	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var errMissingDatabasePath = errors.New("database path is required")

// Config selects the backing store for the record tables.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// ConfigFromApp extracts the storage settings from the application config.
func ConfigFromApp(cfg config.AppConfig) Config {
	return Config{
		Driver: cfg.DatabaseDriver,
		Path:   cfg.DatabasePath,
		DSN:    cfg.DatabaseDSN,
	}
}

// Open establishes the database connection and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialector, target, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if cfg.Driver == config.DriverSQLite || cfg.Driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized",
		zap.String("driver", driverName(cfg)),
		zap.String("target", target))

	return db, nil
}

// OpenSQLite opens the embedded store at path.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return Open(Config{Driver: config.DriverSQLite, Path: path}, logger)
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(records.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// dialectorFor returns the GORM dialector plus a log-safe description of the target.
func dialectorFor(cfg Config) (gorm.Dialector, string, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		if cfg.Path == "" {
			return nil, "", errMissingDatabasePath
		}
		return sqlite.Open(cfg.Path), cfg.Path, nil
	case config.DriverMySQL:
		if cfg.DSN == "" {
			return nil, "", fmt.Errorf("database dsn is required for %s", config.DriverMySQL)
		}
		return mysql.Open(cfg.DSN), config.DriverMySQL, nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func driverName(cfg Config) string {
	if cfg.Driver == "" {
		return config.DriverSQLite
	}
	return cfg.Driver
}
