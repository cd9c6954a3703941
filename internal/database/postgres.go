package database

import (
	"fmt"
	"time"

	"github.com/Aidin1998/intentex/internal/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Migrator is implemented by every store that owns tables.
type Migrator interface {
	Migrate() error
}

// Open connects to the configured database and applies pool settings.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = NewPostgresDB(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
	case "sqlite":
		db, err = NewSQLiteDB(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("Database connected", zap.String("driver", cfg.Driver))
	return db, nil
}

// NewPostgresDB creates a new PostgreSQL database connection with pooling
func NewPostgresDB(dsn string, maxOpen, maxIdle int, connMaxLife time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if maxOpen == 0 {
		maxOpen = 25
	}
	if maxIdle == 0 {
		maxIdle = 5
	}
	if connMaxLife == 0 {
		connMaxLife = time.Hour
	}

	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(connMaxLife)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// NewSQLiteDB opens a sqlite database. SQLite serializes writers, so the pool is
// pinned to a single connection that never expires; this also keeps
// "mode=memory" databases alive for the lifetime of the handle.
func NewSQLiteDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqliteDialector{Dialector: &sqlite.Dialector{DSN: dsn}}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	return db, nil
}

// MemoryDSN returns a private in-memory sqlite DSN for the given name.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
}

// Migrate runs every migrator in order and stops at the first failure.
func Migrate(migrators ...Migrator) error {
	for _, m := range migrators {
		if err := m.Migrate(); err != nil {
			return err
		}
	}
	return nil
}
