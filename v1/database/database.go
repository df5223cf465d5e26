package database

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gov-dx-sandbox/databridge/internal/config"
	"github.com/gov-dx-sandbox/databridge/v1/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds GORM database connection configuration
type Config struct {
	Host            string
	Port            string
	Username        string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MaxRetries      int
}

// NewDatabaseConfig creates a new GORM database configuration
func NewDatabaseConfig(cfg *config.DBConfigs) *Config {
	return &Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Username:        cfg.Username,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		MaxRetries:      5,
	}
}

// GormConfig is shared by production and test connections.
// TranslateError surfaces unique violations as gorm.ErrDuplicatedKey.
func GormConfig() *gorm.Config {
	// ParameterizedQueries keeps token hashes and reasons out of the SQL log
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)
	return &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	}
}

// openWithRetry calls open until it succeeds or maxRetries attempts have failed,
// doubling the wait between attempts from initialWait.
func openWithRetry(open func() (*gorm.DB, error), maxRetries int, initialWait time.Duration) (*gorm.DB, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialWait
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	var db *gorm.DB
	attempt := 0
	op := func() error {
		attempt++
		var err error
		db, err = open()
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Failed to connect to database, retrying...",
			"attempt", attempt,
			"maxRetries", maxRetries,
			"error", err,
			"waitTime", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(eb, uint64(maxRetries-1)), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempt, err)
	}
	return db, nil
}

// ConnectGormDB establishes a GORM connection to PostgreSQL
func ConnectGormDB(config *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := openWithRetry(func() (*gorm.DB, error) {
		return gorm.Open(postgres.Open(dsn), GormConfig())
	}, config.MaxRetries, time.Second)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL database with GORM",
		"host", config.Host,
		"port", config.Port,
		"database", config.Database)

	if os.Getenv("RUN_MIGRATION") == "true" {
		slog.Info("Running GORM auto-migration")
		if err := Migrate(db); err != nil {
			return nil, err
		}
		slog.Info("GORM auto-migration completed successfully")
	} else {
		slog.Info("Database connected (migration skipped)")
	}

	return db, nil
}

// Migrate creates or updates every DataBridge table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.DataRequest{},
		&models.DataShare{},
		&models.AccessEvent{},
		&models.AccessToken{},
		&models.AuditRecord{},
	); err != nil {
		return fmt.Errorf("failed to run auto-migration: %w", err)
	}
	return nil
}

// Ping checks the connection with a bounded wait.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
