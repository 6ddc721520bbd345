// Package sqlstore is the relational source of truth for devices, the
// delivery log, idempotency keys and the webhook outbox.
package sqlstore

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects the SQL backend.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// Open connects to the configured database. SQLite is limited to one open
// connection; every write inside a transaction must use the tx handle.
func Open(cfg Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared&_foreign_keys=1"
		}
		db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres requires a dsn")
		}
		db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB, err := db.DB()
			if err != nil {
				return nil, err
			}
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// AutoMigrate creates or updates every table the store owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Profile{},
		&DeviceRecord{},
		&Topic{},
		&UserTopic{},
		&NotificationRecord{},
		&DeliveryLogRecord{},
		&IdempotencyRecord{},
		&WebhookEndpointRecord{},
		&WebhookEventRecord{},
		&WebhookAttemptRecord{},
		&APIClient{},
		&FirebaseProject{},
	)
}

// Store implements the dispatch storage contracts on top of gorm.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Store)

// WithNow overrides the clock, primarily for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(db *gorm.DB, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "SQLStore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the handle for maintenance jobs and health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks the underlying connection.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
