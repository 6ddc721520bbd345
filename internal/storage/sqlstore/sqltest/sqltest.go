// Package sqltest opens throwaway SQLite databases for package tests.
package sqltest

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore"
)

// MustOpen opens a private in-memory database with the schema migrated.
// The connection is closed via t.Cleanup.
func MustOpen(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	db, err := sqlstore.Open(sqlstore.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, sqlstore.AutoMigrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

// MustStore wraps MustOpen in a Store with a silent logger.
func MustStore(t *testing.T, opts ...sqlstore.Option) *sqlstore.Store {
	t.Helper()
	return sqlstore.New(MustOpen(t), slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}
