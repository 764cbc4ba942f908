// Package storetest provides a migrated SQLite store for tests in other packages.
package storetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/EternisAI/silo-broker/internal/db"
	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/EternisAI/silo-broker/internal/store/sqlite"
	"github.com/stretchr/testify/require"
)

// NewSQLite opens a fresh database under t.TempDir and closes it on cleanup.
func NewSQLite(t testing.TB) (*sqlite.Store, *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "broker.db")
	sqlDB, err := db.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, db.MigrateSQLite(sqlDB))

	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlite.NewStore(sqlDB), sqlDB
}

// IssueToken provisions an ACTIVE token for tenant/domain.
func IssueToken(t testing.TB, s store.Store, tenant, domain string) *store.AccessToken {
	t.Helper()

	at, err := s.Tokens().Issue(context.Background(), tenant, domain)
	require.NoError(t, err)
	return at
}
