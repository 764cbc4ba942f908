package db

import (
	"context"
	"fmt"

	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/EternisAI/silo-broker/internal/store/postgres"
	"github.com/EternisAI/silo-broker/internal/store/sqlite"
)

// OpenStore connects the configured driver and returns the DAO bundle.
// Migrations are expected to have run already.
func OpenStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Driver {
	case DriverPostgres, "":
		pool, err := InitDB(ctx, cfg.Url, cfg.Schema)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(pool), nil
	case DriverSQLite:
		sqlDB, err := OpenSQLite(ctx, cfg.Url)
		if err != nil {
			return nil, err
		}
		return sqlite.NewStore(sqlDB), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
