package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embedMigrations embed.FS

// RunMigrations runs all pending migrations for the given driver.
func RunMigrations(driver, dbURL, schema string) error {
	switch driver {
	case DriverPostgres, "":
		return runPostgresMigrations(dbURL, schema)
	case DriverSQLite:
		db, err := sql.Open("sqlite", dbURL)
		if err != nil {
			return err
		}
		defer db.Close()
		return MigrateSQLite(db)
	default:
		return fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func runPostgresMigrations(dbURL string, schema string) error {
	slog.Info("Running database migrations...", "driver", DriverPostgres)

	if schema == "" {
		schema = "public"
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := ensureSchemaExists(db, schema); err != nil {
		return err
	}

	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.Up(db, "migrations/postgres"); err != nil {
		return err
	}

	slog.Info("Database migrations completed successfully")
	return nil
}

// MigrateSQLite applies the SQLite migrations on an already open handle.
func MigrateSQLite(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	if err := goose.Up(db, "migrations/sqlite"); err != nil {
		return err
	}

	slog.Info("Database migrations completed successfully", "driver", DriverSQLite)
	return nil
}

func ensureSchemaExists(db *sql.DB, schema string) error {
	query := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize()
	if _, err := db.Exec(query); err != nil {
		return err
	}
	slog.Info("Schema is ready", "schema", schema)

	setPathQuery := "SET search_path TO " + pgx.Identifier{schema}.Sanitize()
	if _, err := db.Exec(setPathQuery); err != nil {
		return err
	}

	return nil
}
