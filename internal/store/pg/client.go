// Package pg implements store.Store against PostgreSQL using database/sql
// with the pgx driver, following the same connection and migration
// structure as the teacher's pkg/database/client.go: pgx stdlib driver,
// golang-migrate with embedded SQL files, connection pool tuning.
package pg

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds the durable backend's connection settings. Set ConnString
// directly (the runtime façade's single "store path" configuration value,
// per §6.3) or leave it empty and populate the discrete fields instead.
type Config struct {
	ConnString string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) dsn() string {
	if c.ConnString != "" {
		return c.ConnString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Open connects to Postgres, applies pending migrations, and returns a
// ready-to-use Store. Callers must call Close when done.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := stdsql.Open("pgx", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// runMigrations applies every pending embedded migration, in version order.
// Safe to call on every startup: migrate.Up is a no-op once the schema is
// current.
func runMigrations(db *stdsql.DB, databaseName string) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil || len(entries) == 0 {
		return fmt.Errorf("no embedded migrations found — binary built incorrectly: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Do not call m.Close(): it would close db via the postgres driver,
	// which owns the *sql.DB we still need for the Store.
	return sourceDriver.Close()
}
