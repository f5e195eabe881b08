package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/hezzy93/library-app-1/internal/config"
)

// DefaultMigrationsURL is where the admin schema lives relative to the
// working directory of the binaries.
const DefaultMigrationsURL = "file://migrations"

// DB is the admin catalog's PostgreSQL connection pool.
type DB struct {
	*sql.DB
}

func NewConnection(cfg config.DatabaseConfig) (*DB, error) {
	return Open(cfg.ConnectionString())
}

// Open connects with a lib/pq connection string or URL.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Migrate applies ("up") or rolls back ("down") the schema found at
// sourceURL.
func (db *DB) Migrate(direction, sourceURL string, logger *slog.Logger) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	switch direction {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run up migrations: %w", err)
		}
		logger.Info("migrations applied", "source", sourceURL)
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run down migrations: %w", err)
		}
		logger.Info("migrations rolled back", "source", sourceURL)
	default:
		return fmt.Errorf("unknown migration direction: %s", direction)
	}

	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
