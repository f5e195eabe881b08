package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/database"
	"github.com/hezzy93/library-app-1/internal/logging"
)

func main() {
	var direction, service, source string
	flag.StringVar(&direction, "direction", "up", "Migration direction (up or down)")
	flag.StringVar(&service, "service", "admin", "Which service's schema to migrate (admin or user)")
	flag.StringVar(&source, "source", database.DefaultMigrationsURL, "Migration source URL for the admin schema")
	flag.Parse()

	logger := logging.New("info", service).With("component", "migrate")
	if direction != "up" && direction != "down" {
		logger.Error("direction must be 'up' or 'down'", "direction", direction)
		os.Exit(1)
	}

	cfg, err := config.Load(service)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("running database migrations", "direction", direction)
	if err := migrate(cfg, direction, source, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed successfully")
}

func migrate(cfg *config.Config, direction, source string, logger *slog.Logger) error {
	if cfg.Service == "user" {
		db, err := database.ConnectMySQL(cfg.MySQL, false, logger)
		if err != nil {
			return err
		}
		defer database.CloseMySQL(db)
		if direction == "down" {
			return database.DropLending(db)
		}
		return database.AutoMigrate(db)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate(direction, source, logger)
}
