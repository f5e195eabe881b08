package app

import (
	"fmt"
	"log/slog"

	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/database"
)

// OpenBackend connects to the service's own database: PostgreSQL for the
// admin catalog, MySQL for user lending. With migrate set the schema is
// brought up to date first.
func OpenBackend(cfg *config.Config, migrate bool, logger *slog.Logger) (Backend, func() error, error) {
	switch cfg.Service {
	case "admin":
		db, err := database.NewConnection(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := db.Migrate("up", database.DefaultMigrationsURL, logger); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		logger.Info("database connected", "host", cfg.Database.Host, "database", cfg.Database.DBName)
		return database.NewCatalogStore(db), db.Close, nil

	case "user":
		db, err := database.ConnectMySQL(cfg.MySQL, cfg.Log.Level == "debug", logger)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := database.AutoMigrate(db); err != nil {
				database.CloseMySQL(db)
				return nil, nil, err
			}
		}
		return database.NewLendingStore(db), func() error { return database.CloseMySQL(db) }, nil
	}
	return nil, nil, fmt.Errorf("unknown service %q", cfg.Service)
}
