package database

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hezzy93/library-app-1/internal/config"
)

// ConnectMySQL opens the lending side's database.
func ConnectMySQL(cfg config.MySQLConfig, debug bool, log *slog.Logger) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Error)
	if debug {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("database connected", "host", cfg.Host, "port", cfg.Port, "database", cfg.DBName)
	return db, nil
}

// AutoMigrate creates or extends the lending tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&userRow{}, &bookRow{}, &outboxRow{}); err != nil {
		return fmt.Errorf("failed to migrate lending schema: %w", err)
	}
	return nil
}

// DropLending removes the lending tables.
func DropLending(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&outboxRow{}, &bookRow{}, &userRow{}); err != nil {
		return fmt.Errorf("failed to drop lending schema: %w", err)
	}
	return nil
}

// CloseMySQL releases the pool behind db.
func CloseMySQL(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
