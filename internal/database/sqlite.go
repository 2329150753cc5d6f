package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/coderoom/internal/persistence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schemaModels()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, zapLogger); err != nil {
		return nil, err
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func schemaModels() []interface{} {
	models := persistence.Models()
	return append(models, &users.Identity{}, &migrationRecord{})
}
