package db

import (
	"fmt"

	"github.com/zulandar/kite/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the cache models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.CachedBuild{},
		&models.CachedPipeline{},
	}
}

// AutoMigrate creates or updates all cache tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
