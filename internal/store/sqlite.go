package store

import (
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearUnkeyedRows = "2026-05-20_clear_unkeyed_cache_rows"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&RecordRow{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("record cache initialized", zap.String("path", path))
	}

	return db, nil
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearUnkeyedRows, apply: clearUnkeyedRows},
	}

	for _, migration := range migrations {
		var existing migrationRecord
		err := db.Where("name = ?", migration.name).Take(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		applied := migrationRecord{
			Name:             migration.name,
			AppliedAtSeconds: time.Now().Unix(),
		}
		if err := db.Create(&applied).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("migration applied", zap.String("name", migration.name))
		}
	}
	return nil
}

// clearUnkeyedRows removes rows written before the cache enforced
// non-empty replaceable keys.
func clearUnkeyedRows(db *gorm.DB) error {
	return db.Exec("DELETE FROM record_cache WHERE d_tag = '' OR author = '';").Error
}
