package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/coderoom/internal/persistence"
	"github.com/MarcoPoloResearchLab/coderoom/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillRoomLanguage     = "2026-10-01_backfill_room_language"
	migrationBackfillSnapshotLanguage = "2026-10-01_backfill_snapshot_language"
)

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

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillRoomLanguage, apply: backfillRoomLanguage},
		{name: migrationBackfillSnapshotLanguage, apply: backfillSnapshotLanguage},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rooms created before language selection existed carry an empty language.
func backfillRoomLanguage(db *gorm.DB) error {
	return db.Model(&persistence.RoomRecord{}).
		Where("language = '' OR language IS NULL").
		Update("language", rooms.DefaultLanguage).Error
}

func backfillSnapshotLanguage(db *gorm.DB) error {
	return db.Model(&persistence.SnapshotRecord{}).
		Where("language = '' OR language IS NULL").
		Update("language", rooms.DefaultLanguage).Error
}
