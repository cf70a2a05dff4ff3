package database

import (
	"errors"
	"time"

	"github.com/o-ats-o/ta-support-worker/internal/board"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillFirstSeen = "2026-07-14_backfill_item_first_seen"

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillFirstSeen, apply: backfillItemFirstSeen},
	}

	for _, migration := range migrations {
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

// backfillItemFirstSeen repairs snapshot rows written before first-seen
// tracking landed, where the column defaulted to the empty string.
func backfillItemFirstSeen(db *gorm.DB) error {
	return db.Model(&board.ItemSnapshot{}).
		Where("first_seen_at = ''").
		Update("first_seen_at", gorm.Expr("last_seen_at")).Error
}
