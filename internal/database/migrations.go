package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/segments"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSegmentSizes = "2026-09-14_backfill_segment_sizes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// Migration is a named one-shot schema or data repair.
type Migration struct {
	Name  string
	Apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []Migration) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.Name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.Apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.Name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.Name))
		}
	}
	return nil
}

// Segments stored before size tracking existed report zero bytes.
func backfillSegmentSizes(db *gorm.DB) error {
	return db.Model(&segments.SpeechSegment{}).
		Where("size_bytes = 0").
		Update("size_bytes", gorm.Expr("length(audio)")).Error
}
