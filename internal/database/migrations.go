package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillNitCounts    = "2026-09-02_backfill_nit_counts"
	migrationBackfillLastActivity = "2026-09-15_backfill_last_activity"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillNitCounts, apply: backfillNitCounts},
		{name: migrationBackfillLastActivity, apply: backfillLastActivity},
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

// backfillNitCounts recomputes the cached nit count from the comments table.
func backfillNitCounts(db *gorm.DB) error {
	return db.Exec(`UPDATE submissions SET nit_count = (
		SELECT COUNT(*) FROM comments
		WHERE comments.submission_id = submissions.id
		AND comments.user_id <> submissions.user_id
	)`).Error
}

func backfillLastActivity(db *gorm.DB) error {
	return db.Exec(`UPDATE user_exercises SET last_activity_at = last_iteration_at
		WHERE last_activity_at IS NULL AND last_iteration_at IS NOT NULL`).Error
}
