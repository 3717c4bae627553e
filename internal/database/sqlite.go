package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/entitlements"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/recommendations"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the review core persists.
func Models() []interface{} {
	return []interface{}{
		&users.User{},
		&users.LifecycleEvent{},
		&entitlements.ACL{},
		&progress.Exercise{},
		&progress.View{},
		&submissions.Submission{},
		&comments.Comment{},
		&comments.Mention{},
		&recommendations.DailyQuota{},
		&migrationRecord{},
	}
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

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
