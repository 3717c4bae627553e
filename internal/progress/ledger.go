package progress

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRecordIteration = "progress.record_iteration"
	opRewind          = "progress.rewind_iteration"
	opTouch           = "progress.touch_activity"
	opArchive         = "progress.archive"
	opFind            = "progress.find"
	opRecordView      = "progress.record_view"
	opNitpicker       = "progress.nitpicker"
)

var (
	// ErrExerciseNotFound indicates that no progress record exists for the key.
	ErrExerciseNotFound = errors.New("progress: exercise not found")

	errMissingDatabase = errors.New("progress: database connection required")
	errMissingKey      = errors.New("progress: user, track and slug are required")
	noOpLogger         = zap.NewNop()
)

// LedgerConfig describes the dependencies of the progress ledger.
type LedgerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Ledger reads and mutates progress records.
type Ledger struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{db: cfg.Database, clock: clock, idProvider: idProvider, logger: logger}, nil
}

// RecordIteration counts a new submission against the (user, track, slug) record,
// creating the record on first submission. tx may be an open transaction.
func (l *Ledger) RecordIteration(tx *gorm.DB, userID, track, slug string, at time.Time) (Exercise, error) {
	userID, track, slug = strings.TrimSpace(userID), strings.TrimSpace(track), strings.TrimSpace(slug)
	if userID == "" || track == "" || slug == "" {
		return Exercise{}, svcerr.New(opRecordIteration, "missing_key", errMissingKey)
	}
	id, err := l.idProvider.NewID()
	if err != nil {
		return Exercise{}, svcerr.New(opRecordIteration, "id_generation_failed", err)
	}

	at = at.UTC()
	fresh := Exercise{
		ID:              id,
		UserID:          userID,
		Track:           track,
		Slug:            slug,
		IterationCount:  1,
		LastIterationAt: &at,
		LastActivityAt:  &at,
		CreatedAt:       at,
	}
	err = tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "track"}, {Name: "slug"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"iteration_count":   gorm.Expr("user_exercises.iteration_count + 1"),
			"last_iteration_at": at,
			"last_activity_at":  at,
		}),
	}).Create(&fresh).Error
	if err != nil {
		l.logError(opRecordIteration, "upsert_failed", err, zap.String("user_id", userID))
		return Exercise{}, svcerr.New(opRecordIteration, "upsert_failed", err)
	}

	var stored Exercise
	if err := tx.Where("user_id = ? AND track = ? AND slug = ?", userID, track, slug).Take(&stored).Error; err != nil {
		return Exercise{}, svcerr.New(opRecordIteration, "reload_failed", err)
	}
	return stored, nil
}

// RewindIteration undoes one iteration after a submission was retracted.
// previous is the creation time of the newest remaining submission, nil when none remain.
func (l *Ledger) RewindIteration(tx *gorm.DB, exerciseID string, previous *time.Time) error {
	if previous != nil {
		utc := previous.UTC()
		previous = &utc
	}
	err := tx.Model(&Exercise{}).
		Where("id = ?", exerciseID).
		UpdateColumns(map[string]interface{}{
			"iteration_count":   gorm.Expr("CASE WHEN iteration_count > 0 THEN iteration_count - 1 ELSE 0 END"),
			"last_iteration_at": previous,
		}).Error
	if err != nil {
		l.logError(opRewind, "update_failed", err, zap.String("exercise_id", exerciseID))
		return svcerr.New(opRewind, "update_failed", err)
	}
	return nil
}

// TouchActivity stamps review activity on the record. It never changes the archived flag.
func (l *Ledger) TouchActivity(tx *gorm.DB, exerciseID string, at time.Time) error {
	if exerciseID == "" {
		return nil
	}
	err := tx.Model(&Exercise{}).
		Where("id = ?", exerciseID).
		UpdateColumn("last_activity_at", at.UTC()).Error
	if err != nil {
		l.logError(opTouch, "update_failed", err, zap.String("exercise_id", exerciseID))
		return svcerr.New(opTouch, "update_failed", err)
	}
	return nil
}

// Find loads the progress record for (user, track, slug).
func (l *Ledger) Find(ctx context.Context, userID, track, slug string) (Exercise, error) {
	var exercise Exercise
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND track = ? AND slug = ?", userID, track, slug).
		Take(&exercise).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Exercise{}, svcerr.New(opFind, "not_found", ErrExerciseNotFound)
	}
	if err != nil {
		return Exercise{}, svcerr.New(opFind, "query_failed", err)
	}
	return exercise, nil
}

// Archive hides the exercise from review.
func (l *Ledger) Archive(ctx context.Context, userID, track, slug string) error {
	return l.setArchived(ctx, userID, track, slug, true)
}

// Unarchive returns the exercise to review.
func (l *Ledger) Unarchive(ctx context.Context, userID, track, slug string) error {
	return l.setArchived(ctx, userID, track, slug, false)
}

func (l *Ledger) setArchived(ctx context.Context, userID, track, slug string, archived bool) error {
	result := l.db.WithContext(ctx).Model(&Exercise{}).
		Where("user_id = ? AND track = ? AND slug = ?", userID, track, slug).
		UpdateColumn("archived", archived)
	if result.Error != nil {
		l.logError(opArchive, "update_failed", result.Error, zap.String("user_id", userID))
		return svcerr.New(opArchive, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return svcerr.New(opArchive, "not_found", ErrExerciseNotFound)
	}
	return nil
}

// RecordView stamps the time the user looked at the exercise.
func (l *Ledger) RecordView(ctx context.Context, userID, exerciseID string) error {
	view := View{UserID: userID, ExerciseID: exerciseID, LastViewedAt: l.clock().UTC()}
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "exercise_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_viewed_at"}),
		}).
		Create(&view).Error
	if err != nil {
		l.logError(opRecordView, "upsert_failed", err, zap.String("user_id", userID))
		return svcerr.New(opRecordView, "upsert_failed", err)
	}
	return nil
}

// Nitpicker lists the slugs per track the user has iterated on, oldest first.
func (l *Ledger) Nitpicker(ctx context.Context, userID string) (map[string][]string, error) {
	var rows []Exercise
	err := l.db.WithContext(ctx).
		Select("track", "slug").
		Where("user_id = ? AND iteration_count > 0", userID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, svcerr.New(opNitpicker, "query_failed", err)
	}
	problems := make(map[string][]string)
	for _, row := range rows {
		problems[row.Track] = append(problems[row.Track], row.Slug)
	}
	return problems, nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("progress ledger error", attrs...)
}
