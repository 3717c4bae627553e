// Package retraction lets a learner take back a fresh, unreviewed submission.
package retraction

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultTimeout is how long after submitting a learner may still retract.
const DefaultTimeout = 10 * time.Minute

const (
	opGuardNew = "retraction.guard.new"
	opUnsubmit = "retraction.unsubmit"
)

var (
	// ErrNothingToUnsubmit indicates the user has no submissions.
	ErrNothingToUnsubmit = errors.New("retraction: nothing to unsubmit")
	// ErrSubmissionTooOld indicates the latest submission is past the retraction window.
	ErrSubmissionTooOld = errors.New("retraction: submission too old")
	// ErrSubmissionHasNits indicates someone already reviewed the latest submission.
	ErrSubmissionHasNits = errors.New("retraction: submission has nits")

	errMissingDatabase = errors.New("database handle is required")
	errMissingLedger   = errors.New("progress ledger is required")
	noOpLogger         = zap.NewNop()
)

// GuardConfig describes the dependencies of the retraction guard.
type GuardConfig struct {
	Database *gorm.DB
	Ledger   *progress.Ledger
	Clock    func() time.Time
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Guard revokes submissions.
type Guard struct {
	db      *gorm.DB
	ledger  *progress.Ledger
	clock   func() time.Time
	timeout time.Duration
	logger  *zap.Logger
}

// NewGuard constructs a Guard. A zero timeout falls back to DefaultTimeout.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opGuardNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, svcerr.New(opGuardNew, "missing_ledger", errMissingLedger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Guard{db: cfg.Database, ledger: cfg.Ledger, clock: clock, timeout: timeout, logger: logger}, nil
}

// Timeout reports the retraction window.
func (g *Guard) Timeout() time.Duration {
	return g.timeout
}

// Unsubmit deletes the user's most recent submission and returns it.
// The checks run in a fixed order: no submission, too old, has nits.
func (g *Guard) Unsubmit(ctx context.Context, userID string) (submissions.Submission, error) {
	var latest submissions.Submission
	txErr := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		latest, err = submissions.LatestFor(tx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return svcerr.New(opUnsubmit, "nothing_to_unsubmit", ErrNothingToUnsubmit)
		}
		if err != nil {
			g.logError(opUnsubmit, "latest_select_failed", err, zap.String("user_id", userID))
			return svcerr.New(opUnsubmit, "latest_select_failed", err)
		}
		if latest.Age(g.clock()) > g.timeout {
			return svcerr.New(opUnsubmit, "submission_too_old", ErrSubmissionTooOld)
		}
		if latest.NitCount > 0 {
			return svcerr.New(opUnsubmit, "submission_has_nits", ErrSubmissionHasNits)
		}

		// A nit landing after the read above leaves the row in place.
		result := tx.Where("id = ? AND nit_count = ?", latest.ID, 0).Delete(&submissions.Submission{})
		if result.Error != nil {
			g.logError(opUnsubmit, "delete_failed", result.Error, zap.String("submission_id", latest.ID))
			return svcerr.New(opUnsubmit, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return svcerr.New(opUnsubmit, "submission_has_nits", ErrSubmissionHasNits)
		}

		ownComments := tx.Model(&comments.Comment{}).Select("id").Where("submission_id = ?", latest.ID)
		if err := tx.Where("comment_id IN (?)", ownComments).Delete(&comments.Mention{}).Error; err != nil {
			g.logError(opUnsubmit, "mention_delete_failed", err, zap.String("submission_id", latest.ID))
			return svcerr.New(opUnsubmit, "mention_delete_failed", err)
		}
		if err := tx.Where("submission_id = ?", latest.ID).Delete(&comments.Comment{}).Error; err != nil {
			g.logError(opUnsubmit, "comment_delete_failed", err, zap.String("submission_id", latest.ID))
			return svcerr.New(opUnsubmit, "comment_delete_failed", err)
		}

		return g.rewind(tx, latest)
	})
	if txErr != nil {
		return submissions.Submission{}, txErr
	}

	g.logger.Info("submission retracted",
		zap.String("submission_id", latest.ID),
		zap.String("user_id", latest.UserID))
	return latest, nil
}

func (g *Guard) rewind(tx *gorm.DB, removed submissions.Submission) error {
	if removed.UserExerciseID == "" {
		return nil
	}
	var previous *time.Time
	var remaining submissions.Submission
	err := tx.Where("user_exercise_id = ?", removed.UserExerciseID).
		Order("created_at DESC").
		Order("id DESC").
		Take(&remaining).Error
	switch {
	case err == nil:
		previous = &remaining.CreatedAt
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		g.logError(opUnsubmit, "previous_select_failed", err, zap.String("exercise_id", removed.UserExerciseID))
		return svcerr.New(opUnsubmit, "previous_select_failed", err)
	}
	return g.ledger.RewindIteration(tx, removed.UserExerciseID, previous)
}

func (g *Guard) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	g.logger.Error("retraction guard error", attrs...)
}
