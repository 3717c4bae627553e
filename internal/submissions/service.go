package submissions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/entitlements"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "submissions.service.new"
	opSubmit     = "submissions.submit"
	opFind       = "submissions.find"
	opLatest     = "submissions.latest"
	opList       = "submissions.list"
	opLike       = "submissions.like"
)

var (
	// ErrSubmissionNotFound indicates the referenced submission does not exist.
	ErrSubmissionNotFound = errors.New("submissions: submission not found")
	// ErrEmptyCode indicates a submission without any code.
	ErrEmptyCode = errors.New("submissions: code is required")

	errMissingDatabase = errors.New("database handle is required")
	errMissingLedger   = errors.New("progress ledger is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the submission store.
type ServiceConfig struct {
	Database   *gorm.DB
	Ledger     *progress.Ledger
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service records submissions and feeds them into the progress ledger.
type Service struct {
	db         *gorm.DB
	ledger     *progress.Ledger
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService constructs the submission store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, svcerr.New(opServiceNew, "missing_ledger", errMissingLedger)
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
	return &Service{
		db:         cfg.Database,
		ledger:     cfg.Ledger,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Submit stores a new iteration, counts it on the user's progress record and
// entitles the user to review the exercise, all in one transaction.
func (s *Service) Submit(ctx context.Context, userID, track, slug, code string) (Submission, error) {
	if strings.TrimSpace(code) == "" {
		return Submission{}, svcerr.New(opSubmit, "empty_code", ErrEmptyCode)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Submission{}, svcerr.New(opSubmit, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	submission := Submission{
		ID:        id,
		UserID:    strings.TrimSpace(userID),
		Track:     strings.TrimSpace(track),
		Slug:      strings.TrimSpace(slug),
		Code:      code,
		CreatedAt: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exercise, err := s.ledger.RecordIteration(tx, submission.UserID, submission.Track, submission.Slug, now)
		if err != nil {
			return err
		}
		submission.UserExerciseID = exercise.ID
		if err := tx.Create(&submission).Error; err != nil {
			s.logError(opSubmit, "insert_failed", err, zap.String("user_id", submission.UserID))
			return svcerr.New(opSubmit, "insert_failed", err)
		}
		// Solving an exercise entitles its owner to review it.
		if err := entitlements.GrantIn(tx, submission.UserID, submission.Track, submission.Slug, now); err != nil {
			s.logError(opSubmit, "grant_failed", err, zap.String("user_id", submission.UserID))
			return err
		}
		return users.TrackEventOnce(tx, submission.UserID, users.EventFetched, now)
	})
	if txErr != nil {
		return Submission{}, txErr
	}

	s.logger.Debug("submission recorded",
		zap.String("submission_id", submission.ID),
		zap.String("user_id", submission.UserID),
		zap.String("track", submission.Track),
		zap.String("slug", submission.Slug))
	return submission, nil
}

// Find loads a submission by id.
func (s *Service) Find(ctx context.Context, submissionID string) (Submission, error) {
	var submission Submission
	err := s.db.WithContext(ctx).Where("id = ?", submissionID).Take(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Submission{}, svcerr.New(opFind, "not_found", ErrSubmissionNotFound)
	}
	if err != nil {
		return Submission{}, svcerr.New(opFind, "query_failed", err)
	}
	return submission, nil
}

// Latest loads the user's most recent submission.
func (s *Service) Latest(ctx context.Context, userID string) (Submission, error) {
	submission, err := LatestFor(s.db.WithContext(ctx), userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Submission{}, svcerr.New(opLatest, "not_found", ErrSubmissionNotFound)
	}
	if err != nil {
		return Submission{}, svcerr.New(opLatest, "query_failed", err)
	}
	return submission, nil
}

// On lists the user's submissions for one exercise, newest first.
func (s *Service) On(ctx context.Context, userID, track, slug string) ([]Submission, error) {
	var found []Submission
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND track = ? AND slug = ?", userID, track, slug).
		Order("created_at DESC").
		Order("id DESC").
		Find(&found).Error
	if err != nil {
		return nil, svcerr.New(opList, "query_failed", err)
	}
	return found, nil
}

// Count returns how many submissions the user has.
func (s *Service) Count(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Submission{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, svcerr.New(opList, "query_failed", err)
	}
	return count, nil
}

// Like sets the liked flag on a submission.
func (s *Service) Like(ctx context.Context, submissionID string, liked bool) error {
	result := s.db.WithContext(ctx).Model(&Submission{}).
		Where("id = ?", submissionID).
		UpdateColumn("liked", liked)
	if result.Error != nil {
		return svcerr.New(opLike, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return svcerr.New(opLike, "not_found", ErrSubmissionNotFound)
	}
	return nil
}

// LatestFor loads the newest submission of the user through db, which may be an open transaction.
// It returns gorm.ErrRecordNotFound when the user has none.
func LatestFor(db *gorm.DB, userID string) (Submission, error) {
	var submission Submission
	err := db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Take(&submission).Error
	return submission, err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("submissions service error", attrs...)
}
