package comments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opEngineNew     = "comments.engine.new"
	opCreateComment = "comments.create_comment"
	opListComments  = "comments.list_comments"
	opMentions      = "comments.mentions"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingSanitizer = errors.New("sanitizer is required")
	errMissingDirectory = errors.New("user directory is required")
	errMissingLedger    = errors.New("progress ledger is required")
	errMissingAuthor    = errors.New("comment author is required")
	noOpLogger          = zap.NewNop()
)

// Sanitizer renders a raw comment body into safe HTML.
type Sanitizer interface {
	Sanitize(raw string) string
}

// UserDirectory resolves mentioned usernames to users.
type UserDirectory interface {
	FindInUsernames(ctx context.Context, usernames []string) ([]users.User, error)
}

// Notifier receives review activity once it has been committed.
type Notifier interface {
	Notify(notification Notification)
}

// EngineConfig describes the dependencies of the comment engine.
type EngineConfig struct {
	Database   *gorm.DB
	Sanitizer  Sanitizer
	Users      UserDirectory
	Ledger     *progress.Ledger
	Notifier   Notifier
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Engine creates review comments and maintains submission nit counts.
type Engine struct {
	db         *gorm.DB
	sanitizer  Sanitizer
	users      UserDirectory
	ledger     *progress.Ledger
	notifier   Notifier
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewEngine constructs a comment engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.Sanitizer == nil {
		return nil, svcerr.New(opEngineNew, "missing_sanitizer", errMissingSanitizer)
	}
	if cfg.Users == nil {
		return nil, svcerr.New(opEngineNew, "missing_user_directory", errMissingDirectory)
	}
	if cfg.Ledger == nil {
		return nil, svcerr.New(opEngineNew, "missing_ledger", errMissingLedger)
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
	return &Engine{
		db:         cfg.Database,
		sanitizer:  cfg.Sanitizer,
		users:      cfg.Users,
		ledger:     cfg.Ledger,
		notifier:   cfg.Notifier,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreateComment reviews a submission.
//
// A body that is blank before or after sanitizing yields Result{Valid: false} with the
// unsaved comment and a nil error; nothing is written. Otherwise the comment and its
// mentions are stored and, when the author is not the submission owner, the owner's
// nit count is incremented in the same transaction.
func (e *Engine) CreateComment(ctx context.Context, submissionID string, author users.User, rawBody string) (Result, error) {
	if strings.TrimSpace(author.ID) == "" {
		return Result{}, svcerr.New(opCreateComment, "missing_author", errMissingAuthor)
	}

	var submission submissions.Submission
	err := e.db.WithContext(ctx).Where("id = ?", submissionID).Take(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, svcerr.New(opCreateComment, "submission_not_found", submissions.ErrSubmissionNotFound)
	}
	if err != nil {
		e.logError(opCreateComment, "submission_select_failed", err, zap.String("submission_id", submissionID))
		return Result{}, svcerr.New(opCreateComment, "submission_select_failed", err)
	}

	htmlBody := e.sanitizer.Sanitize(rawBody)
	comment := Comment{
		SubmissionID: submission.ID,
		UserID:       author.ID,
		Body:         rawBody,
		HTMLBody:     htmlBody,
	}
	if strings.TrimSpace(rawBody) == "" || strings.TrimSpace(htmlBody) == "" {
		return Result{Comment: comment, Valid: false}, nil
	}

	mentioned, err := e.users.FindInUsernames(ctx, ExtractMentions(rawBody))
	if err != nil {
		e.logError(opCreateComment, "mention_lookup_failed", err, zap.String("submission_id", submission.ID))
		return Result{}, svcerr.New(opCreateComment, "mention_lookup_failed", err)
	}

	commentID, err := e.idProvider.NewID()
	if err != nil {
		return Result{}, svcerr.New(opCreateComment, "id_generation_failed", err)
	}
	now := e.clock().UTC()
	comment.ID = commentID
	comment.CreatedAt = now
	isNit := author.ID != submission.UserID

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The owner may have retracted the submission since it was loaded.
		var current submissions.Submission
		err := tx.Select("id").Where("id = ?", submission.ID).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return svcerr.New(opCreateComment, "submission_not_found", submissions.ErrSubmissionNotFound)
		}
		if err != nil {
			e.logError(opCreateComment, "submission_select_failed", err, zap.String("submission_id", submission.ID))
			return svcerr.New(opCreateComment, "submission_select_failed", err)
		}

		if err := tx.Create(&comment).Error; err != nil {
			e.logError(opCreateComment, "comment_insert_failed", err, zap.String("submission_id", submission.ID))
			return svcerr.New(opCreateComment, "comment_insert_failed", err)
		}

		if len(mentioned) > 0 {
			rows := make([]Mention, 0, len(mentioned))
			for _, user := range mentioned {
				rows = append(rows, Mention{CommentID: comment.ID, UserID: user.ID})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				e.logError(opCreateComment, "mention_insert_failed", err, zap.String("comment_id", comment.ID))
				return svcerr.New(opCreateComment, "mention_insert_failed", err)
			}
		}

		if isNit {
			result := tx.Model(&submissions.Submission{}).
				Where("id = ?", submission.ID).
				UpdateColumn("nit_count", gorm.Expr("nit_count + ?", 1))
			if result.Error != nil {
				e.logError(opCreateComment, "nit_count_update_failed", result.Error, zap.String("submission_id", submission.ID))
				return svcerr.New(opCreateComment, "nit_count_update_failed", result.Error)
			}
			if result.RowsAffected == 0 {
				return svcerr.New(opCreateComment, "submission_not_found", submissions.ErrSubmissionNotFound)
			}
		}

		return e.ledger.TouchActivity(tx, submission.UserExerciseID, now)
	})
	if txErr != nil {
		return Result{}, txErr
	}

	e.notify(submission, comment, mentioned, isNit)
	return Result{Comment: comment, Mentions: mentioned, Valid: true}, nil
}

// ListComments returns the comments on a submission, oldest first.
func (e *Engine) ListComments(ctx context.Context, submissionID string) ([]Comment, error) {
	var found []Comment
	err := e.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&found).Error
	if err != nil {
		e.logError(opListComments, "query_failed", err, zap.String("submission_id", submissionID))
		return nil, svcerr.New(opListComments, "query_failed", err)
	}
	return found, nil
}

// Mentions returns the users mentioned by a comment.
func (e *Engine) Mentions(ctx context.Context, commentID string) ([]users.User, error) {
	var mentioned []users.User
	err := e.db.WithContext(ctx).
		Joins("INNER JOIN comment_mentions ON comment_mentions.user_id = users.id").
		Where("comment_mentions.comment_id = ?", commentID).
		Order("users.username ASC").
		Find(&mentioned).Error
	if err != nil {
		return nil, svcerr.New(opMentions, "query_failed", err)
	}
	return mentioned, nil
}

func (e *Engine) notify(submission submissions.Submission, comment Comment, mentioned []users.User, isNit bool) {
	if e.notifier == nil {
		return
	}
	base := Notification{
		AuthorID:     comment.UserID,
		SubmissionID: submission.ID,
		CommentID:    comment.ID,
		CreatedAt:    comment.CreatedAt,
	}
	if isNit {
		nit := base
		nit.Kind = NotificationNit
		nit.RecipientID = submission.UserID
		e.notifier.Notify(nit)
	}
	for _, user := range mentioned {
		if user.ID == comment.UserID {
			continue
		}
		mention := base
		mention.Kind = NotificationMention
		mention.RecipientID = user.ID
		e.notifier.Notify(mention)
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("comment engine error", attrs...)
}
