package recommendations

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSelectorNew = "recommendations.selector.new"
	opSelect      = "recommendations.select_daily"
	opConsume     = "recommendations.consume"
	opConsumed    = "recommendations.consumed_today"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUsers    = errors.New("user lookup is required")
	noOpLogger         = zap.NewNop()
)

// UserLookup loads the viewer to check onboarding.
type UserLookup interface {
	Find(ctx context.Context, userID string) (users.User, error)
}

// SelectorConfig describes the dependencies of the selector.
type SelectorConfig struct {
	Database *gorm.DB
	Users    UserLookup
	Clock    func() time.Time
	// Location decides where a quota day starts and ends. Defaults to UTC.
	Location *time.Location
	Logger   *zap.Logger
}

// Selector computes daily review recommendations and tracks the daily quota.
type Selector struct {
	db       *gorm.DB
	users    UserLookup
	clock    func() time.Time
	location *time.Location
	logger   *zap.Logger
}

// NewSelector constructs a Selector.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(opSelectorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Users == nil {
		return nil, svcerr.New(opSelectorNew, "missing_users", errMissingUsers)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Selector{db: cfg.Database, users: cfg.Users, clock: clock, location: location, logger: logger}, nil
}

// Day returns the quota day key for an instant.
func (s *Selector) Day(at time.Time) string {
	return at.In(s.location).Format(dayLayout)
}

// DailyPlan is a user's review work for the current quota day, evaluated at one instant.
type DailyPlan struct {
	Recommendations []Recommendation
	Consumed        int
	ShowSuggestions bool
}

// Plan reads the consumed count once and derives the day's recommendations from it.
// Users that are unknown or not onboarded get no recommendations.
func (s *Selector) Plan(ctx context.Context, userID string) (DailyPlan, error) {
	now := s.clock()
	consumed, err := s.consumedOn(ctx, userID, s.Day(now))
	if err != nil {
		return DailyPlan{}, err
	}
	plan := DailyPlan{Consumed: consumed}

	onboarded, err := s.onboarded(ctx, userID)
	if err != nil || !onboarded {
		return plan, err
	}
	picks, err := s.selectWith(ctx, userID, consumed, now)
	if err != nil {
		return DailyPlan{}, err
	}
	plan.Recommendations = picks
	plan.ShowSuggestions = len(picks)+consumed == DailyLimit
	return plan, nil
}

// SelectDailyRecommendations returns up to the remaining daily quota of exercises
// the user should review, least reviewed and most iterated first.
func (s *Selector) SelectDailyRecommendations(ctx context.Context, userID string) ([]Recommendation, error) {
	plan, err := s.Plan(ctx, userID)
	if err != nil {
		return nil, err
	}
	return plan.Recommendations, nil
}

// ShowSuggestions reports whether the daily suggestions panel applies to the user:
// onboarded and with a full day's worth of work either consumed or still on offer.
func (s *Selector) ShowSuggestions(ctx context.Context, userID string) (bool, error) {
	plan, err := s.Plan(ctx, userID)
	if err != nil {
		return false, err
	}
	return plan.ShowSuggestions, nil
}

// ConsumedToday returns how many recommendations the user consumed on the current quota day.
func (s *Selector) ConsumedToday(ctx context.Context, userID string) (int, error) {
	return s.consumedOn(ctx, userID, s.Day(s.clock()))
}

func (s *Selector) consumedOn(ctx context.Context, userID, day string) (int, error) {
	var quota DailyQuota
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND day = ?", userID, day).
		Take(&quota).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opConsumed, "query_failed", err, zap.String("user_id", userID))
		return 0, svcerr.New(opConsumed, "query_failed", err)
	}
	if quota.Total > DailyLimit {
		return DailyLimit, nil
	}
	return quota.Total, nil
}

// ConsumeRecommendation counts one presented recommendation against today's quota
// and returns the new total. The total stops at DailyLimit.
func (s *Selector) ConsumeRecommendation(ctx context.Context, userID string) (int, error) {
	now := s.clock()
	day := s.Day(now)
	var quota DailyQuota
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := DailyQuota{UserID: userID, Day: day, Total: 0, UpdatedAt: now.UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
			s.logError(opConsume, "quota_insert_failed", err, zap.String("user_id", userID))
			return svcerr.New(opConsume, "quota_insert_failed", err)
		}
		err := tx.Model(&DailyQuota{}).
			Where("user_id = ? AND day = ? AND total < ?", userID, day, DailyLimit).
			UpdateColumns(map[string]interface{}{
				"total":      gorm.Expr("total + ?", 1),
				"updated_at": now.UTC(),
			}).Error
		if err != nil {
			s.logError(opConsume, "quota_update_failed", err, zap.String("user_id", userID))
			return svcerr.New(opConsume, "quota_update_failed", err)
		}
		if err := tx.Where("user_id = ? AND day = ?", userID, day).Take(&quota).Error; err != nil {
			return svcerr.New(opConsume, "quota_reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return quota.Total, nil
}

func (s *Selector) selectWith(ctx context.Context, userID string, consumed int, now time.Time) ([]Recommendation, error) {
	remaining := DailyLimit - consumed
	if remaining <= 0 {
		return nil, nil
	}

	db := s.db.WithContext(ctx)
	foreignComments := db.Table("comments AS cm").
		Select("sub.user_exercise_id AS exercise_id, COUNT(*) AS comment_count").
		Joins("INNER JOIN submissions AS sub ON sub.id = cm.submission_id").
		Where("cm.user_id <> ?", userID).
		Group("sub.user_exercise_id")

	var picks []Recommendation
	err := db.Table("user_exercises AS ex").
		Select("ex.track AS track, ex.slug AS slug").
		Joins("INNER JOIN acls AS a ON a.user_id = ? AND a.track = ex.track AND a.slug = ex.slug", userID).
		Joins("LEFT JOIN (?) AS c ON c.exercise_id = ex.id", foreignComments).
		Where("ex.user_id <> ?", userID).
		Where("ex.archived = ?", false).
		Where("ex.slug <> ?", progress.HelloWorldSlug).
		Where("ex.last_iteration_at >= ?", now.UTC().Add(-RecencyWindow)).
		Where("c.exercise_id IS NULL").
		Order("COALESCE(c.comment_count, 0) ASC").
		Order("ex.iteration_count DESC").
		Order("ex.id ASC").
		Limit(remaining).
		Scan(&picks).Error
	if err != nil {
		s.logError(opSelect, "query_failed", err, zap.String("user_id", userID))
		return nil, svcerr.New(opSelect, "query_failed", err)
	}
	return picks, nil
}

func (s *Selector) onboarded(ctx context.Context, userID string) (bool, error) {
	user, err := s.users.Find(ctx, userID)
	if errors.Is(err, users.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.Onboarded(), nil
}

func (s *Selector) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("recommendation selector error", attrs...)
}
