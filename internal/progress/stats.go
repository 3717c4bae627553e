package progress

import (
	"context"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/svcerr"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const opStats = "progress.stats"

type countRow struct {
	GroupKey string
	Total    int
}

// ExerciseCountsPerTrack counts reviewable exercises per track among those the user is entitled to.
func (l *Ledger) ExerciseCountsPerTrack(ctx context.Context, userID string) (map[string]int, error) {
	query := l.reviewableExercises(ctx, userID).
		Select("ex.track AS group_key, COUNT(ex.id) AS total").
		Group("ex.track")
	return collectCounts(query)
}

// ProblemCountsInTrack counts reviewable exercises per slug within one track.
func (l *Ledger) ProblemCountsInTrack(ctx context.Context, userID, track string) (map[string]int, error) {
	query := l.reviewableExercises(ctx, userID).
		Where("ex.track = ?", track).
		Select("ex.slug AS group_key, COUNT(ex.id) AS total").
		Group("ex.slug")
	return collectCounts(query)
}

// ViewedCountsPerTrack counts exercises the user viewed after their last activity, per track.
func (l *Ledger) ViewedCountsPerTrack(ctx context.Context, userID string) (map[string]int, error) {
	query := l.viewedExercises(ctx, userID).
		Select("ex.track AS group_key, COUNT(views.id) AS total").
		Group("ex.track")
	return collectCounts(query)
}

// ViewedCountsInTrack counts exercises the user viewed after their last activity, per slug.
func (l *Ledger) ViewedCountsInTrack(ctx context.Context, userID, track string) (map[string]int, error) {
	query := l.viewedExercises(ctx, userID).
		Where("ex.track = ?", track).
		Select("ex.slug AS group_key, COUNT(views.id) AS total").
		Group("ex.slug")
	return collectCounts(query)
}

// TrackStats combines reviewable and viewed counts per track.
func (l *Ledger) TrackStats(ctx context.Context, userID string) (map[string]TrackStat, error) {
	return l.combine(ctx,
		func(ctx context.Context) (map[string]int, error) { return l.ExerciseCountsPerTrack(ctx, userID) },
		func(ctx context.Context) (map[string]int, error) { return l.ViewedCountsPerTrack(ctx, userID) },
	)
}

// ProblemStats combines reviewable and viewed counts per slug within a track.
func (l *Ledger) ProblemStats(ctx context.Context, userID, track string) (map[string]TrackStat, error) {
	return l.combine(ctx,
		func(ctx context.Context) (map[string]int, error) { return l.ProblemCountsInTrack(ctx, userID, track) },
		func(ctx context.Context) (map[string]int, error) { return l.ViewedCountsInTrack(ctx, userID, track) },
	)
}

func (l *Ledger) combine(ctx context.Context, totals, viewed func(context.Context) (map[string]int, error)) (map[string]TrackStat, error) {
	var totalCounts, viewedCounts map[string]int
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		counts, err := totals(groupCtx)
		totalCounts = counts
		return err
	})
	group.Go(func() error {
		counts, err := viewed(groupCtx)
		viewedCounts = counts
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	stats := make(map[string]TrackStat, len(totalCounts))
	for key, total := range totalCounts {
		stats[key] = TrackStat{Total: total, Viewed: viewedCounts[key]}
	}
	return stats, nil
}

func (l *Ledger) reviewableExercises(ctx context.Context, userID string) *gorm.DB {
	return l.db.WithContext(ctx).
		Table("user_exercises AS ex").
		Joins("INNER JOIN acls ON acls.track = ex.track AND acls.slug = ex.slug").
		Where("acls.user_id = ?", userID).
		Where("ex.archived = ?", false).
		Where("ex.slug <> ?", HelloWorldSlug).
		Where("ex.iteration_count > 0")
}

func (l *Ledger) viewedExercises(ctx context.Context, userID string) *gorm.DB {
	return l.db.WithContext(ctx).
		Table("views").
		Joins("INNER JOIN user_exercises AS ex ON ex.id = views.exercise_id").
		Where("views.user_id = ?", userID).
		Where("views.last_viewed_at > ex.last_activity_at").
		Where("ex.archived = ?", false).
		Where("ex.slug <> ?", HelloWorldSlug).
		Where("ex.iteration_count > 0")
}

func collectCounts(query *gorm.DB) (map[string]int, error) {
	var rows []countRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, svcerr.New(opStats, "query_failed", err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.GroupKey] = row.Total
	}
	return counts, nil
}
