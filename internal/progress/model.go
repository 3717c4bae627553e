// Package progress keeps the per-user, per-exercise progress ledger.
package progress

import "time"

// HelloWorldSlug names the onboarding exercise that never counts toward review work.
const HelloWorldSlug = "hello-world"

// Exercise is the progress record for one (user, track, slug).
// Archived is only written by Archive and Unarchive.
type Exercise struct {
	ID              string     `gorm:"column:id;primaryKey;size:190;not null"`
	UserID          string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_user_exercises_key,priority:1"`
	Track           string     `gorm:"column:track;size:64;not null;uniqueIndex:idx_user_exercises_key,priority:2;index:idx_user_exercises_problem,priority:1"`
	Slug            string     `gorm:"column:slug;size:190;not null;uniqueIndex:idx_user_exercises_key,priority:3;index:idx_user_exercises_problem,priority:2"`
	IterationCount  int        `gorm:"column:iteration_count;not null;default:0"`
	Archived        bool       `gorm:"column:archived;not null;default:false"`
	LastIterationAt *time.Time `gorm:"column:last_iteration_at"`
	LastActivityAt  *time.Time `gorm:"column:last_activity_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Exercise) TableName() string {
	return "user_exercises"
}

// View remembers when a user last looked at someone's exercise.
type View struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_views_user_exercise,priority:1"`
	ExerciseID   string    `gorm:"column:exercise_id;size:190;not null;uniqueIndex:idx_views_user_exercise,priority:2"`
	LastViewedAt time.Time `gorm:"column:last_viewed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (View) TableName() string {
	return "views"
}

// TrackStat summarises reviewable and already-seen work in a track or problem.
type TrackStat struct {
	Total  int
	Viewed int
}

// Unviewed is the reviewable work the user has not looked at since its last activity.
func (s TrackStat) Unviewed() int {
	if s.Viewed >= s.Total {
		return 0
	}
	return s.Total - s.Viewed
}
