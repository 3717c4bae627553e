// Package submissions stores learners' submitted solutions.
package submissions

import "time"

// Submission is one solution a user submitted for a (track, slug) exercise.
// NitCount caches the number of comments left by users other than the owner.
type Submission struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID         string    `gorm:"column:user_id;size:190;not null;index:idx_submissions_user_time,priority:1"`
	UserExerciseID string    `gorm:"column:user_exercise_id;size:190;not null;index"`
	Track          string    `gorm:"column:track;size:64;not null"`
	Slug           string    `gorm:"column:slug;size:190;not null"`
	Code           string    `gorm:"column:code;type:text;not null"`
	NitCount       int       `gorm:"column:nit_count;not null;default:0"`
	Liked          bool      `gorm:"column:liked;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_submissions_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Submission) TableName() string {
	return "submissions"
}

// Age reports how long ago the submission was created.
func (s Submission) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
