// Package recommendations picks other learners' work for a user to review each day.
package recommendations

import "time"

const (
	// DailyLimit caps how many recommendations a user can consume per calendar day.
	DailyLimit = 5
	// RecencyWindow bounds how long ago a candidate must have last been iterated on.
	RecencyWindow = 30 * 24 * time.Hour

	dayLayout = "2006-01-02"
)

// DailyQuota counts the recommendations a user consumed on one calendar day.
// Rows are created lazily and only ever incremented.
type DailyQuota struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Day       string    `gorm:"column:day;primaryKey;size:10;not null"`
	Total     int       `gorm:"column:total;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DailyQuota) TableName() string {
	return "daily_review_quotas"
}

// Recommendation identifies an exercise to review.
type Recommendation struct {
	Track string `json:"track"`
	Slug  string `json:"slug"`
}
