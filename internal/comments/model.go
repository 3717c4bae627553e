// Package comments attaches review comments ("nits") to submissions.
package comments

import (
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
)

// Comment is a review left on a submission.
type Comment struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	SubmissionID string    `gorm:"column:submission_id;size:190;not null;index:idx_comments_submission_time,priority:1"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index"`
	Body         string    `gorm:"column:body;type:text;not null"`
	HTMLBody     string    `gorm:"column:html_body;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index:idx_comments_submission_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Mention links a comment to a user it mentions.
type Mention struct {
	CommentID string `gorm:"column:comment_id;primaryKey;size:190;not null"`
	UserID    string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Mention) TableName() string {
	return "comment_mentions"
}

// Result is the outcome of CreateComment. An invalid result carries the unsaved comment.
type Result struct {
	Comment  Comment
	Mentions []users.User
	Valid    bool
}

const (
	// NotificationNit tells a submission owner that someone reviewed their work.
	NotificationNit = "nit"
	// NotificationMention tells a user they were mentioned in a comment.
	NotificationMention = "mention"
)

// Notification describes review activity a user should hear about.
type Notification struct {
	Kind         string
	RecipientID  string
	AuthorID     string
	SubmissionID string
	CommentID    string
	CreatedAt    time.Time
}
