package users

import (
	"regexp"
	"strings"
	"time"
)

const (
	// EventJoined is logged when a user record is first created from an identity.
	EventJoined = "joined"
	// EventOnboarded is logged when a user completes onboarding.
	EventOnboarded = "onboarded"
	// EventFetched is logged when a user first submits to an exercise.
	EventFetched = "fetched"
)

// User is a platform member who submits solutions and reviews others' work.
type User struct {
	ID          string     `gorm:"column:id;primaryKey;size:190;not null"`
	Key         string     `gorm:"column:api_key;size:64;not null;uniqueIndex"`
	ExternalID  *string    `gorm:"column:external_id;size:190;uniqueIndex"`
	Username    string     `gorm:"column:username;size:190;not null;default:'';index"`
	Email       string     `gorm:"column:email;size:320"`
	AvatarURL   string     `gorm:"column:avatar_url;size:512"`
	OnboardedAt *time.Time `gorm:"column:onboarded_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Onboarded reports whether the user finished onboarding.
func (u User) Onboarded() bool {
	return u.OnboardedAt != nil
}

// Pending reports whether the user is an invitation placeholder never linked to an identity.
func (u User) Pending() bool {
	return u.ExternalID == nil
}

// LifecycleEvent is one entry of a user's append-only onboarding log.
type LifecycleEvent struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_lifecycle_user_time,priority:1"`
	Key       string    `gorm:"column:event_key;size:64;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_lifecycle_user_time,priority:2"`
}

// TableName exposes the table backing lifecycle events.
func (LifecycleEvent) TableName() string {
	return "lifecycle_events"
}

// Identity is the profile handed over by the external identity provider on login.
type Identity struct {
	ExternalID string
	Username   string
	Email      string
	AvatarURL  string
}

var avatarQuery = regexp.MustCompile(`\?.+$`)

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func stripAvatarQuery(value string) string {
	return avatarQuery.ReplaceAllString(normalize(value), "")
}

func lowerAll(usernames []string) []string {
	seen := make(map[string]struct{}, len(usernames))
	lowered := make([]string, 0, len(usernames))
	for _, username := range usernames {
		key := strings.ToLower(normalize(username))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		lowered = append(lowered, key)
	}
	return lowered
}
