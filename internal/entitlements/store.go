// Package entitlements records which exercises a user may see and review.
package entitlements

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/svcerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGrant     = "entitlements.grant"
	opRevoke    = "entitlements.revoke"
	opCanAccess = "entitlements.can_access"
	opTracks    = "entitlements.tracks"
)

var (
	errMissingDatabase = errors.New("entitlements: database connection required")
	// ErrInvalidEntitlement indicates an empty user, track or slug.
	ErrInvalidEntitlement = errors.New("entitlements: user, track and slug are required")
)

// ACL grants a user visibility of one (track, slug) exercise.
type ACL struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_acls_user_exercise,priority:1"`
	Track     string    `gorm:"column:track;size:64;not null;uniqueIndex:idx_acls_user_exercise,priority:2;index:idx_acls_exercise,priority:1"`
	Slug      string    `gorm:"column:slug;size:190;not null;uniqueIndex:idx_acls_user_exercise,priority:3;index:idx_acls_exercise,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ACL) TableName() string {
	return "acls"
}

// Store reads and writes entitlements.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs the entitlement store.
func NewStore(db *gorm.DB, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

// Grant records the entitlement; granting twice is a no-op.
func (s *Store) Grant(ctx context.Context, userID, track, slug string) error {
	return GrantIn(s.db.WithContext(ctx), userID, track, slug, s.clock())
}

// GrantIn records the entitlement within tx. Granting twice is a no-op.
func GrantIn(tx *gorm.DB, userID, track, slug string, at time.Time) error {
	acl := ACL{
		UserID:    strings.TrimSpace(userID),
		Track:     strings.TrimSpace(track),
		Slug:      strings.TrimSpace(slug),
		CreatedAt: at.UTC(),
	}
	if acl.UserID == "" || acl.Track == "" || acl.Slug == "" {
		return svcerr.New(opGrant, "invalid_entitlement", ErrInvalidEntitlement)
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "track"}, {Name: "slug"}},
		DoNothing: true,
	}).Create(&acl).Error
	if err != nil {
		return svcerr.New(opGrant, "insert_failed", err)
	}
	return nil
}

// Revoke removes the entitlement if present.
func (s *Store) Revoke(ctx context.Context, userID, track, slug string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND track = ? AND slug = ?", userID, track, slug).
		Delete(&ACL{}).Error
	if err != nil {
		return svcerr.New(opRevoke, "delete_failed", err)
	}
	return nil
}

// CanAccess reports whether the user may see the exercise.
func (s *Store) CanAccess(ctx context.Context, userID, track, slug string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ACL{}).
		Where("user_id = ? AND track = ? AND slug = ?", userID, track, slug).
		Count(&count).Error
	if err != nil {
		return false, svcerr.New(opCanAccess, "query_failed", err)
	}
	return count > 0, nil
}

// SeesExercises reports whether the user holds any entitlement at all.
func (s *Store) SeesExercises(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ACL{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return false, svcerr.New(opCanAccess, "query_failed", err)
	}
	return count > 0, nil
}

// Tracks lists the distinct tracks the user is entitled to, alphabetically.
func (s *Store) Tracks(ctx context.Context, userID string) ([]string, error) {
	var tracks []string
	err := s.db.WithContext(ctx).Model(&ACL{}).
		Where("user_id = ?", userID).
		Distinct("track").
		Order("track ASC").
		Pluck("track", &tracks).Error
	if err != nil {
		return nil, svcerr.New(opTracks, "query_failed", err)
	}
	return tracks, nil
}

// DefaultTrack returns the alphabetically first entitled track, or "" when there is none.
func (s *Store) DefaultTrack(ctx context.Context, userID string) (string, error) {
	tracks, err := s.Tracks(ctx, userID)
	if err != nil || len(tracks) == 0 {
		return "", err
	}
	return tracks[0], nil
}
