package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/svcerr"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the identity did not contain a usable external id.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("users: user not found")

	errMissingDatabase = errors.New("users: database connection required")
	errMissingEventKey = errors.New("users: event key required")
)

const (
	opFromIdentity       = "users.from_identity"
	opFind               = "users.find"
	opFindOrCreate       = "users.find_or_create_in_usernames"
	opResetKey           = "users.reset_key"
	opTrackEvent         = "users.track_event"
	opCompleteOnboarding = "users.complete_onboarding"
)

// ServiceConfig describes the dependencies required for user management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
}

// Service manages user records, identity linking and the onboarding log.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider ids.Provider
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
	}, nil
}

// FromIdentity creates or updates the user behind an identity-provider login.
// A pending invitation holding the same username is linked instead of creating a new user.
// Any other user already holding the username under a different identity loses it.
func (s *Service) FromIdentity(ctx context.Context, identity Identity) (User, error) {
	externalID := normalize(identity.ExternalID)
	if externalID == "" {
		return User{}, svcerr.New(opFromIdentity, "invalid_identity", ErrInvalidIdentity)
	}
	username := normalize(identity.Username)

	var linked User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		var user User
		err := tx.Where("external_id = ?", externalID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) && username != "" {
			err = tx.Where("LOWER(username) = ? AND external_id IS NULL", strings.ToLower(username)).
				Order("created_at ASC").
				Take(&user).Error
		}
		isNew := false
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fresh, buildErr := s.newUser(now)
			if buildErr != nil {
				return svcerr.New(opFromIdentity, "id_generation_failed", buildErr)
			}
			user = fresh
			isNew = true
		} else if err != nil {
			return svcerr.New(opFromIdentity, "user_lookup_failed", err)
		}

		user.ExternalID = &externalID
		user.Username = username
		if user.Email == "" {
			user.Email = normalize(identity.Email)
		}
		if user.AvatarURL == "" {
			user.AvatarURL = stripAvatarQuery(identity.AvatarURL)
		}
		user.UpdatedAt = now

		if isNew {
			err = tx.Create(&user).Error
		} else {
			err = tx.Save(&user).Error
		}
		if err != nil {
			return svcerr.New(opFromIdentity, "user_save_failed", err)
		}

		if username != "" {
			err = tx.Model(&User{}).
				Where("LOWER(username) = ? AND id <> ?", strings.ToLower(username), user.ID).
				Where("(external_id IS NULL OR external_id <> ?)", externalID).
				Update("username", "").Error
			if err != nil {
				return svcerr.New(opFromIdentity, "conflict_clear_failed", err)
			}
		}

		if isNew {
			event := LifecycleEvent{UserID: user.ID, Key: EventJoined, CreatedAt: now}
			if err := tx.Create(&event).Error; err != nil {
				return svcerr.New(opFromIdentity, "event_insert_failed", err)
			}
		}

		linked = user
		return nil
	})
	if txErr != nil {
		return User{}, txErr
	}
	return linked, nil
}

// Find loads a user by id.
func (s *Service) Find(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, svcerr.New(opFind, "not_found", ErrUserNotFound)
	}
	if err != nil {
		return User{}, svcerr.New(opFind, "query_failed", err)
	}
	return user, nil
}

// FindByUsername loads a user by username, ignoring case.
func (s *Service) FindByUsername(ctx context.Context, username string) (User, error) {
	key := strings.ToLower(normalize(username))
	if key == "" {
		return User{}, svcerr.New(opFind, "not_found", ErrUserNotFound)
	}
	var user User
	err := s.db.WithContext(ctx).Where("LOWER(username) = ?", key).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, svcerr.New(opFind, "not_found", ErrUserNotFound)
	}
	if err != nil {
		return User{}, svcerr.New(opFind, "query_failed", err)
	}
	return user, nil
}

// FindInUsernames returns the users holding any of the usernames, ignoring case.
func (s *Service) FindInUsernames(ctx context.Context, usernames []string) ([]User, error) {
	return findInUsernames(s.db.WithContext(ctx), usernames)
}

// FindOrCreateInUsernames returns users for every username, creating pending placeholders
// for the ones nobody holds yet.
func (s *Service) FindOrCreateInUsernames(ctx context.Context, usernames []string) ([]User, error) {
	var members []User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findInUsernames(tx, usernames)
		if err != nil {
			return err
		}
		taken := make(map[string]struct{}, len(existing))
		for _, user := range existing {
			taken[strings.ToLower(user.Username)] = struct{}{}
		}

		now := s.now().UTC()
		seen := make(map[string]struct{}, len(usernames))
		for _, raw := range usernames {
			username := normalize(raw)
			key := strings.ToLower(username)
			if key == "" {
				continue
			}
			if _, ok := taken[key]; ok {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			placeholder, err := s.newUser(now)
			if err != nil {
				return svcerr.New(opFindOrCreate, "id_generation_failed", err)
			}
			placeholder.Username = username
			if err := tx.Create(&placeholder).Error; err != nil {
				return svcerr.New(opFindOrCreate, "placeholder_insert_failed", err)
			}
		}

		members, err = findInUsernames(tx, usernames)
		return err
	})
	if txErr != nil {
		return nil, txErr
	}
	return members, nil
}

// ResetKey issues a fresh api key for the user.
func (s *Service) ResetKey(ctx context.Context, userID string) (string, error) {
	key, err := s.idProvider.NewID()
	if err != nil {
		return "", svcerr.New(opResetKey, "id_generation_failed", err)
	}
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{"api_key": key, "updated_at": s.now().UTC()})
	if result.Error != nil {
		return "", svcerr.New(opResetKey, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return "", svcerr.New(opResetKey, "not_found", ErrUserNotFound)
	}
	return key, nil
}

// TrackEventOnce appends key to the user's lifecycle log within tx unless the
// log already holds it.
func TrackEventOnce(tx *gorm.DB, userID, key string, at time.Time) error {
	key = normalize(key)
	if key == "" {
		return svcerr.New(opTrackEvent, "missing_key", errMissingEventKey)
	}
	var existing int64
	err := tx.Model(&LifecycleEvent{}).
		Where("user_id = ? AND event_key = ?", userID, key).
		Count(&existing).Error
	if err != nil {
		return svcerr.New(opTrackEvent, "query_failed", err)
	}
	if existing > 0 {
		return nil
	}
	event := LifecycleEvent{UserID: userID, Key: key, CreatedAt: at.UTC()}
	if err := tx.Create(&event).Error; err != nil {
		return svcerr.New(opTrackEvent, "insert_failed", err)
	}
	return nil
}

// Fetched reports whether the user has started working on an exercise.
func (s *Service) Fetched(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&LifecycleEvent{}).
		Where("user_id = ? AND event_key = ?", userID, EventFetched).
		Count(&count).Error
	if err != nil {
		return false, svcerr.New(opFind, "query_failed", err)
	}
	return count > 0, nil
}

// OnboardingSteps returns the user's lifecycle event keys, oldest first.
func (s *Service) OnboardingSteps(ctx context.Context, userID string) ([]string, error) {
	var steps []string
	err := s.db.WithContext(ctx).Model(&LifecycleEvent{}).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("id ASC").
		Pluck("event_key", &steps).Error
	if err != nil {
		return nil, svcerr.New(opFind, "query_failed", err)
	}
	return steps, nil
}

// CompleteOnboarding marks the user onboarded. Completing twice keeps the first timestamp.
func (s *Service) CompleteOnboarding(ctx context.Context, userID string) (User, error) {
	var user User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", userID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return svcerr.New(opCompleteOnboarding, "not_found", ErrUserNotFound)
		}
		if err != nil {
			return svcerr.New(opCompleteOnboarding, "query_failed", err)
		}
		if user.Onboarded() {
			return nil
		}
		now := s.now().UTC()
		user.OnboardedAt = &now
		user.UpdatedAt = now
		if err := tx.Save(&user).Error; err != nil {
			return svcerr.New(opCompleteOnboarding, "update_failed", err)
		}
		event := LifecycleEvent{UserID: user.ID, Key: EventOnboarded, CreatedAt: now}
		if err := tx.Create(&event).Error; err != nil {
			return svcerr.New(opCompleteOnboarding, "event_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return User{}, txErr
	}
	return user, nil
}

func (s *Service) newUser(now time.Time) (User, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return User{}, err
	}
	key, err := s.idProvider.NewID()
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Key: key, CreatedAt: now, UpdatedAt: now}, nil
}

func findInUsernames(db *gorm.DB, usernames []string) ([]User, error) {
	lowered := lowerAll(usernames)
	if len(lowered) == 0 {
		return nil, nil
	}
	var found []User
	if err := db.Where("LOWER(username) IN ?", lowered).Order("username ASC").Find(&found).Error; err != nil {
		return nil, svcerr.New(opFind, "query_failed", err)
	}
	return found, nil
}
