package submissions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/entitlements"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/testdb"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"gorm.io/gorm"
)

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	value := c.current
	c.current = c.current.Add(time.Second)
	return value
}

func newTestService(t *testing.T) (*Service, *progress.Ledger, *gorm.DB) {
	t.Helper()
	db := testdb.Open(t, &Submission{}, &progress.Exercise{}, &entitlements.ACL{}, &users.LifecycleEvent{})
	clock := &steppingClock{current: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
	ledger, err := progress.NewLedger(progress.LedgerConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Ledger:     ledger,
		Clock:      clock.Now,
		IDProvider: ids.NewSequence("sub-1", "sub-2", "sub-3"),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, ledger, db
}

func TestSubmitFeedsProgressLedger(t *testing.T) {
	service, ledger, _ := newTestService(t)
	ctx := context.Background()

	first, err := service.Submit(ctx, "user-1", "ruby", "bob", "puts 'hi'")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	second, err := service.Submit(ctx, "user-1", "ruby", "bob", "puts 'hello'")
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if first.UserExerciseID == "" || first.UserExerciseID != second.UserExerciseID {
		t.Fatalf("expected both iterations on the same progress record")
	}

	exercise, err := ledger.Find(ctx, "user-1", "ruby", "bob")
	if err != nil {
		t.Fatalf("find exercise failed: %v", err)
	}
	if exercise.IterationCount != 2 {
		t.Fatalf("expected two iterations, got %d", exercise.IterationCount)
	}

	latest, err := service.Latest(ctx, "user-1")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("expected latest to be %s, got %s", second.ID, latest.ID)
	}

	history, err := service.On(ctx, "user-1", "ruby", "bob")
	if err != nil {
		t.Fatalf("on failed: %v", err)
	}
	if len(history) != 2 || history[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", history)
	}
}

func TestSubmitRejectsBlankCode(t *testing.T) {
	service, _, db := newTestService(t)
	_, err := service.Submit(context.Background(), "user-1", "ruby", "bob", "  \n")
	if !errors.Is(err, ErrEmptyCode) {
		t.Fatalf("expected empty code error, got %v", err)
	}
	var count int64
	db.Model(&progress.Exercise{}).Count(&count)
	if count != 0 {
		t.Fatalf("rejected submissions must not touch the ledger")
	}
}

func TestFindAndLikeReportMissingSubmission(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Find(ctx, "missing"); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.Latest(ctx, "nobody"); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := service.Like(ctx, "missing", true); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	submission, err := service.Submit(ctx, "user-1", "go", "leap", "package leap")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if submission.Liked {
		t.Fatalf("new submissions are not liked")
	}
	if err := service.Like(ctx, submission.ID, true); err != nil {
		t.Fatalf("like failed: %v", err)
	}
	reloaded, _ := service.Find(ctx, submission.ID)
	if !reloaded.Liked {
		t.Fatalf("expected liked submission")
	}
	count, _ := service.Count(ctx, "user-1")
	if count != 1 {
		t.Fatalf("expected one submission, got %d", count)
	}
}

func TestSubmitGrantsReviewAccessAndTracksFetchedOnce(t *testing.T) {
	service, _, db := newTestService(t)
	ctx := context.Background()

	for _, code := range []string{"puts 1", "puts 2"} {
		if _, err := service.Submit(ctx, "user-1", "ruby", "bob", code); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	var grants int64
	if err := db.Model(&entitlements.ACL{}).Where("user_id = ? AND track = ? AND slug = ?", "user-1", "ruby", "bob").Count(&grants).Error; err != nil {
		t.Fatalf("failed to count grants: %v", err)
	}
	if grants != 1 {
		t.Fatalf("expected one entitlement, got %d", grants)
	}
	var events int64
	if err := db.Model(&users.LifecycleEvent{}).Where("user_id = ? AND event_key = ?", "user-1", users.EventFetched).Count(&events).Error; err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected one fetched event, got %d", events)
	}

	count, err := service.Count(ctx, "user-1")
	if err != nil || count != 2 {
		t.Fatalf("expected two submissions, got %d (%v)", count, err)
	}
}

func TestSubmitRollsBackWhenGrantFails(t *testing.T) {
	db := testdb.Open(t, &Submission{}, &progress.Exercise{}, &users.LifecycleEvent{})
	ledger, err := progress.NewLedger(progress.LedgerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Ledger: ledger})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if _, err := service.Submit(context.Background(), "user-1", "ruby", "bob", "puts 1"); err == nil {
		t.Fatalf("expected submit to fail without an entitlements table")
	}
	var stored, exercises int64
	db.Model(&Submission{}).Count(&stored)
	db.Model(&progress.Exercise{}).Count(&exercises)
	if stored != 0 || exercises != 0 {
		t.Fatalf("expected nothing persisted, got %d submissions and %d exercises", stored, exercises)
	}
}
