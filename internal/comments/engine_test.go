package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/entitlements"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/markdown"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/testdb"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"gorm.io/gorm"
)

var engineNow = time.Date(2026, 9, 9, 10, 0, 0, 0, time.UTC)

type recordingSanitizer struct {
	mu     sync.Mutex
	inputs []string
	inner  Sanitizer
}

func (s *recordingSanitizer) Sanitize(raw string) string {
	s.mu.Lock()
	s.inputs = append(s.inputs, raw)
	s.mu.Unlock()
	return s.inner.Sanitize(raw)
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (n *recordingNotifier) Notify(notification Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
}

type fixture struct {
	engine      *Engine
	db          *gorm.DB
	users       *users.Service
	submissions *submissions.Service
	ledger      *progress.Ledger
	sanitizer   *recordingSanitizer
	notifier    *recordingNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testdb.Open(t,
		&users.User{}, &users.LifecycleEvent{},
		&progress.Exercise{}, &submissions.Submission{},
		&Comment{}, &Mention{},
		&entitlements.ACL{},
	)
	clock := testdb.FixedClock(engineNow)
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create users: %v", err)
	}
	ledger, err := progress.NewLedger(progress.LedgerConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create ledger: %v", err)
	}
	submissionService, err := submissions.NewService(submissions.ServiceConfig{Database: db, Ledger: ledger, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create submissions: %v", err)
	}
	sanitizer := &recordingSanitizer{inner: markdown.NewRenderer()}
	notifier := &recordingNotifier{}
	engine, err := NewEngine(EngineConfig{
		Database:  db,
		Sanitizer: sanitizer,
		Users:     userService,
		Ledger:    ledger,
		Notifier:  notifier,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return fixture{
		engine:      engine,
		db:          db,
		users:       userService,
		submissions: submissionService,
		ledger:      ledger,
		sanitizer:   sanitizer,
		notifier:    notifier,
	}
}

func (f fixture) user(t *testing.T, username string) users.User {
	t.Helper()
	user, err := f.users.FromIdentity(context.Background(), users.Identity{ExternalID: "ext-" + username, Username: username})
	if err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	return user
}

func (f fixture) submission(t *testing.T, owner users.User) submissions.Submission {
	t.Helper()
	submission, err := f.submissions.Submit(context.Background(), owner.ID, "ruby", "one", "def one; 1; end")
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	return submission
}

func (f fixture) nitCount(t *testing.T, submissionID string) int {
	t.Helper()
	reloaded, err := f.submissions.Find(context.Background(), submissionID)
	if err != nil {
		t.Fatalf("failed to reload submission: %v", err)
	}
	return reloaded.NitCount
}

func TestCreateCommentSavesNitAndIncrementsCount(t *testing.T) {
	f := newFixture(t)
	bob := f.user(t, "bob")
	alice := f.user(t, "alice")
	submission := f.submission(t, bob)

	result, err := f.engine.CreateComment(context.Background(), submission.ID, alice, "Too many variables")
	if err != nil {
		t.Fatalf("create comment failed: %v", err)
	}
	if !result.Valid || result.Comment.ID == "" {
		t.Fatalf("expected a persisted comment, got %+v", result)
	}

	stored, err := f.engine.ListComments(context.Background(), submission.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(stored) != 1 || stored[0].Body != "Too many variables" {
		t.Fatalf("unexpected stored comments: %+v", stored)
	}
	if stored[0].HTMLBody != "<p>Too many variables</p>" {
		t.Fatalf("unexpected html body %q", stored[0].HTMLBody)
	}
	if got := f.nitCount(t, submission.ID); got != 1 {
		t.Fatalf("expected nit count 1, got %d", got)
	}
	reloaded, _ := f.submissions.Find(context.Background(), submission.ID)
	if reloaded.Liked {
		t.Fatalf("commenting must not like the submission")
	}

	notifications := f.notifier.notifications
	if len(notifications) != 1 || notifications[0].Kind != NotificationNit || notifications[0].RecipientID != bob.ID {
		t.Fatalf("expected one nit notification for the owner, got %+v", notifications)
	}
}

func TestOwnCommentDoesNotIncrementNitCount(t *testing.T) {
	f := newFixture(t)
	bob := f.user(t, "bob")
	submission := f.submission(t, bob)

	result, err := f.engine.CreateComment(context.Background(), submission.ID, bob, "it was complicated")
	if err != nil {
		t.Fatalf("create comment failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid self comment")
	}
	if got := f.nitCount(t, submission.ID); got != 0 {
		t.Fatalf("expected nit count 0, got %d", got)
	}
	if len(f.notifier.notifications) != 0 {
		t.Fatalf("self comments notify nobody, got %+v", f.notifier.notifications)
	}
}

func TestEmptyCommentIsInvalidAndNotStored(t *testing.T) {
	f := newFixture(t)
	bob := f.user(t, "bob")
	alice := f.user(t, "alice")
	submission := f.submission(t, bob)

	for _, body := range []string{"", "   ", "<script>bad();</script>"} {
		result, err := f.engine.CreateComment(context.Background(), submission.ID, alice, body)
		if err != nil {
			t.Fatalf("invalid body %q must not be an error: %v", body, err)
		}
		if result.Valid {
			t.Fatalf("expected invalid result for %q", body)
		}
		if result.Comment.ID != "" || result.Comment.UserID != alice.ID || result.Comment.Body != body {
			t.Fatalf("expected the unsaved comment to be returned, got %+v", result.Comment)
		}
	}

	stored, _ := f.engine.ListComments(context.Background(), submission.ID)
	if len(stored) != 0 {
		t.Fatalf("expected no stored comments, got %d", len(stored))
	}
	if got := f.nitCount(t, submission.ID); got != 0 {
		t.Fatalf("invalid comments must not count, got %d", got)
	}
}

func TestCreateCommentUnknownSubmission(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")

	_, err := f.engine.CreateComment(context.Background(), "missing", alice, "hello")
	if !errors.Is(err, submissions.ErrSubmissionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommentingArchivedExerciseDoesNotReactivateIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.user(t, "bob")
	alice := f.user(t, "alice")
	submission := f.submission(t, bob)

	if err := f.ledger.Archive(ctx, bob.ID, "ruby", "one"); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	for _, author := range []users.User{alice, bob} {
		if _, err := f.engine.CreateComment(ctx, submission.ID, author, "a comment"); err != nil {
			t.Fatalf("create comment failed: %v", err)
		}
	}

	exercise, err := f.ledger.Find(ctx, bob.ID, "ruby", "one")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if !exercise.Archived {
		t.Fatalf("expected exercise to stay archived")
	}
}

func TestCreateCommentResolvesMentions(t *testing.T) {
	testCases := []struct {
		name         string
		body         string
		wantMentions int
	}{
		{name: "plain", body: "Mention @bob", wantMentions: 1},
		{name: "code-span", body: "`@bob`", wantMentions: 0},
		{name: "fenced-block", body: "```\n@bob\n```", wantMentions: 0},
		{name: "unknown-user", body: "Mention @nobody", wantMentions: 0},
		{name: "duplicate", body: "@bob and @BOB again", wantMentions: 1},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			bob := f.user(t, "bob")
			alice := f.user(t, "alice")
			submission := f.submission(t, bob)

			result, err := f.engine.CreateComment(ctx, submission.ID, alice, testCase.body)
			if err != nil {
				t.Fatalf("create comment failed: %v", err)
			}
			if !result.Valid {
				t.Fatalf("expected a valid comment")
			}
			if len(result.Mentions) != testCase.wantMentions {
				t.Fatalf("expected %d mentions, got %+v", testCase.wantMentions, result.Mentions)
			}

			stored, err := f.engine.Mentions(ctx, result.Comment.ID)
			if err != nil {
				t.Fatalf("mentions failed: %v", err)
			}
			if len(stored) != testCase.wantMentions {
				t.Fatalf("expected %d stored mentions, got %d", testCase.wantMentions, len(stored))
			}
			if testCase.wantMentions == 1 && stored[0].ID != bob.ID {
				t.Fatalf("expected bob to be mentioned, got %+v", stored[0])
			}
		})
	}
}

func TestSanitizerReceivesRawBody(t *testing.T) {
	f := newFixture(t)
	bob := f.user(t, "bob")
	alice := f.user(t, "alice")
	submission := f.submission(t, bob)

	content := "<script type=\"text/javascript\">bad();</script>good"
	if _, err := f.engine.CreateComment(context.Background(), submission.ID, alice, content); err != nil {
		t.Fatalf("create comment failed: %v", err)
	}
	if len(f.sanitizer.inputs) != 1 || f.sanitizer.inputs[0] != content {
		t.Fatalf("expected sanitizer to see the exact raw body, got %q", f.sanitizer.inputs)
	}
}

func TestMentionNotificationsSkipAuthor(t *testing.T) {
	f := newFixture(t)
	bob := f.user(t, "bob")
	alice := f.user(t, "alice")
	carol := f.user(t, "carol")
	submission := f.submission(t, bob)

	if _, err := f.engine.CreateComment(context.Background(), submission.ID, alice, "@carol @alice have a look"); err != nil {
		t.Fatalf("create comment failed: %v", err)
	}
	var mentions []string
	for _, notification := range f.notifier.notifications {
		if notification.Kind == NotificationMention {
			mentions = append(mentions, notification.RecipientID)
		}
	}
	if len(mentions) != 1 || mentions[0] != carol.ID {
		t.Fatalf("expected only carol to get a mention notification, got %v", mentions)
	}
}

func TestNitCountMatchesForeignCommentsUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner")
	submission := f.submission(t, owner)

	reviewers := make([]users.User, 0, 8)
	for i := 0; i < 8; i++ {
		reviewers = append(reviewers, f.user(t, fmt.Sprintf("reviewer%d", i)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(reviewers)*2)
	for _, reviewer := range reviewers {
		wg.Add(2)
		go func(author users.User) {
			defer wg.Done()
			_, err := f.engine.CreateComment(ctx, submission.ID, author, "nit from "+author.Username)
			errs <- err
		}(reviewer)
		go func() {
			defer wg.Done()
			_, err := f.engine.CreateComment(ctx, submission.ID, owner, "thanks")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent comment failed: %v", err)
		}
	}

	var foreign int64
	if err := f.db.Model(&Comment{}).
		Where("submission_id = ? AND user_id <> ?", submission.ID, owner.ID).
		Count(&foreign).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if got := f.nitCount(t, submission.ID); int64(got) != foreign || got != len(reviewers) {
		t.Fatalf("nit count %d does not match %d foreign comments", got, foreign)
	}
	stored, _ := f.engine.ListComments(ctx, submission.ID)
	if len(stored) != 2*len(reviewers) {
		t.Fatalf("expected %d comments, got %d", 2*len(reviewers), len(stored))
	}
	for _, comment := range stored {
		if strings.TrimSpace(comment.HTMLBody) == "" {
			t.Fatalf("stored comment without html body: %+v", comment)
		}
	}
}

type deletingSanitizer struct {
	db           *gorm.DB
	submissionID string
	inner        Sanitizer
}

func (s *deletingSanitizer) Sanitize(raw string) string {
	s.db.Where("id = ?", s.submissionID).Delete(&submissions.Submission{})
	return s.inner.Sanitize(raw)
}

func TestCreateCommentRechecksSubmissionInsideTransaction(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner")
	reviewer := f.user(t, "reviewer")
	submission := f.submission(t, owner)

	engine, err := NewEngine(EngineConfig{
		Database:  f.db,
		Sanitizer: &deletingSanitizer{db: f.db, submissionID: submission.ID, inner: markdown.NewRenderer()},
		Users:     f.users,
		Ledger:    f.ledger,
		Notifier:  f.notifier,
		Clock:     testdb.FixedClock(engineNow),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	_, err = engine.CreateComment(context.Background(), submission.ID, reviewer, "Nice @owner")
	if !errors.Is(err, submissions.ErrSubmissionNotFound) {
		t.Fatalf("expected submission not found, got %v", err)
	}
	var stored int64
	if err := f.db.Model(&Comment{}).Count(&stored).Error; err != nil {
		t.Fatalf("failed to count comments: %v", err)
	}
	if stored != 0 {
		t.Fatalf("expected no comments, got %d", stored)
	}
	if len(f.notifier.notifications) != 0 {
		t.Fatalf("expected no notifications, got %v", f.notifier.notifications)
	}
}
