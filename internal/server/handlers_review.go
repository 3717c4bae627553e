package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type submitRequestPayload struct {
	Track string `json:"track"`
	Slug  string `json:"slug"`
	Code  string `json:"code"`
}

type submissionPayload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Track     string    `json:"track"`
	Slug      string    `json:"slug"`
	NitCount  int       `json:"nit_count"`
	Liked     bool      `json:"liked"`
	CreatedAt time.Time `json:"created_at"`
}

type commentRequestPayload struct {
	Body string `json:"body"`
}

type commentPayload struct {
	ID           string    `json:"id,omitempty"`
	SubmissionID string    `json:"submission_id"`
	UserID       string    `json:"user_id"`
	Body         string    `json:"body"`
	HTMLBody     string    `json:"html_body"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	Mentions     []string  `json:"mentions,omitempty"`
}

type likeRequestPayload struct {
	Liked *bool `json:"liked"`
}

type submissionHistoryPayload struct {
	Track       string              `json:"track"`
	Slug        string              `json:"slug"`
	Submissions []submissionPayload `json:"submissions"`
}

type createCommentResponsePayload struct {
	Comment  commentPayload `json:"comment"`
	Mentions []string       `json:"mentions"`
}

type listCommentsResponsePayload struct {
	Submission submissionPayload `json:"submission"`
	Comments   []commentPayload  `json:"comments"`
}

func toSubmissionPayload(submission submissions.Submission) submissionPayload {
	return submissionPayload{
		ID:        submission.ID,
		UserID:    submission.UserID,
		Track:     submission.Track,
		Slug:      submission.Slug,
		NitCount:  submission.NitCount,
		Liked:     submission.Liked,
		CreatedAt: submission.CreatedAt,
	}
}

func toCommentPayload(comment comments.Comment) commentPayload {
	return commentPayload{
		ID:           comment.ID,
		SubmissionID: comment.SubmissionID,
		UserID:       comment.UserID,
		Body:         comment.Body,
		HTMLBody:     comment.HTMLBody,
		CreatedAt:    comment.CreatedAt,
	}
}

func mentionedUsernames(mentioned []users.User) []string {
	names := make([]string, 0, len(mentioned))
	for _, user := range mentioned {
		names = append(names, user.Username)
	}
	return names
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Track) == "" || strings.TrimSpace(request.Slug) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	submission, err := h.submissions.Submit(c.Request.Context(), user.ID, request.Track, request.Slug, request.Code)
	if err != nil {
		h.writeServiceError(c, "submit_failed", err)
		return
	}

	c.JSON(http.StatusCreated, toSubmissionPayload(submission))
}

func (h *httpHandler) handleUnsubmit(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	removed, err := h.retraction.Unsubmit(c.Request.Context(), user.ID)
	if err != nil {
		h.writeServiceError(c, "unsubmit_failed", err)
		return
	}
	c.JSON(http.StatusOK, toSubmissionPayload(removed))
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	submission, err := h.submissions.Find(ctx, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, "comment_failed", err)
		return
	}
	if !h.canReview(c, user, submission) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	result, err := h.comments.CreateComment(ctx, submission.ID, user, request.Body)
	if err != nil {
		h.writeServiceError(c, "comment_failed", err)
		return
	}
	response := createCommentResponsePayload{
		Comment:  toCommentPayload(result.Comment),
		Mentions: mentionedUsernames(result.Mentions),
	}
	if !result.Valid {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_comment", "comment": response.Comment})
		return
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	submission, err := h.submissions.Find(ctx, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, "list_comments_failed", err)
		return
	}
	if !h.canReview(c, user, submission) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	found, err := h.comments.ListComments(ctx, submission.ID)
	if err != nil {
		h.writeServiceError(c, "list_comments_failed", err)
		return
	}
	if submission.UserID != user.ID {
		if err := h.ledger.RecordView(ctx, user.ID, submission.UserExerciseID); err != nil {
			h.logger.Warn("failed to record view", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	response := listCommentsResponsePayload{
		Submission: toSubmissionPayload(submission),
		Comments:   make([]commentPayload, 0, len(found)),
	}
	for _, comment := range found {
		payload := toCommentPayload(comment)
		mentioned, err := h.comments.Mentions(ctx, comment.ID)
		if err != nil {
			h.writeServiceError(c, "list_comments_failed", err)
			return
		}
		if len(mentioned) > 0 {
			payload.Mentions = mentionedUsernames(mentioned)
		}
		response.Comments = append(response.Comments, payload)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLatestSubmission(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	latest, err := h.submissions.Latest(c.Request.Context(), user.ID)
	if err != nil {
		h.writeServiceError(c, "latest_submission_failed", err)
		return
	}
	c.JSON(http.StatusOK, toSubmissionPayload(latest))
}

func (h *httpHandler) handleSubmissionHistory(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	track, slug := c.Param("track"), c.Param("slug")
	history, err := h.submissions.On(c.Request.Context(), user.ID, track, slug)
	if err != nil {
		h.writeServiceError(c, "submission_history_failed", err)
		return
	}
	response := submissionHistoryPayload{Track: track, Slug: slug, Submissions: make([]submissionPayload, 0, len(history))}
	for _, submission := range history {
		response.Submissions = append(response.Submissions, toSubmissionPayload(submission))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLike(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request likeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Liked == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	submission, err := h.submissions.Find(ctx, c.Param("id"))
	if err != nil {
		h.writeServiceError(c, "like_failed", err)
		return
	}
	if submission.UserID == user.ID || !h.canReview(c, user, submission) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err := h.submissions.Like(ctx, submission.ID, *request.Liked); err != nil {
		h.writeServiceError(c, "like_failed", err)
		return
	}
	submission.Liked = *request.Liked
	c.JSON(http.StatusOK, toSubmissionPayload(submission))
}

// canReview lets owners see their own work and everyone else only exercises they are entitled to.
func (h *httpHandler) canReview(c *gin.Context, user users.User, submission submissions.Submission) bool {
	if submission.UserID == user.ID {
		return true
	}
	allowed, err := h.entitlements.CanAccess(c.Request.Context(), user.ID, submission.Track, submission.Slug)
	if err != nil {
		h.logger.Error("entitlement check failed", zap.String("user_id", user.ID), zap.Error(err))
		return false
	}
	return allowed
}
