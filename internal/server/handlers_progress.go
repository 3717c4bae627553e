package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/recommendations"
	"github.com/gin-gonic/gin"
)

type recommendationsResponsePayload struct {
	Recommendations []recommendations.Recommendation `json:"recommendations"`
	ConsumedToday   int                              `json:"consumed_today"`
	DailyLimit      int                              `json:"daily_limit"`
	ShowSuggestions bool                             `json:"show_suggestions"`
}

type consumeResponsePayload struct {
	ConsumedToday int `json:"consumed_today"`
	DailyLimit    int `json:"daily_limit"`
}

type statPayload struct {
	Total    int `json:"total"`
	Viewed   int `json:"viewed"`
	Unviewed int `json:"unviewed"`
}

type statsResponsePayload struct {
	Track        string                 `json:"track,omitempty"`
	DefaultTrack string                 `json:"default_track,omitempty"`
	Stats        map[string]statPayload `json:"stats"`
}

type profilePayload struct {
	ID              string   `json:"id"`
	Username        string   `json:"username"`
	Onboarded       bool     `json:"onboarded"`
	Fetched         bool     `json:"fetched"`
	SubmissionCount int64    `json:"submission_count"`
	SeesExercises   bool     `json:"sees_exercises"`
	Tracks          []string `json:"tracks"`
	DefaultTrack    string   `json:"default_track,omitempty"`
}

type resetKeyResponsePayload struct {
	Key string `json:"key"`
}

type onboardingResponsePayload struct {
	UserID      string     `json:"user_id"`
	OnboardedAt *time.Time `json:"onboarded_at"`
	Steps       []string   `json:"steps"`
	Fetched     bool       `json:"fetched"`
}

func (h *httpHandler) handleRecommendations(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	plan, err := h.recommendations.Plan(c.Request.Context(), user.ID)
	if err != nil {
		h.writeServiceError(c, "recommendations_failed", err)
		return
	}
	picks := plan.Recommendations
	if picks == nil {
		picks = []recommendations.Recommendation{}
	}
	c.JSON(http.StatusOK, recommendationsResponsePayload{
		Recommendations: picks,
		ConsumedToday:   plan.Consumed,
		DailyLimit:      recommendations.DailyLimit,
		ShowSuggestions: plan.ShowSuggestions,
	})
}

func (h *httpHandler) handleConsumeRecommendation(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	total, err := h.recommendations.ConsumeRecommendation(c.Request.Context(), user.ID)
	if err != nil {
		h.writeServiceError(c, "consume_failed", err)
		return
	}
	c.JSON(http.StatusOK, consumeResponsePayload{ConsumedToday: total, DailyLimit: recommendations.DailyLimit})
}

func (h *httpHandler) handleTrackStats(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	track := strings.TrimSpace(c.Query("track"))
	var (
		stats map[string]progress.TrackStat
		err   error
	)
	if track == "" {
		stats, err = h.ledger.TrackStats(ctx, user.ID)
	} else {
		stats, err = h.ledger.ProblemStats(ctx, user.ID, track)
	}
	if err != nil {
		h.writeServiceError(c, "stats_failed", err)
		return
	}
	defaultTrack, err := h.entitlements.DefaultTrack(ctx, user.ID)
	if err != nil {
		h.writeServiceError(c, "stats_failed", err)
		return
	}

	response := statsResponsePayload{
		Track:        track,
		DefaultTrack: defaultTrack,
		Stats:        make(map[string]statPayload, len(stats)),
	}
	for key, stat := range stats {
		response.Stats[key] = statPayload{Total: stat.Total, Viewed: stat.Viewed, Unviewed: stat.Unviewed()}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleNitpicker(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	problems, err := h.ledger.Nitpicker(c.Request.Context(), user.ID)
	if err != nil {
		h.writeServiceError(c, "exercises_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exercises": problems})
}

func (h *httpHandler) handleArchive(c *gin.Context) {
	h.setArchived(c, true)
}

func (h *httpHandler) handleUnarchive(c *gin.Context) {
	h.setArchived(c, false)
}

func (h *httpHandler) setArchived(c *gin.Context, archived bool) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	track, slug := c.Param("track"), c.Param("slug")
	var err error
	if archived {
		err = h.ledger.Archive(ctx, user.ID, track, slug)
	} else {
		err = h.ledger.Unarchive(ctx, user.ID, track, slug)
	}
	if err != nil {
		h.writeServiceError(c, "archive_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"track": track, "slug": slug, "archived": archived})
}

func (h *httpHandler) handleCompleteOnboarding(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	updated, err := h.users.CompleteOnboarding(ctx, user.ID)
	if err != nil {
		h.writeServiceError(c, "onboarding_failed", err)
		return
	}
	steps, err := h.users.OnboardingSteps(ctx, user.ID)
	if err != nil {
		h.writeServiceError(c, "onboarding_failed", err)
		return
	}
	fetched, err := h.users.Fetched(ctx, user.ID)
	if err != nil {
		h.writeServiceError(c, "onboarding_failed", err)
		return
	}
	c.JSON(http.StatusOK, onboardingResponsePayload{UserID: updated.ID, OnboardedAt: updated.OnboardedAt, Steps: steps, Fetched: fetched})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	profile := profilePayload{ID: user.ID, Username: user.Username, Onboarded: user.Onboarded()}
	var err error
	if profile.Fetched, err = h.users.Fetched(ctx, user.ID); err != nil {
		h.writeServiceError(c, "profile_failed", err)
		return
	}
	if profile.SubmissionCount, err = h.submissions.Count(ctx, user.ID); err != nil {
		h.writeServiceError(c, "profile_failed", err)
		return
	}
	if profile.SeesExercises, err = h.entitlements.SeesExercises(ctx, user.ID); err != nil {
		h.writeServiceError(c, "profile_failed", err)
		return
	}
	if profile.Tracks, err = h.entitlements.Tracks(ctx, user.ID); err != nil {
		h.writeServiceError(c, "profile_failed", err)
		return
	}
	if profile.Tracks == nil {
		profile.Tracks = []string{}
	}
	if len(profile.Tracks) > 0 {
		profile.DefaultTrack = profile.Tracks[0]
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleResetKey(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	key, err := h.users.ResetKey(c.Request.Context(), user.ID)
	if err != nil {
		h.writeServiceError(c, "reset_key_failed", err)
		return
	}
	c.JSON(http.StatusOK, resetKeyResponsePayload{Key: key})
}
