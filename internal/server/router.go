package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/entitlements"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/recommendations"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/retraction"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userContextKey         = "nitpick_user"
	defaultHeartbeatPeriod = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUsers            = errors.New("users service dependency required")
	errMissingSubmissions      = errors.New("submissions service dependency required")
	errMissingComments         = errors.New("comment engine dependency required")
	errMissingRecommendations  = errors.New("recommendation selector dependency required")
	errMissingRetraction       = errors.New("retraction guard dependency required")
	errMissingLedger           = errors.New("progress ledger dependency required")
	errMissingEntitlements     = errors.New("entitlement store dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the review services into the HTTP layer.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            *users.Service
	Submissions      *submissions.Service
	Comments         *comments.Engine
	Recommendations  *recommendations.Selector
	Retraction       *retraction.Guard
	Ledger           *progress.Ledger
	Entitlements     *entitlements.Store
	Realtime         *RealtimeDispatcher
	AllowedOrigins   []string
	HeartbeatPeriod  time.Duration
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving the review API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Submissions == nil:
		return nil, errMissingSubmissions
	case deps.Comments == nil:
		return nil, errMissingComments
	case deps.Recommendations == nil:
		return nil, errMissingRecommendations
	case deps.Retraction == nil:
		return nil, errMissingRetraction
	case deps.Ledger == nil:
		return nil, errMissingLedger
	case deps.Entitlements == nil:
		return nil, errMissingEntitlements
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatPeriod
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:        deps.SessionValidator,
		users:           deps.Users,
		submissions:     deps.Submissions,
		comments:        deps.Comments,
		recommendations: deps.Recommendations,
		retraction:      deps.Retraction,
		ledger:          deps.Ledger,
		entitlements:    deps.Entitlements,
		realtime:        realtime,
		heartbeat:       heartbeat,
		logger:          logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleProfile)
	protected.POST("/me/key", handler.handleResetKey)
	protected.POST("/submissions", handler.handleSubmit)
	protected.GET("/submissions/latest", handler.handleLatestSubmission)
	protected.DELETE("/submissions/latest", handler.handleUnsubmit)
	protected.PUT("/submissions/:id/like", handler.handleLike)
	protected.GET("/submissions/:id/comments", handler.handleListComments)
	protected.POST("/submissions/:id/comments", handler.handleCreateComment)
	protected.GET("/recommendations", handler.handleRecommendations)
	protected.POST("/recommendations/consume", handler.handleConsumeRecommendation)
	protected.GET("/tracks/stats", handler.handleTrackStats)
	protected.GET("/exercises", handler.handleNitpicker)
	protected.GET("/exercises/:track/:slug/submissions", handler.handleSubmissionHistory)
	protected.POST("/exercises/:track/:slug/archive", handler.handleArchive)
	protected.DELETE("/exercises/:track/:slug/archive", handler.handleUnarchive)
	protected.POST("/onboarding/complete", handler.handleCompleteOnboarding)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions        SessionValidator
	users           *users.Service
	submissions     *submissions.Service
	comments        *comments.Engine
	recommendations *recommendations.Selector
	retraction      *retraction.Guard
	ledger          *progress.Ledger
	entitlements    *entitlements.Store
	realtime        *RealtimeDispatcher
	heartbeat       time.Duration
	logger          *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		// EventSource cannot set headers.
		if token := strings.TrimSpace(c.Query("access_token")); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		case errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Debug("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.users.FromIdentity(c.Request.Context(), claims.Identity())
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to resolve session user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) (users.User, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		return users.User{}, false
	}
	user, ok := value.(users.User)
	return user, ok && user.ID != ""
}

type errorStatus struct {
	target error
	status int
	code   string
}

var errorStatuses = []errorStatus{
	{target: submissions.ErrSubmissionNotFound, status: http.StatusNotFound, code: "submission_not_found"},
	{target: submissions.ErrEmptyCode, status: http.StatusBadRequest, code: "empty_code"},
	{target: progress.ErrExerciseNotFound, status: http.StatusNotFound, code: "exercise_not_found"},
	{target: users.ErrUserNotFound, status: http.StatusNotFound, code: "user_not_found"},
	{target: retraction.ErrNothingToUnsubmit, status: http.StatusNotFound, code: "nothing_to_unsubmit"},
	{target: retraction.ErrSubmissionTooOld, status: http.StatusConflict, code: "submission_too_old"},
	{target: retraction.ErrSubmissionHasNits, status: http.StatusConflict, code: "submission_has_nits"},
}

// writeServiceError maps expected domain failures to client errors; anything else is a 500.
func (h *httpHandler) writeServiceError(c *gin.Context, fallback string, err error) {
	for _, candidate := range errorStatuses {
		if errors.Is(err, candidate.target) {
			c.JSON(candidate.status, gin.H{"error": candidate.code})
			return
		}
	}
	h.logger.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.String("code", svcerr.CodeOf(err)),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}
