package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/database"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/entitlements"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/markdown"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/progress"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/recommendations"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/retraction"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/testdb"
	"github.com/MarcoPoloResearchLab/nitpick/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "nitpick-auth"
	testCookieName    = "app_session"
)

type testApp struct {
	handler   http.Handler
	issuer    *auth.TokenIssuer
	realtime  *RealtimeDispatcher
	users     *users.Service
	heartbeat time.Duration
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testdb.Open(t, database.Models()...)
	logger := zap.NewNop()
	realtime := NewRealtimeDispatcher()

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users: %v", err)
	}
	ledger, err := progress.NewLedger(progress.LedgerConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	store, err := entitlements.NewStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build entitlements: %v", err)
	}
	submissionService, err := submissions.NewService(submissions.ServiceConfig{Database: db, Ledger: ledger, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build submissions: %v", err)
	}
	engine, err := comments.NewEngine(comments.EngineConfig{
		Database:  db,
		Sanitizer: markdown.NewRenderer(),
		Users:     userService,
		Ledger:    ledger,
		Notifier:  realtime,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build comment engine: %v", err)
	}
	selector, err := recommendations.NewSelector(recommendations.SelectorConfig{Database: db, Users: userService, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build selector: %v", err)
	}
	guard, err := retraction.NewGuard(retraction.GuardConfig{Database: db, Ledger: ledger, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	heartbeat := 50 * time.Millisecond
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Submissions:      submissionService,
		Comments:         engine,
		Recommendations:  selector,
		Retraction:       guard,
		Ledger:           ledger,
		Entitlements:     store,
		Realtime:         realtime,
		HeartbeatPeriod:  heartbeat,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testApp{handler: handler, issuer: issuer, realtime: realtime, users: userService, heartbeat: heartbeat}
}

func (a *testApp) token(t *testing.T, username string) string {
	t.Helper()
	token, _, err := a.issuer.Issue(users.Identity{ExternalID: "github|" + username, Username: username})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (a *testApp) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	}
	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	decode(t, recorder, &payload)
	return payload.Error
}
