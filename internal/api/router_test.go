package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybridge-backend/internal/auth"
	"replybridge-backend/internal/config"
	"replybridge-backend/internal/handlers"
	"replybridge-backend/internal/models"
)

const testSecret = "router-test-secret"

type noPlatforms struct{}

func (noPlatforms) Status() map[models.Platform]models.PlatformStatus {
	return map[models.Platform]models.PlatformStatus{}
}

func (noPlatforms) DefaultPlatform() models.Platform { return "" }

func testRouter() http.Handler {
	return NewRouter(RouterDependencies{
		AuthHandler:          handlers.NewAuthHandler(nil),
		CredentialsHandler:   handlers.NewCredentialsHandler(nil),
		MessagingHandlers:    handlers.NewMessagingHandlers(nil, nil, nil, nil, nil),
		ConversationHandlers: handlers.NewConversationHandlers(nil),
		PlatformHandlers:     handlers.NewPlatformHandlers(noPlatforms{}),
		WebhookHandlers:      handlers.NewWebhookHandlers(nil, handlers.WebhookSecrets{}),
		Config:               &config.Config{JWTSecret: testSecret, AllowedOrigins: []string{"http://localhost:3000"}},
	})
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestJwtAuthMiddleware(t *testing.T) {
	router := testRouter()
	userID := uuid.New()

	valid, err := auth.NewAccessToken(userID, testSecret, time.Hour)
	require.NoError(t, err)
	expired, err := auth.NewAccessToken(userID, testSecret, -time.Hour)
	require.NoError(t, err)
	foreign, err := auth.NewAccessToken(userID, "someone-else", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
	}{
		{"missing header", "", http.StatusUnauthorized, "Authorization header required"},
		{"wrong scheme", "Token " + valid, http.StatusUnauthorized, "Malformed Authorization header (Expected: Bearer <token>)"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "Token has expired"},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized, "Malformed token"},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized, "Invalid token"},
		{"valid", "Bearer " + valid, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/platforms/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, errorMessage(t, rec))
			}
		})
	}
}

func TestWebhooksArePublic(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/pager", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
}
