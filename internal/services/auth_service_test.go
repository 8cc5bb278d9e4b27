package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybridge-backend/internal/auth"
	"replybridge-backend/internal/config"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/store/memory"
)

func TestSignupAndLogin(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{JWTSecret: "test-secret", TokenExpiration: time.Hour}
	svc := NewAuthService(memory.New(), cfg)

	user, err := svc.Signup(ctx, " Owner@Example.com ", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", user.Email)
	assert.NotEqual(t, "correct-horse", user.HashedPassword)

	_, err = svc.Signup(ctx, "owner@example.com", "another-password")
	assert.ErrorIs(t, err, ErrUserAlreadyExists)

	token, loggedIn, err := svc.Login(ctx, "OWNER@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, loggedIn.ID)

	claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	_, _, err = svc.Login(ctx, "owner@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignupValidation(t *testing.T) {
	svc := NewAuthService(memory.New(), &config.Config{JWTSecret: "s", TokenExpiration: time.Hour})

	_, err := svc.Signup(context.Background(), "not-an-email", "long-enough")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = svc.Signup(context.Background(), "a@b.c", "short")
	assert.ErrorIs(t, err, models.ErrValidation)
}
