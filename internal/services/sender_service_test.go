package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybridge-backend/internal/integrations"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/ratelimit"
)

func TestSendPersistsOutboundMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)
	env.addCredentials(t, env.userID, models.PlatformTelegram)

	result := env.sender.Send(ctx, SendRequest{
		UserID: env.userID, Platform: models.PlatformTelegram, To: "42", Text: "hello",
		Options: integrations.SendOptions{ThreadID: "7"},
	})
	require.True(t, result.Success(), result.Error)
	assert.Equal(t, "telegram-out-1", result.MessageID)

	// The send used the user's own bundle.
	last := env.factory.Configs[len(env.factory.Configs)-1]
	assert.Equal(t, "123:abc", last.Bundle.Get(models.CredBotToken))

	history, err := env.conversations.GetConversationHistory(ctx, "42", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.DirectionOutbound, history[0].Direction)
	assert.Equal(t, models.MessageStatusSent, history[0].Status)
	assert.Equal(t, "7", history[0].MetaString(models.MetaThreadID))
	require.NotNil(t, history[0].UserID)
	assert.Equal(t, env.userID, *history[0].UserID)
	assert.Equal(t, 1, env.limiter.Count(ratelimit.Key(env.userID.String(), models.PlatformTelegram)))
}

func TestSendWithoutCredentials(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)

	result := env.sender.Send(ctx, SendRequest{UserID: env.userID, Platform: models.PlatformSlack, To: "C1", Text: "hi"})
	assert.Equal(t, models.OutcomeCredentialMissing, result.Outcome)
	assert.Empty(t, env.factory.Adapter(models.PlatformSlack).Sent())

	history, err := env.conversations.GetConversationHistory(ctx, "C1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.MessageStatusFailed, history[0].Status)
	assert.NotEmpty(t, history[0].Error)
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t, 10)
	result := env.sender.Send(context.Background(), SendRequest{UserID: env.userID, Platform: models.PlatformTelegram, To: "42"})
	assert.Equal(t, models.OutcomeValidationError, result.Outcome)

	result = env.sender.Send(context.Background(), SendRequest{UserID: env.userID, Platform: "sms", To: "42", Text: "x"})
	assert.Equal(t, models.OutcomeValidationError, result.Outcome)
}

func TestSendRateLimited(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	env.addCredentials(t, env.userID, models.PlatformTelegram)

	req := SendRequest{UserID: env.userID, Platform: models.PlatformTelegram, To: "42", Text: "hi"}
	require.True(t, env.sender.Send(ctx, req).Success())
	require.True(t, env.sender.Send(ctx, req).Success())

	result := env.sender.Send(ctx, req)
	assert.Equal(t, models.OutcomeRateLimited, result.Outcome)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.Len(t, env.factory.Adapter(models.PlatformTelegram).Sent(), 2)

	// Another user has a separate budget.
	other := uuid.New()
	env.addCredentials(t, other, models.PlatformTelegram)
	req.UserID = other
	assert.True(t, env.sender.Send(ctx, req).Success())
}

func TestSendFailureReleasesRateSlot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	env.addCredentials(t, env.userID, models.PlatformTelegram)
	adapter := env.factory.Adapter(models.PlatformTelegram)
	adapter.FailSends(models.NewUpstreamAPIError(models.PlatformTelegram, 502, "bad gateway"))

	req := SendRequest{UserID: env.userID, Platform: models.PlatformTelegram, To: "42", Text: "hi"}
	result := env.sender.Send(ctx, req)
	assert.Equal(t, models.OutcomeUpstreamError, result.Outcome)
	assert.Contains(t, result.Error, "502")

	adapter.FailSends(nil)
	assert.True(t, env.sender.Send(ctx, req).Success())
}

func TestSendAIGeneratedTagging(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)
	env.addCredentials(t, env.userID, models.PlatformTelegram)
	agentID := uuid.New()

	result := env.sender.Send(ctx, SendRequest{
		UserID: env.userID, Platform: models.PlatformTelegram, To: "42", Text: "auto",
		AIGenerated: true, AgentID: &agentID,
	})
	require.True(t, result.Success())
	assert.True(t, result.Message.AIGenerated)
	assert.Equal(t, agentID.String(), result.Message.MetaString(models.MetaAgentID))
	assert.Equal(t, true, result.Message.Metadata[models.MetaAIGenerated])
}

func TestSendBulk(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	env.addCredentials(t, env.userID, models.PlatformTelegram)

	results := env.sender.SendBulk(ctx, env.userID, models.PlatformTelegram, []string{"1", "2", "3"}, "news")
	require.Len(t, results, 3)
	assert.Equal(t, "1", results[0].To)
	assert.True(t, results[0].Success())
	assert.True(t, results[1].Success())
	assert.Equal(t, models.OutcomeRateLimited, results[2].Outcome)
}

func TestSendBulkCancelled(t *testing.T) {
	env := newTestEnv(t, 10)
	env.addCredentials(t, env.userID, models.PlatformTelegram)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := env.sender.SendBulk(ctx, env.userID, models.PlatformTelegram, []string{"1", "2"}, "news")
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, models.OutcomeConnectionError, r.Outcome)
	}
}
