package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybridge-backend/internal/config"
	"replybridge-backend/internal/integrations/integrationstest"
	"replybridge-backend/internal/models"
)

func TestSaveAndGetCredentials(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)

	resp, err := env.creds.SaveCredentials(ctx, env.userID, models.CreateCredentialRequest{
		Platform:    "WhatsApp",
		Credentials: map[string]string{models.CredAccessToken: "EAAG", models.CredPhoneNumberID: "pn-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PlatformWhatsApp, resp.Platform)
	assert.Equal(t, []string{models.CredAccessToken, models.CredPhoneNumberID}, resp.Keys)
	assert.Equal(t, credentialStatusActive, resp.Status)

	// The pre-save check built a verifying adapter from the submitted bundle.
	require.Len(t, env.factory.Configs, 1)
	assert.Equal(t, "pn-1", env.factory.Configs[0].Bundle.Get(models.CredPhoneNumberID))

	bundle, err := env.creds.GetPlatformCredentials(ctx, env.userID, models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, "EAAG", bundle.Get(models.CredAccessToken))
	assert.Equal(t, env.userID, bundle.UserID)

	stored, err := env.store.GetPlatformCredential(ctx, env.userID, models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.EncryptedCredentials), "EAAG")
}

func TestSaveCredentialsValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)

	_, err := env.creds.SaveCredentials(ctx, env.userID, models.CreateCredentialRequest{
		Platform:    "sms",
		Credentials: map[string]string{"k": "v"},
	})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = env.creds.SaveCredentials(ctx, env.userID, models.CreateCredentialRequest{
		Platform:    "whatsapp",
		Credentials: map[string]string{models.CredAccessToken: "EAAG"},
	})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.ErrorContains(t, err, models.CredPhoneNumberID)

	assert.Empty(t, env.factory.Configs)
}

func TestSaveCredentialsRejectsFailedTest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)
	env.factory.Set(integrationstest.New(models.PlatformTelegram).FailConnect(errors.New("401 unauthorized")))

	_, err := env.creds.SaveCredentials(ctx, env.userID, models.CreateCredentialRequest{
		Platform:    "telegram",
		Credentials: map[string]string{models.CredBotToken: "bad"},
	})
	assert.ErrorIs(t, err, ErrCredentialTestFailed)

	_, err = env.creds.GetPlatformCredentials(ctx, env.userID, models.PlatformTelegram)
	assert.ErrorIs(t, err, models.ErrCredentialMissing)
}

func TestGetPlatformCredentialsMissing(t *testing.T) {
	env := newTestEnv(t, 10)
	_, err := env.creds.GetPlatformCredentials(context.Background(), uuid.New(), models.PlatformSlack)
	assert.ErrorIs(t, err, models.ErrCredentialMissing)
}

func TestListAndDeleteCredentials(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)
	env.addCredentials(t, env.userID, models.PlatformTelegram)
	env.addCredentials(t, env.userID, models.PlatformSlack)
	env.addCredentials(t, uuid.New(), models.PlatformDiscord)

	list, err := env.creds.ListCredentials(ctx, env.userID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.Equal(t, []string{models.CredBotToken}, c.Keys)
	}

	require.NoError(t, env.creds.DeleteCredential(ctx, env.userID, models.PlatformSlack))
	assert.ErrorIs(t, env.creds.DeleteCredential(ctx, env.userID, models.PlatformSlack), ErrCredentialNotFound)

	list, err = env.creds.ListCredentials(ctx, env.userID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTestCredentials(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10)

	_, err := env.creds.TestCredentials(ctx, env.userID, models.PlatformTelegram)
	assert.ErrorIs(t, err, models.ErrCredentialMissing)

	env.addCredentials(t, env.userID, models.PlatformTelegram)
	result, err := env.creds.TestCredentials(ctx, env.userID, models.PlatformTelegram)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestSystemBundles(t *testing.T) {
	cfg := &config.Config{
		TelegramBotToken:    "tg",
		WhatsAppAccessToken: "wa-token", // phone number id missing
		SlackBotToken:       "xoxb",
		SlackSigningSecret:  "sign",
		PublicBaseURL:       "https://hooks.example.com",
	}

	bundles := SystemBundles(cfg)
	require.Len(t, bundles, 2)
	assert.Equal(t, models.PlatformTelegram, bundles[0].Platform)
	assert.Equal(t, "https://hooks.example.com/webhooks/telegram", bundles[0].Get(models.CredWebhookURL))
	assert.Equal(t, models.PlatformSlack, bundles[1].Platform)
	assert.Equal(t, "sign", bundles[1].Get(models.CredSigningSecret))
	_, hasChannel := bundles[1].Credentials[models.CredChannelID]
	assert.False(t, hasChannel)
}
