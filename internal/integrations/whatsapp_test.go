package integrations

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybridge-backend/internal/models"
)

func whatsappBundle() *models.CredentialBundle {
	return &models.CredentialBundle{
		Platform: models.PlatformWhatsApp,
		Credentials: models.DecryptedCredentials{
			models.CredAccessToken:   "wa-token",
			models.CredPhoneNumberID: "PN1",
		},
	}
}

const waInbound = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PN1"},
        "contacts": [{"wa_id": "15557654321", "profile": {"name": "Dana"}}],
        "messages": [{"from": "15557654321", "id": "wamid.IN1", "timestamp": "1700000000", "type": "text", "text": {"body": "do you ship to Lyon?"}}]
      }
    }]
  }]
}`

const waStatusOnly = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "WABA1", "changes": [{"field": "messages", "value": {
    "metadata": {"phone_number_id": "PN1"},
    "statuses": [{"id": "wamid.OUT1", "status": "delivered"}]
  }}]}]
}`

func TestWhatsAppReceiveMessage(t *testing.T) {
	a, err := NewWhatsAppAdapter(Config{Bundle: whatsappBundle()})
	require.NoError(t, err)

	msg := a.ReceiveMessage([]byte(waInbound))
	require.NotNil(t, msg)
	assert.Equal(t, "wamid.IN1", msg.ID)
	assert.Equal(t, "15557654321", msg.ChatID)
	assert.Equal(t, "do you ship to Lyon?", msg.Text)
	assert.Equal(t, "Dana", msg.Sender.Name)
	assert.Equal(t, "PN1", msg.MetaString(models.MetaRoutingKey))
	assert.Equal(t, int64(1700000000), msg.Timestamp.Unix())

	assert.True(t, a.ValidateWebhook([]byte(waStatusOnly)))
	assert.Nil(t, a.ReceiveMessage([]byte(waStatusOnly)))

	for _, raw := range []string{``, `null`, `{"object":"page","entry":[{}]}`, `{"object":"whatsapp_business_account","entry":[]}`, `{"object":1}`} {
		assert.False(t, a.ValidateWebhook([]byte(raw)), raw)
		assert.Nil(t, a.ReceiveMessage([]byte(raw)), raw)
	}
}

func TestWhatsAppSend(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/PN1":
			_, _ = io.WriteString(w, `{"display_phone_number":"+1 555-000-1111","verified_name":"Acme Bakery","id":"PN1"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/PN1/messages":
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			if gotBody["to"] == "blocked" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":{"message":"Recipient not allowed","code":131030}}`)
				return
			}
			_, _ = io.WriteString(w, `{"messaging_product":"whatsapp","contacts":[{"input":"15557654321","wa_id":"15557654321"}],"messages":[{"id":"wamid.OUT1"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a, err := NewWhatsAppAdapter(Config{Bundle: whatsappBundle(), APIBase: srv.URL, Verify: true, HTTPClient: srv.Client()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	assert.Equal(t, "Acme Bakery", a.GetStatus().PlatformInfo["verified_name"])

	msg, err := a.SendMessage(ctx, "15557654321", "yes we do", SendOptions{ReplyToID: "wamid.IN1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer wa-token", gotAuth)
	assert.Equal(t, "wamid.OUT1", msg.ID)
	assert.Equal(t, "text", gotBody["type"])
	assert.Equal(t, map[string]any{"message_id": "wamid.IN1"}, gotBody["context"])

	_, err = a.SendMessage(ctx, "15557654321", "", SendOptions{PhotoURL: "https://img.example.com/cake.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "image", gotBody["type"])

	_, err = a.SendMessage(ctx, "blocked", "hi", SendOptions{})
	var upstream *models.UpstreamAPIError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusBadRequest, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "Recipient not allowed")
}

func TestWhatsAppRequiresPhoneNumberID(t *testing.T) {
	_, err := NewWhatsAppAdapter(Config{Bundle: &models.CredentialBundle{
		Platform:    models.PlatformWhatsApp,
		Credentials: models.DecryptedCredentials{models.CredAccessToken: "t"},
	}})
	assert.ErrorIs(t, err, models.ErrCredentialMissing)
}

func TestVerifyWhatsAppSignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)

	h := http.Header{}
	h.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	assert.NoError(t, VerifyWhatsAppSignature(h, body, "app-secret"))
	assert.ErrorIs(t, VerifyWhatsAppSignature(h, body, "other-secret"), models.ErrValidation)
	assert.ErrorIs(t, VerifyWhatsAppSignature(http.Header{}, body, "app-secret"), models.ErrValidation)
}
