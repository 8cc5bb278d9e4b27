package models

import (
	"time"

	"github.com/google/uuid"
)

// Well-known credential keys. Each platform reads the subset it needs.
const (
	CredBotToken      = "bot_token"       // telegram, slack, discord
	CredAccessToken   = "access_token"    // whatsapp
	CredPhoneNumberID = "phone_number_id" // whatsapp
	CredSigningSecret = "signing_secret"  // slack
	CredAppSecret     = "app_secret"      // whatsapp
	CredVerifyToken   = "verify_token"    // whatsapp hub challenge
	CredWebhookURL    = "webhook_url"     // telegram
	CredEndpointURL   = "endpoint_url"    // optional API base override
	CredChannelID     = "channel_id"      // slack/discord default channel
)

// DecryptedCredentials is the plaintext secret map for one bundle.
type DecryptedCredentials map[string]string

// CredentialBundle is the per (user, platform) secret set used by outbound sends.
// It is looked up, never mutated, on the sending path.
type CredentialBundle struct {
	UserID      uuid.UUID            `json:"user_id"`
	Platform    Platform             `json:"platform"`
	Credentials DecryptedCredentials `json:"-"`
}

// Get returns a credential value or "".
func (b *CredentialBundle) Get(key string) string {
	if b == nil || b.Credentials == nil {
		return ""
	}
	return b.Credentials[key]
}

// PlatformCredential is the stored (encrypted) form of a CredentialBundle.
type PlatformCredential struct {
	ID                   uuid.UUID `db:"id"`
	UserID               uuid.UUID `db:"user_id"`
	Platform             Platform  `db:"platform"`
	EncryptedCredentials []byte    `db:"encrypted_credentials"` // nonce || ciphertext
	Status               string    `db:"status"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

// TestConnectionResult is the outcome of verifying a bundle against its provider.
type TestConnectionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
