package models

import (
	"time"

	"github.com/google/uuid"
)

// --- Auth ---

type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UserResponse struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

type AuthResponse struct {
	AccessToken string       `json:"access_token"`
	User        UserResponse `json:"user"`
}

// ErrorResponse is the JSON body for every non-2xx API answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// --- Credentials ---

type CreateCredentialRequest struct {
	Platform    string            `json:"platform"`
	Credentials map[string]string `json:"credentials"`
	// SkipTest stores the bundle without verifying it against the provider.
	SkipTest bool `json:"skip_test,omitempty"`
}

// CredentialResponse never carries secret values, only which keys are present.
type CredentialResponse struct {
	ID        uuid.UUID `json:"id"`
	Platform  Platform  `json:"platform"`
	Keys      []string  `json:"keys,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// --- Messaging ---

type SendMessageRequest struct {
	Platform  string `json:"platform"`
	To        string `json:"to"`
	Message   string `json:"message"`
	ThreadID  string `json:"thread_id,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
	PhotoURL  string `json:"photo_url,omitempty"`
}

type BulkSendRequest struct {
	Platform   string   `json:"platform"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

type BroadcastRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

type BroadcastResponse struct {
	Sent []*Message `json:"sent"`
}

type ScheduleMessageRequest struct {
	Platform     string    `json:"platform"`
	To           string    `json:"to"`
	Message      string    `json:"message"`
	ScheduleTime time.Time `json:"schedule_time"`
	WebhookID    *string   `json:"webhook_id,omitempty"`
}

type ScheduleMessageResponse struct {
	ScheduleID string      `json:"schedule_id"`
	Status     string      `json:"status"`
	Result     *SendResult `json:"result,omitempty"`
}

// --- AI dispatch ---

type DispatchRequest struct {
	Prompt       string `json:"prompt"`
	Platform     string `json:"platform"`
	BrandContext string `json:"brand_context,omitempty"`
	ChatID       string `json:"chat_id,omitempty"` // optional; pulls recent history into the prompt
}

// --- Conversations ---

type UpdatePreferencesRequest struct {
	Preferences map[string]any `json:"preferences"`
}

type SummaryResponse struct {
	ChatID  string `json:"chat_id"`
	Summary string `json:"summary"`
}
