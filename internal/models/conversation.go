package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConversationContext is the per-chat aggregate kept alongside the message log.
// MessageCount counts inbound messages only.
type ConversationContext struct {
	ChatID         string          `db:"chat_id" json:"chat_id"`
	UserID         string          `db:"user_id" json:"user_id"` // platform user id of the contact
	Platform       Platform        `db:"platform" json:"platform"`
	MessageCount   int64           `db:"message_count" json:"message_count"`
	FirstMessageAt time.Time       `db:"first_message_at" json:"first_message_at"`
	LastMessageAt  time.Time       `db:"last_message_at" json:"last_message_at"`
	Summary        *string         `db:"summary" json:"summary,omitempty"`
	Preferences    json.RawMessage `db:"preferences" json:"preferences,omitempty"`
}

// BrandChannel maps what a provider routing key (phone number id, team id, ...) resolves to.
type BrandChannel struct {
	Platform   Platform  `db:"platform" json:"platform"`
	RoutingKey string    `db:"routing_key" json:"routing_key"`
	BrandID    uuid.UUID `db:"brand_id" json:"brand_id"`
	UserID     uuid.UUID `db:"user_id" json:"user_id"`
	BrandName  string    `db:"brand_name" json:"brand_name"`
	// BrandContext is free text describing the business, fed to the model.
	BrandContext string `db:"brand_context" json:"brand_context,omitempty"`
}

// Client is a business contact reachable on some platform, scoped to (user, brand).
type Client struct {
	ID             uuid.UUID `db:"id" json:"id"`
	UserID         uuid.UUID `db:"user_id" json:"user_id"`
	BrandID        uuid.UUID `db:"brand_id" json:"brand_id"`
	ContactAddress string    `db:"contact_address" json:"contact_address"`
	DisplayName    string    `db:"display_name" json:"display_name,omitempty"`
	Platform       Platform  `db:"platform" json:"platform"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// ConversationStatus values; at most one ACTIVE conversation exists per client.
const (
	ConversationStatusActive = "active"
	ConversationStatusClosed = "closed"
)

// Conversation groups the messages exchanged with one client.
type Conversation struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ClientID  uuid.UUID `db:"client_id" json:"client_id"`
	BrandID   uuid.UUID `db:"brand_id" json:"brand_id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Platform  Platform  `db:"platform" json:"platform"`
	ChatID    string    `db:"chat_id" json:"chat_id"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Agent is the automated responder configured for a brand.
type Agent struct {
	ID           uuid.UUID `db:"id" json:"id"`
	BrandID      uuid.UUID `db:"brand_id" json:"brand_id"`
	Name         string    `db:"name" json:"name"`
	SystemPrompt *string   `db:"system_prompt" json:"system_prompt,omitempty"` // nullable
	LLMModel     *string   `db:"llm_model" json:"llm_model,omitempty"`         // nullable
	ToolsEnabled bool      `db:"tools_enabled" json:"tools_enabled"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
