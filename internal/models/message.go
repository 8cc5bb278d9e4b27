package models

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message came from a contact or was sent by us.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus records the delivery state of a persisted message.
type MessageStatus string

const (
	MessageStatusReceived MessageStatus = "received"
	MessageStatusSent     MessageStatus = "sent"
	MessageStatusFailed   MessageStatus = "failed"
)

// Metadata keys shared between adapters and the webhook pipeline.
const (
	MetaRoutingKey  = "routing_key"
	MetaMessageType = "message_type"
	MetaPhotoURL    = "photo_url"
	MetaThreadID    = "thread_id"
	MetaAIGenerated = "ai_generated"
	MetaAgentID     = "agent_id"
)

// Sender identifies the author of a message on its platform.
type Sender struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// Message is the platform-neutral representation of a chat message.
// It is immutable once persisted; Direction and Platform are fixed at creation.
type Message struct {
	ID        string         `json:"id"` // provider message id
	ChatID    string         `json:"chat_id"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Platform  Platform       `json:"platform"`
	Sender    Sender         `json:"sender"`
	Direction Direction      `json:"direction"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Persistence fields, set by the conversation layer.
	Status         MessageStatus `json:"status,omitempty"`
	Error          string        `json:"error,omitempty"`
	UserID         *uuid.UUID    `json:"user_id,omitempty"`
	BrandID        *uuid.UUID    `json:"brand_id,omitempty"`
	ClientID       *uuid.UUID    `json:"client_id,omitempty"`
	ConversationID *uuid.UUID    `json:"conversation_id,omitempty"`
	AIGenerated    bool          `json:"ai_generated,omitempty"`
	AgentID        *uuid.UUID    `json:"agent_id,omitempty"`
}

// MetaString returns a string metadata value or "".
func (m *Message) MetaString(key string) string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// SetMeta sets a metadata value, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}
