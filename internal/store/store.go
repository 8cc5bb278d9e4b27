package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"replybridge-backend/internal/models"
)

var (
	// ErrNotFound is returned when a specific record is not found.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write loses to a uniqueness constraint or a state check.
	ErrConflict = errors.New("record conflict")
)

// ContextUpdate describes the effect of one stored message on its chat's context.
type ContextUpdate struct {
	ChatID   string
	UserID   string // platform user id of the contact
	Platform models.Platform
	Inbound  bool
	At       time.Time
}

// CompleteScheduledParams finalizes a claimed scheduled message.
type CompleteScheduledParams struct {
	ID            uuid.UUID
	Status        models.ScheduledStatus // sent or failed
	SentMessageID *string
	Error         *string
}

// Store is the durable persistence contract. Postgres backs production; the
// memory implementation backs tests.
type Store interface {
	// Users
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	// Credentials (encrypted bundles, one per user and platform)
	UpsertPlatformCredential(ctx context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error)
	GetPlatformCredential(ctx context.Context, userID uuid.UUID, platform models.Platform) (*models.PlatformCredential, error)
	ListPlatformCredentials(ctx context.Context, userID uuid.UUID) ([]models.PlatformCredential, error)
	DeletePlatformCredential(ctx context.Context, userID uuid.UUID, platform models.Platform) error

	// Message log. InsertMessage returns models.ErrDuplicateMessage when the
	// provider id was already stored for that owner, chat and direction.
	InsertMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns up to limit messages for chatID, newest first.
	ListMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error)
	// ListMessagesByOwner is ListMessages restricted to rows owned by userID.
	ListMessagesByOwner(ctx context.Context, userID uuid.UUID, chatID string, limit int) ([]models.Message, error)
	// ListMessagesByConversation returns one conversation's messages, newest first.
	ListMessagesByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error)
	// ListChatOwners returns the distinct users with messages in chatID.
	ListChatOwners(ctx context.Context, chatID string) ([]uuid.UUID, error)
	DeleteMessages(ctx context.Context, chatID string) (int64, error)
	DeleteMessagesByOwner(ctx context.Context, userID uuid.UUID, chatID string) (int64, error)

	// Conversation context, one row per chat id.
	UpsertConversationContext(ctx context.Context, upd ContextUpdate) (*models.ConversationContext, error)
	GetConversationContext(ctx context.Context, chatID string) (*models.ConversationContext, error)
	UpdateConversationSummary(ctx context.Context, chatID, summary string) error
	MergeConversationPreferences(ctx context.Context, chatID string, prefs json.RawMessage) (*models.ConversationContext, error)
	DeleteConversationContext(ctx context.Context, chatID string) error

	// Scheduled messages
	CreateScheduledMessage(ctx context.Context, msg *models.ScheduledMessage) error
	GetScheduledMessage(ctx context.Context, id uuid.UUID) (*models.ScheduledMessage, error)
	// ClaimScheduledMessage marks a pending row as being executed. Rows claimed
	// before staleBefore are claimable again. Returns ErrConflict when another
	// worker holds the row or it is no longer pending.
	ClaimScheduledMessage(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (*models.ScheduledMessage, error)
	// CompleteScheduledMessage moves a pending row to sent or failed exactly once.
	CompleteScheduledMessage(ctx context.Context, arg CompleteScheduledParams) error
	ListPendingScheduledMessages(ctx context.Context) ([]models.ScheduledMessage, error)
	ListDueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error)
	ListScheduledMessagesByUser(ctx context.Context, userID uuid.UUID) ([]models.ScheduledMessage, error)

	// Identity resolution
	GetBrandChannel(ctx context.Context, platform models.Platform, routingKey string) (*models.BrandChannel, error)
	UpsertBrandChannel(ctx context.Context, ch *models.BrandChannel) error
	// UpsertClient finds or creates the client keyed by (user, brand, contact address).
	UpsertClient(ctx context.Context, client *models.Client) (*models.Client, error)
	// GetOrCreateActiveConversation returns the client's single active conversation.
	GetOrCreateActiveConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error)
	GetActiveAgentByBrand(ctx context.Context, brandID uuid.UUID) (*models.Agent, error)
	UpsertAgent(ctx context.Context, agent *models.Agent) error
}
