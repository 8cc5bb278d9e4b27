package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"replybridge-backend/internal/models"
	"replybridge-backend/internal/store"
)

const insertMessage = `-- name: InsertMessage :exec
INSERT INTO messages (
    external_id, chat_id, platform, direction, text,
    sender_id, sender_name, sender_username, status, error,
    user_id, brand_id, client_id, conversation_id, ai_generated, agent_id,
    metadata, sent_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

// InsertMessage appends msg to the log. A provider id already stored for the
// same owner, chat and direction yields models.ErrDuplicateMessage.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	var externalID *string
	if msg.ID != "" {
		externalID = &msg.ID
	}
	var metadata []byte
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadata = b
	}
	sentAt := msg.Timestamp
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	_, err := s.db.Exec(ctx, insertMessage,
		externalID, msg.ChatID, msg.Platform, msg.Direction, msg.Text,
		msg.Sender.ID, msg.Sender.Name, msg.Sender.Username, msg.Status, msg.Error,
		msg.UserID, msg.BrandID, msg.ClientID, msg.ConversationID, msg.AIGenerated, msg.AgentID,
		metadata, sentAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s message %s in chat %s", models.ErrDuplicateMessage, msg.Platform, msg.ID, msg.ChatID)
		}
		logPgError("InsertMessage", err)
		return fmt.Errorf("database error inserting message: %w", err)
	}
	return nil
}

const messageColumns = `external_id, chat_id, platform, direction, text,
       sender_id, sender_name, sender_username, status, error,
       user_id, brand_id, client_id, conversation_id, ai_generated, agent_id,
       metadata, sent_at`

const listMessages = `-- name: ListMessages :many
SELECT ` + messageColumns + `
FROM messages
WHERE chat_id = $1
ORDER BY sent_at DESC, id DESC
LIMIT $2`

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, "ListMessages", limit, listMessages, chatID, limit)
}

const listMessagesByOwner = `-- name: ListMessagesByOwner :many
SELECT ` + messageColumns + `
FROM messages
WHERE user_id = $1 AND chat_id = $2
ORDER BY sent_at DESC, id DESC
LIMIT $3`

func (s *PostgresStore) ListMessagesByOwner(ctx context.Context, userID uuid.UUID, chatID string, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, "ListMessagesByOwner", limit, listMessagesByOwner, userID, chatID, limit)
}

const listMessagesByConversation = `-- name: ListMessagesByConversation :many
SELECT ` + messageColumns + `
FROM messages
WHERE conversation_id = $1
ORDER BY sent_at DESC, id DESC
LIMIT $2`

func (s *PostgresStore) ListMessagesByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, "ListMessagesByConversation", limit, listMessagesByConversation, conversationID, limit)
}

func (s *PostgresStore) queryMessages(ctx context.Context, op string, limit int, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		log.Printf("ERROR [PostgresStore] %s: Failed to query messages: %v", op, err)
		return nil, fmt.Errorf("database error listing messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		var (
			msg        models.Message
			externalID *string
			metadata   []byte
		)
		if err := rows.Scan(
			&externalID, &msg.ChatID, &msg.Platform, &msg.Direction, &msg.Text,
			&msg.Sender.ID, &msg.Sender.Name, &msg.Sender.Username, &msg.Status, &msg.Error,
			&msg.UserID, &msg.BrandID, &msg.ClientID, &msg.ConversationID, &msg.AIGenerated, &msg.AgentID,
			&metadata, &msg.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("error scanning message row: %w", err)
		}
		if externalID != nil {
			msg.ID = *externalID
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				log.Printf("WARN [PostgresStore] %s: Dropping unreadable metadata on message %s: %v", op, msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

const listChatOwners = `-- name: ListChatOwners :many
SELECT DISTINCT user_id FROM messages WHERE chat_id = $1 AND user_id IS NOT NULL`

func (s *PostgresStore) ListChatOwners(ctx context.Context, chatID string) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, listChatOwners, chatID)
	if err != nil {
		logPgError("ListChatOwners", err)
		return nil, fmt.Errorf("database error listing chat owners: %w", err)
	}
	defer rows.Close()

	var owners []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning chat owner: %w", err)
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat owners: %w", err)
	}
	return owners, nil
}

const deleteMessages = `-- name: DeleteMessages :execrows
DELETE FROM messages WHERE chat_id = $1`

func (s *PostgresStore) DeleteMessages(ctx context.Context, chatID string) (int64, error) {
	tag, err := s.db.Exec(ctx, deleteMessages, chatID)
	if err != nil {
		logPgError("DeleteMessages", err)
		return 0, fmt.Errorf("database error deleting messages: %w", err)
	}
	log.Printf("[PostgresStore] DeleteMessages: Deleted %d messages for chat %s", tag.RowsAffected(), chatID)
	return tag.RowsAffected(), nil
}

const deleteMessagesByOwner = `-- name: DeleteMessagesByOwner :execrows
DELETE FROM messages WHERE user_id = $1 AND chat_id = $2`

func (s *PostgresStore) DeleteMessagesByOwner(ctx context.Context, userID uuid.UUID, chatID string) (int64, error) {
	tag, err := s.db.Exec(ctx, deleteMessagesByOwner, userID, chatID)
	if err != nil {
		logPgError("DeleteMessagesByOwner", err)
		return 0, fmt.Errorf("database error deleting messages: %w", err)
	}
	log.Printf("[PostgresStore] DeleteMessagesByOwner: Deleted %d messages for UserID %s in chat %s", tag.RowsAffected(), userID, chatID)
	return tag.RowsAffected(), nil
}

const contextColumns = `chat_id, user_id, platform, message_count, first_message_at, last_message_at, summary, preferences`

func scanContext(row interface{ Scan(...any) error }) (*models.ConversationContext, error) {
	c := &models.ConversationContext{}
	var prefs []byte
	if err := row.Scan(&c.ChatID, &c.UserID, &c.Platform, &c.MessageCount,
		&c.FirstMessageAt, &c.LastMessageAt, &c.Summary, &prefs); err != nil {
		return nil, err
	}
	c.Preferences = json.RawMessage(prefs)
	return c, nil
}

const upsertConversationContext = `-- name: UpsertConversationContext :one
INSERT INTO conversation_contexts (chat_id, user_id, platform, message_count, first_message_at, last_message_at)
VALUES ($1, $2, $3, CASE WHEN $4::boolean THEN 1 ELSE 0 END, $5, $5)
ON CONFLICT (chat_id) DO UPDATE
SET message_count   = conversation_contexts.message_count + CASE WHEN $4::boolean THEN 1 ELSE 0 END,
    last_message_at = GREATEST(conversation_contexts.last_message_at, EXCLUDED.last_message_at),
    user_id         = COALESCE(NULLIF(conversation_contexts.user_id, ''), EXCLUDED.user_id)
RETURNING ` + contextColumns

// UpsertConversationContext creates the context on the first message of a chat
// and bumps it afterwards, in one statement so concurrent writers never lose a count.
func (s *PostgresStore) UpsertConversationContext(ctx context.Context, upd store.ContextUpdate) (*models.ConversationContext, error) {
	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c, err := scanContext(s.db.QueryRow(ctx, upsertConversationContext,
		upd.ChatID, upd.UserID, upd.Platform, upd.Inbound, at))
	if err != nil {
		logPgError("UpsertConversationContext", err)
		return nil, fmt.Errorf("database error upserting conversation context: %w", err)
	}
	return c, nil
}

const getConversationContext = `-- name: GetConversationContext :one
SELECT ` + contextColumns + ` FROM conversation_contexts WHERE chat_id = $1`

func (s *PostgresStore) GetConversationContext(ctx context.Context, chatID string) (*models.ConversationContext, error) {
	c, err := scanContext(s.db.QueryRow(ctx, getConversationContext, chatID))
	if err != nil {
		return nil, notFoundOr(err, "database error fetching context for chat %s", chatID)
	}
	return c, nil
}

const updateConversationSummary = `-- name: UpdateConversationSummary :exec
UPDATE conversation_contexts SET summary = $2 WHERE chat_id = $1`

func (s *PostgresStore) UpdateConversationSummary(ctx context.Context, chatID, summary string) error {
	tag, err := s.db.Exec(ctx, updateConversationSummary, chatID, summary)
	if err != nil {
		logPgError("UpdateConversationSummary", err)
		return fmt.Errorf("database error updating summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const mergeConversationPreferences = `-- name: MergeConversationPreferences :one
UPDATE conversation_contexts
SET preferences = COALESCE(preferences, '{}'::jsonb) || $2::jsonb
WHERE chat_id = $1
RETURNING ` + contextColumns

// MergeConversationPreferences shallow-merges prefs into the stored object.
func (s *PostgresStore) MergeConversationPreferences(ctx context.Context, chatID string, prefs json.RawMessage) (*models.ConversationContext, error) {
	c, err := scanContext(s.db.QueryRow(ctx, mergeConversationPreferences, chatID, []byte(prefs)))
	if err != nil {
		return nil, notFoundOr(err, "database error merging preferences for chat %s", chatID)
	}
	return c, nil
}

const deleteConversationContext = `-- name: DeleteConversationContext :exec
DELETE FROM conversation_contexts WHERE chat_id = $1`

func (s *PostgresStore) DeleteConversationContext(ctx context.Context, chatID string) error {
	if _, err := s.db.Exec(ctx, deleteConversationContext, chatID); err != nil {
		logPgError("DeleteConversationContext", err)
		return fmt.Errorf("database error deleting context: %w", err)
	}
	return nil
}
