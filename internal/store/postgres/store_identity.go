package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"replybridge-backend/internal/models"
)

const getBrandChannel = `-- name: GetBrandChannel :one
SELECT platform, routing_key, brand_id, user_id, brand_name, brand_context
FROM brand_channels
WHERE platform = $1 AND routing_key = $2`

func (s *PostgresStore) GetBrandChannel(ctx context.Context, platform models.Platform, routingKey string) (*models.BrandChannel, error) {
	ch := &models.BrandChannel{}
	err := s.db.QueryRow(ctx, getBrandChannel, platform, routingKey).Scan(
		&ch.Platform, &ch.RoutingKey, &ch.BrandID, &ch.UserID, &ch.BrandName, &ch.BrandContext)
	if err != nil {
		return nil, notFoundOr(err, "database error fetching brand channel %s/%s", platform, routingKey)
	}
	return ch, nil
}

const upsertBrandChannel = `-- name: UpsertBrandChannel :exec
INSERT INTO brand_channels (platform, routing_key, brand_id, user_id, brand_name, brand_context)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (platform, routing_key) DO UPDATE
SET brand_id = EXCLUDED.brand_id,
    user_id = EXCLUDED.user_id,
    brand_name = EXCLUDED.brand_name,
    brand_context = EXCLUDED.brand_context`

func (s *PostgresStore) UpsertBrandChannel(ctx context.Context, ch *models.BrandChannel) error {
	_, err := s.db.Exec(ctx, upsertBrandChannel,
		ch.Platform, ch.RoutingKey, ch.BrandID, ch.UserID, ch.BrandName, ch.BrandContext)
	if err != nil {
		logPgError("UpsertBrandChannel", err)
		return fmt.Errorf("database error upserting brand channel: %w", err)
	}
	return nil
}

const upsertClient = `-- name: UpsertClient :one
INSERT INTO clients (id, user_id, brand_id, contact_address, display_name, platform)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, brand_id, contact_address) DO UPDATE
SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE clients.display_name END,
    updated_at = NOW()
RETURNING id, user_id, brand_id, contact_address, display_name, platform, created_at, updated_at`

// UpsertClient relies on the (user, brand, contact) unique key, so two webhooks
// racing for a new contact converge on a single row.
func (s *PostgresStore) UpsertClient(ctx context.Context, client *models.Client) (*models.Client, error) {
	id := client.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	out := &models.Client{}
	err := s.db.QueryRow(ctx, upsertClient,
		id, client.UserID, client.BrandID, client.ContactAddress, client.DisplayName, client.Platform,
	).Scan(&out.ID, &out.UserID, &out.BrandID, &out.ContactAddress, &out.DisplayName, &out.Platform, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		logPgError("UpsertClient", err)
		return nil, fmt.Errorf("database error upserting client: %w", err)
	}
	return out, nil
}

const getOrCreateActiveConversation = `-- name: GetOrCreateActiveConversation :one
INSERT INTO conversations (id, client_id, brand_id, user_id, platform, chat_id, status)
VALUES ($1, $2, $3, $4, $5, $6, 'active')
ON CONFLICT (client_id) WHERE status = 'active' DO UPDATE
SET updated_at = NOW()
RETURNING id, client_id, brand_id, user_id, platform, chat_id, status, created_at, updated_at`

func (s *PostgresStore) GetOrCreateActiveConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	id := conv.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	out := &models.Conversation{}
	err := s.db.QueryRow(ctx, getOrCreateActiveConversation,
		id, conv.ClientID, conv.BrandID, conv.UserID, conv.Platform, conv.ChatID,
	).Scan(&out.ID, &out.ClientID, &out.BrandID, &out.UserID, &out.Platform, &out.ChatID, &out.Status, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		logPgError("GetOrCreateActiveConversation", err)
		return nil, fmt.Errorf("database error resolving conversation: %w", err)
	}
	return out, nil
}

const agentColumns = `id, brand_id, name, system_prompt, llm_model, tools_enabled, is_active, created_at, updated_at`

const getActiveAgentByBrand = `-- name: GetActiveAgentByBrand :one
SELECT ` + agentColumns + `
FROM agents
WHERE brand_id = $1 AND is_active
ORDER BY updated_at DESC
LIMIT 1`

// GetActiveAgentByBrand returns store.ErrNotFound when the brand has no active agent.
func (s *PostgresStore) GetActiveAgentByBrand(ctx context.Context, brandID uuid.UUID) (*models.Agent, error) {
	a := &models.Agent{}
	err := s.db.QueryRow(ctx, getActiveAgentByBrand, brandID).Scan(
		&a.ID, &a.BrandID, &a.Name, &a.SystemPrompt, &a.LLMModel, &a.ToolsEnabled, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "database error fetching agent for brand %s", brandID)
	}
	return a, nil
}

const upsertAgent = `-- name: UpsertAgent :exec
INSERT INTO agents (id, brand_id, name, system_prompt, llm_model, tools_enabled, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    system_prompt = EXCLUDED.system_prompt,
    llm_model = EXCLUDED.llm_model,
    tools_enabled = EXCLUDED.tools_enabled,
    is_active = EXCLUDED.is_active,
    updated_at = NOW()`

func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, upsertAgent,
		agent.ID, agent.BrandID, agent.Name, agent.SystemPrompt, agent.LLMModel, agent.ToolsEnabled, agent.IsActive)
	if err != nil {
		logPgError("UpsertAgent", err)
		return fmt.Errorf("database error upserting agent: %w", err)
	}
	return nil
}
