package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"replybridge-backend/internal/models"
	"replybridge-backend/internal/store"
)

const scheduledColumns = `id, user_id, platform, recipient, message, schedule_time, status,
       webhook_id, error, sent_message_id, claimed_at, created_at, updated_at`

func scanScheduled(row interface{ Scan(...any) error }) (*models.ScheduledMessage, error) {
	m := &models.ScheduledMessage{}
	err := row.Scan(&m.ID, &m.UserID, &m.Platform, &m.To, &m.Message, &m.ScheduleTime, &m.Status,
		&m.WebhookID, &m.Error, &m.SentMessageID, &m.ClaimedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func collectScheduled(rows pgx.Rows) ([]models.ScheduledMessage, error) {
	defer rows.Close()
	var out []models.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning scheduled message row: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled message rows: %w", err)
	}
	return out, nil
}

const createScheduledMessage = `-- name: CreateScheduledMessage :one
INSERT INTO scheduled_messages (id, user_id, platform, recipient, message, schedule_time, status, webhook_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at, updated_at`

func (s *PostgresStore) CreateScheduledMessage(ctx context.Context, msg *models.ScheduledMessage) error {
	if msg.Status == "" {
		msg.Status = models.ScheduledStatusPending
	}
	err := s.db.QueryRow(ctx, createScheduledMessage,
		msg.ID, msg.UserID, msg.Platform, msg.To, msg.Message, msg.ScheduleTime, msg.Status, msg.WebhookID,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		logPgError("CreateScheduledMessage", err)
		return fmt.Errorf("database error creating scheduled message: %w", err)
	}
	log.Printf("[PostgresStore] CreateScheduledMessage: Stored %s for %s at %s", msg.ID, msg.Platform, msg.ScheduleTime.Format(time.RFC3339))
	return nil
}

const getScheduledMessage = `-- name: GetScheduledMessage :one
SELECT ` + scheduledColumns + ` FROM scheduled_messages WHERE id = $1`

func (s *PostgresStore) GetScheduledMessage(ctx context.Context, id uuid.UUID) (*models.ScheduledMessage, error) {
	m, err := scanScheduled(s.db.QueryRow(ctx, getScheduledMessage, id))
	if err != nil {
		return nil, notFoundOr(err, "database error fetching scheduled message %s", id)
	}
	return m, nil
}

const claimScheduledMessage = `-- name: ClaimScheduledMessage :one
UPDATE scheduled_messages
SET claimed_at = $2, updated_at = $2
WHERE id = $1
  AND status = 'pending'
  AND (claimed_at IS NULL OR claimed_at < $3)
RETURNING ` + scheduledColumns

func (s *PostgresStore) ClaimScheduledMessage(ctx context.Context, id uuid.UUID, now, staleBefore time.Time) (*models.ScheduledMessage, error) {
	m, err := scanScheduled(s.db.QueryRow(ctx, claimScheduledMessage, id, now, staleBefore))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrConflict
		}
		logPgError("ClaimScheduledMessage", err)
		return nil, fmt.Errorf("database error claiming scheduled message: %w", err)
	}
	return m, nil
}

const completeScheduledMessage = `-- name: CompleteScheduledMessage :execrows
UPDATE scheduled_messages
SET status = $2, sent_message_id = $3, error = $4, updated_at = NOW()
WHERE id = $1 AND status = 'pending'`

func (s *PostgresStore) CompleteScheduledMessage(ctx context.Context, arg store.CompleteScheduledParams) error {
	tag, err := s.db.Exec(ctx, completeScheduledMessage, arg.ID, arg.Status, arg.SentMessageID, arg.Error)
	if err != nil {
		logPgError("CompleteScheduledMessage", err)
		return fmt.Errorf("database error completing scheduled message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	log.Printf("[PostgresStore] CompleteScheduledMessage: %s -> %s", arg.ID, arg.Status)
	return nil
}

const listPendingScheduledMessages = `-- name: ListPendingScheduledMessages :many
SELECT ` + scheduledColumns + `
FROM scheduled_messages
WHERE status = 'pending'
ORDER BY schedule_time`

func (s *PostgresStore) ListPendingScheduledMessages(ctx context.Context) ([]models.ScheduledMessage, error) {
	rows, err := s.db.Query(ctx, listPendingScheduledMessages)
	if err != nil {
		return nil, fmt.Errorf("database error listing pending scheduled messages: %w", err)
	}
	return collectScheduled(rows)
}

const listDueScheduledMessages = `-- name: ListDueScheduledMessages :many
SELECT ` + scheduledColumns + `
FROM scheduled_messages
WHERE status = 'pending' AND schedule_time <= $1
ORDER BY schedule_time
LIMIT $2`

func (s *PostgresStore) ListDueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	rows, err := s.db.Query(ctx, listDueScheduledMessages, now, limit)
	if err != nil {
		return nil, fmt.Errorf("database error listing due scheduled messages: %w", err)
	}
	return collectScheduled(rows)
}

const listScheduledMessagesByUser = `-- name: ListScheduledMessagesByUser :many
SELECT ` + scheduledColumns + `
FROM scheduled_messages
WHERE user_id = $1
ORDER BY schedule_time DESC`

func (s *PostgresStore) ListScheduledMessagesByUser(ctx context.Context, userID uuid.UUID) ([]models.ScheduledMessage, error) {
	rows, err := s.db.Query(ctx, listScheduledMessagesByUser, userID)
	if err != nil {
		return nil, fmt.Errorf("database error listing scheduled messages: %w", err)
	}
	return collectScheduled(rows)
}
