package models

import (
	"time"

	"github.com/google/uuid"
)

// ScheduledStatus moves exactly once: pending -> sent or pending -> failed.
type ScheduledStatus string

const (
	ScheduledStatusPending ScheduledStatus = "pending"
	ScheduledStatusSent    ScheduledStatus = "sent"
	ScheduledStatusFailed  ScheduledStatus = "failed"
)

// ImmediateScheduleID is reported when a schedule time is already due and the
// message was sent inline instead of being deferred.
const ImmediateScheduleID = "immediate"

// ScheduledMessage is a deferred send. The row is the source of truth; timers
// are an in-process accelerator rebuilt on startup.
type ScheduledMessage struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	UserID        uuid.UUID       `db:"user_id" json:"user_id"`
	Platform      Platform        `db:"platform" json:"platform"`
	To            string          `db:"recipient" json:"to"`
	Message       string          `db:"message" json:"message"`
	ScheduleTime  time.Time       `db:"schedule_time" json:"schedule_time"`
	Status        ScheduledStatus `db:"status" json:"status"`
	WebhookID     *string         `db:"webhook_id" json:"webhook_id,omitempty"`
	Error         *string         `db:"error" json:"error,omitempty"`
	SentMessageID *string         `db:"sent_message_id" json:"sent_message_id,omitempty"`
	ClaimedAt     *time.Time      `db:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}
