// Package events carries scheduler and delivery notifications to whoever is listening.
package events

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"replybridge-backend/internal/models"
)

type Type string

const (
	TypeMessageSent   Type = "message_sent"
	TypeMessageFailed Type = "message_failed"
)

// Event reports the terminal state of a scheduled send.
type Event struct {
	Type               Type            `json:"type"`
	ScheduledMessageID uuid.UUID       `json:"scheduled_message_id"`
	WebhookID          *string         `json:"webhook_id,omitempty"`
	UserID             uuid.UUID       `json:"user_id"`
	Platform           models.Platform `json:"platform"`
	To                 string          `json:"to"`
	MessageID          string          `json:"message_id,omitempty"`
	Error              string          `json:"error,omitempty"`
	At                 time.Time       `json:"at"`
}

// Publisher delivers an event. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes each event to the standard logger.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, ev Event) error {
	if ev.Error != "" {
		log.Printf("WARN [Events] %s: scheduled=%s platform=%s to=%s error=%s", ev.Type, ev.ScheduledMessageID, ev.Platform, ev.To, ev.Error)
		return nil
	}
	log.Printf("[Events] %s: scheduled=%s platform=%s to=%s message_id=%s", ev.Type, ev.ScheduledMessageID, ev.Platform, ev.To, ev.MessageID)
	return nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
