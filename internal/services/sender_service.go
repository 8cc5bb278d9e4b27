package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"replybridge-backend/internal/integrations"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/ratelimit"
)

// CredentialSource resolves the bundle used for one outbound send.
type CredentialSource interface {
	GetPlatformCredentials(ctx context.Context, userID uuid.UUID, platform models.Platform) (*models.CredentialBundle, error)
}

// MessageRecorder persists outbound messages, successful or not.
type MessageRecorder interface {
	StoreMessage(ctx context.Context, msg *models.Message) error
}

// SendRequest is one outbound message on behalf of a user.
type SendRequest struct {
	UserID   uuid.UUID
	Platform models.Platform
	To       string
	Text     string
	Options  integrations.SendOptions

	AIGenerated    bool
	AgentID        *uuid.UUID
	BrandID        *uuid.UUID
	ClientID       *uuid.UUID
	ConversationID *uuid.UUID
}

// SenderService delivers messages with the user's own credentials. Every call
// is admitted by the per (user, platform) sliding window first; only
// successful sends keep their slot.
type SenderService struct {
	creds      CredentialSource
	limiter    *ratelimit.SlidingWindow
	recorder   MessageRecorder
	factory    integrations.Factory
	httpClient *http.Client
	bulkDelay  time.Duration
	now        func() time.Time
}

type SenderOption func(*SenderService)

func WithAdapterFactory(f integrations.Factory) SenderOption {
	return func(s *SenderService) { s.factory = f }
}

func WithSenderHTTPClient(c *http.Client) SenderOption {
	return func(s *SenderService) { s.httpClient = c }
}

// WithBulkDelay sets the pause between consecutive bulk sends.
func WithBulkDelay(d time.Duration) SenderOption {
	return func(s *SenderService) { s.bulkDelay = d }
}

func NewSenderService(creds CredentialSource, limiter *ratelimit.SlidingWindow, recorder MessageRecorder, opts ...SenderOption) *SenderService {
	s := &SenderService{
		creds:     creds,
		limiter:   limiter,
		recorder:  recorder,
		factory:   integrations.New,
		bulkDelay: 300 * time.Millisecond,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateSend(req SendRequest) error {
	if req.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	if !req.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", models.ErrValidation, req.Platform)
	}
	if strings.TrimSpace(req.To) == "" {
		return fmt.Errorf("%w: recipient is required", models.ErrValidation)
	}
	if strings.TrimSpace(req.Text) == "" && req.Options.PhotoURL == "" {
		return fmt.Errorf("%w: message text is required", models.ErrValidation)
	}
	return nil
}

// Send never returns a Go error; the outcome is tagged on the result.
func (s *SenderService) Send(ctx context.Context, req SendRequest) models.SendResult {
	result := models.SendResult{Platform: req.Platform, To: req.To}

	if err := validateSend(req); err != nil {
		return s.fail(ctx, req, result, err)
	}

	bundle, err := s.creds.GetPlatformCredentials(ctx, req.UserID, req.Platform)
	if err != nil {
		log.Printf("WARN [SenderService] Send: No usable %s credentials for UserID %s: %v", req.Platform, req.UserID, err)
		return s.fail(ctx, req, result, err)
	}

	reservation, err := s.limiter.Reserve(ratelimit.Key(req.UserID.String(), req.Platform))
	if err != nil {
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			result.RetryAfter = exceeded.RetryAfter
		}
		log.Printf("WARN [SenderService] Send: Rate limit hit for UserID %s on %s", req.UserID, req.Platform)
		return s.fail(ctx, req, result, err)
	}

	msg, err := s.deliver(ctx, bundle, req)
	if err != nil {
		reservation.Cancel()
		log.Printf("ERROR [SenderService] Send: %s send to %s failed for UserID %s: %v", req.Platform, req.To, req.UserID, err)
		return s.fail(ctx, req, result, err)
	}

	s.decorate(msg, req, models.MessageStatusSent, "")
	s.record(ctx, msg)

	result.Outcome = models.OutcomeSent
	result.MessageID = msg.ID
	result.Message = msg
	return result
}

func (s *SenderService) deliver(ctx context.Context, bundle *models.CredentialBundle, req SendRequest) (*models.Message, error) {
	adapter, err := s.factory(req.Platform, integrations.Config{Bundle: bundle, HTTPClient: s.httpClient})
	if err != nil {
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, err
	}
	return adapter.SendMessage(ctx, req.To, req.Text, req.Options)
}

func (s *SenderService) decorate(msg *models.Message, req SendRequest, status models.MessageStatus, errText string) {
	userID := req.UserID
	msg.UserID = &userID
	msg.Status = status
	msg.Error = errText
	msg.Direction = models.DirectionOutbound
	msg.BrandID = req.BrandID
	msg.ClientID = req.ClientID
	msg.ConversationID = req.ConversationID
	if req.Options.ThreadID != "" {
		msg.SetMeta(models.MetaThreadID, req.Options.ThreadID)
	}
	if req.AIGenerated {
		msg.AIGenerated = true
		msg.AgentID = req.AgentID
		msg.SetMeta(models.MetaAIGenerated, true)
		if req.AgentID != nil {
			msg.SetMeta(models.MetaAgentID, req.AgentID.String())
		}
	}
}

// fail tags result with err's outcome and keeps a failed row in the message
// log so the error stays visible downstream.
func (s *SenderService) fail(ctx context.Context, req SendRequest, result models.SendResult, err error) models.SendResult {
	result.Outcome = models.OutcomeForError(err)
	result.Error = err.Error()

	if result.Outcome != models.OutcomeValidationError && req.To != "" {
		msg := &models.Message{
			ChatID:    req.To,
			Text:      req.Text,
			Timestamp: s.now(),
			Platform:  req.Platform,
			Sender:    models.Sender{ID: "system"},
		}
		s.decorate(msg, req, models.MessageStatusFailed, result.Error)
		s.record(ctx, msg)
	}
	return result
}

func (s *SenderService) record(ctx context.Context, msg *models.Message) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.StoreMessage(context.WithoutCancel(ctx), msg); err != nil {
		log.Printf("ERROR [SenderService] record: Failed to persist outbound %s message for chat %s: %v", msg.Platform, msg.ChatID, err)
	}
}

// SendBulk sends text to each recipient in order, pacing consecutive sends by
// the bulk delay. The pacing is backpressure only; each result is independent.
// A cancelled context marks the remaining recipients as connection errors.
func (s *SenderService) SendBulk(ctx context.Context, userID uuid.UUID, platform models.Platform, recipients []string, text string) []models.SendResult {
	pace := rate.NewLimiter(rate.Inf, 1)
	if s.bulkDelay > 0 {
		pace = rate.NewLimiter(rate.Every(s.bulkDelay), 1)
	}

	results := make([]models.SendResult, 0, len(recipients))
	for _, to := range recipients {
		if err := pace.Wait(ctx); err != nil {
			results = append(results, models.SendResult{
				Outcome:  models.OutcomeConnectionError,
				Platform: platform,
				To:       to,
				Error:    fmt.Sprintf("bulk send interrupted: %v", err),
			})
			continue
		}
		results = append(results, s.Send(ctx, SendRequest{UserID: userID, Platform: platform, To: to, Text: text}))
	}

	sent := 0
	for _, r := range results {
		if r.Success() {
			sent++
		}
	}
	log.Printf("[SenderService] SendBulk: %d/%d %s messages sent for UserID %s", sent, len(results), platform, userID)
	return results
}
