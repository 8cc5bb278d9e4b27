package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"replybridge-backend/internal/events"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/store"
)

// Timer is the part of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

// Clock lets tests drive the scheduler deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// MessageSender is what the scheduler and dispatcher need from SenderService.
type MessageSender interface {
	Send(ctx context.Context, req SendRequest) models.SendResult
}

// ScheduleRequest defers one message.
type ScheduleRequest struct {
	UserID       uuid.UUID
	Platform     models.Platform
	To           string
	Message      string
	ScheduleTime time.Time
	WebhookID    *string
}

const (
	defaultClaimTTL   = 2 * time.Minute
	defaultSweepBatch = 100
)

// SchedulerService persists deferred sends and fires them. Rows are the source
// of truth: timers only make delivery prompt, and Start re-arms them from the
// store after a restart. A row fires at most once per claim; a claim older
// than the claim TTL is treated as abandoned and can be retaken.
type SchedulerService struct {
	store     store.Store
	sender    MessageSender
	publisher events.Publisher
	clock     Clock

	sweepInterval time.Duration
	claimTTL      time.Duration

	mu      sync.Mutex
	timers  map[uuid.UUID]Timer
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type SchedulerOption func(*SchedulerService)

func WithClock(c Clock) SchedulerOption {
	return func(s *SchedulerService) { s.clock = c }
}

func WithSweepInterval(d time.Duration) SchedulerOption {
	return func(s *SchedulerService) { s.sweepInterval = d }
}

func WithClaimTTL(d time.Duration) SchedulerOption {
	return func(s *SchedulerService) { s.claimTTL = d }
}

func NewSchedulerService(st store.Store, sender MessageSender, publisher events.Publisher, opts ...SchedulerOption) *SchedulerService {
	if publisher == nil {
		publisher = events.Discard{}
	}
	s := &SchedulerService{
		store:         st,
		sender:        sender,
		publisher:     publisher,
		clock:         realClock{},
		sweepInterval: 30 * time.Second,
		claimTTL:      defaultClaimTTL,
		timers:        make(map[uuid.UUID]Timer),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateSchedule(req ScheduleRequest) error {
	if req.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	if !req.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", models.ErrValidation, req.Platform)
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: recipient and message are required", models.ErrValidation)
	}
	if req.ScheduleTime.IsZero() {
		return fmt.Errorf("%w: schedule time is required", models.ErrValidation)
	}
	return nil
}

// ScheduleMessage sends right away when the time is already due and reports
// the "immediate" pseudo id; otherwise it stores a pending row and arms a timer.
func (s *SchedulerService) ScheduleMessage(ctx context.Context, req ScheduleRequest) (*models.ScheduleMessageResponse, error) {
	if err := validateSchedule(req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !req.ScheduleTime.After(now) {
		log.Printf("[Scheduler] ScheduleMessage: Time %s already due, sending %s message to %s now", req.ScheduleTime.Format(time.RFC3339), req.Platform, req.To)
		result := s.sender.Send(ctx, SendRequest{UserID: req.UserID, Platform: req.Platform, To: req.To, Text: req.Message})
		status := models.ScheduledStatusSent
		if !result.Success() {
			status = models.ScheduledStatusFailed
		}
		s.publish(ctx, eventFor(status, uuid.Nil, req.WebhookID, req.UserID, req.Platform, req.To, result, now))
		return &models.ScheduleMessageResponse{
			ScheduleID: models.ImmediateScheduleID,
			Status:     string(status),
			Result:     &result,
		}, nil
	}

	row := &models.ScheduledMessage{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Platform:     req.Platform,
		To:           req.To,
		Message:      req.Message,
		ScheduleTime: req.ScheduleTime.UTC(),
		Status:       models.ScheduledStatusPending,
		WebhookID:    req.WebhookID,
	}
	if err := s.store.CreateScheduledMessage(ctx, row); err != nil {
		log.Printf("ERROR [Scheduler] ScheduleMessage: Failed to persist scheduled message: %v", err)
		return nil, fmt.Errorf("%w: %v", models.ErrScheduling, err)
	}
	s.arm(row.ID, row.ScheduleTime)

	log.Printf("[Scheduler] ScheduleMessage: %s scheduled for %s on %s", row.ID, row.ScheduleTime.Format(time.RFC3339), row.Platform)
	return &models.ScheduleMessageResponse{ScheduleID: row.ID.String(), Status: string(row.Status)}, nil
}

func (s *SchedulerService) ListScheduled(ctx context.Context, userID uuid.UUID) ([]models.ScheduledMessage, error) {
	msgs, err := s.store.ListScheduledMessagesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled messages: %w", err)
	}
	return msgs, nil
}

func (s *SchedulerService) arm(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, armed := s.timers[id]; armed {
		return
	}
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = s.clock.AfterFunc(delay, func() { s.fire(id) })
}

// fire claims, sends and finalizes one row. Losing the claim is not an error:
// another worker (the sweep or a second instance) owns the row.
func (s *SchedulerService) fire(id uuid.UUID) {
	s.mu.Lock()
	delete(s.timers, id)
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := context.Background()
	now := s.clock.Now()
	row, err := s.store.ClaimScheduledMessage(ctx, id, now, now.Add(-s.claimTTL))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Printf("[Scheduler] fire: %s already claimed or finished, skipping", id)
			return
		}
		log.Printf("ERROR [Scheduler] fire: Claim failed for %s: %v", id, err)
		return
	}

	result := s.sender.Send(ctx, SendRequest{UserID: row.UserID, Platform: row.Platform, To: row.To, Text: row.Message})

	params := store.CompleteScheduledParams{ID: row.ID, Status: models.ScheduledStatusSent}
	if result.Success() {
		params.SentMessageID = &result.MessageID
	} else {
		params.Status = models.ScheduledStatusFailed
		errText := result.Error
		params.Error = &errText
	}
	if err := s.store.CompleteScheduledMessage(ctx, params); err != nil {
		log.Printf("ERROR [Scheduler] fire: Could not finalize %s as %s: %v", row.ID, params.Status, err)
		return
	}

	log.Printf("[Scheduler] fire: %s -> %s (%s)", row.ID, params.Status, result.Outcome)
	s.publish(ctx, eventFor(params.Status, row.ID, row.WebhookID, row.UserID, row.Platform, row.To, result, s.clock.Now()))
}

func eventFor(status models.ScheduledStatus, id uuid.UUID, webhookID *string, userID uuid.UUID, p models.Platform, to string, result models.SendResult, at time.Time) events.Event {
	ev := events.Event{
		Type:               events.TypeMessageSent,
		ScheduledMessageID: id,
		WebhookID:          webhookID,
		UserID:             userID,
		Platform:           p,
		To:                 to,
		MessageID:          result.MessageID,
		At:                 at,
	}
	if status != models.ScheduledStatusSent {
		ev.Type = events.TypeMessageFailed
		ev.Error = result.Error
	}
	return ev
}

func (s *SchedulerService) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("WARN [Scheduler] publish: %s event for %s not delivered: %v", ev.Type, ev.ScheduledMessageID, err)
	}
}

// Start re-arms every pending row (overdue rows fire right away) and starts
// the periodic sweep that picks up rows whose timer was lost.
func (s *SchedulerService) Start(ctx context.Context) error {
	pending, err := s.store.ListPendingScheduledMessages(ctx)
	if err != nil {
		return fmt.Errorf("%w: recovery scan failed: %v", models.ErrScheduling, err)
	}
	for _, row := range pending {
		s.arm(row.ID, row.ScheduleTime)
	}
	log.Printf("[Scheduler] Start: Recovered %d pending scheduled messages", len(pending))

	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return nil
}

func (s *SchedulerService) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n, err := s.Sweep(context.Background()); err != nil {
				log.Printf("ERROR [Scheduler] sweep: %v", err)
			} else if n > 0 {
				log.Printf("[Scheduler] sweep: Fired %d due messages", n)
			}
		}
	}
}

// Sweep fires every due pending row and returns how many it attempted.
func (s *SchedulerService) Sweep(ctx context.Context) (int, error) {
	due, err := s.store.ListDueScheduledMessages(ctx, s.clock.Now(), defaultSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list due scheduled messages: %w", err)
	}
	for _, row := range due {
		s.mu.Lock()
		if t, ok := s.timers[row.ID]; ok {
			t.Stop()
		}
		s.mu.Unlock()
		s.fire(row.ID)
	}
	return len(due), nil
}

// Stop cancels armed timers and waits for in-flight sends. Rows stay pending
// and are picked up by the next Start.
func (s *SchedulerService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	log.Println("[Scheduler] Stop: Scheduler stopped")
}

// Armed reports how many timers are currently waiting.
func (s *SchedulerService) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
