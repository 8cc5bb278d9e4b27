package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"replybridge-backend/internal/integrations"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/services"
	"replybridge-backend/pkg/httputil"
)

const maxBulkRecipients = 500

// BulkRecipientLimit is how many recipients a bulk send paced at delay can
// reach within budget, keeping a fifth of the budget spare. It stays within
// [1, 500].
func BulkRecipientLimit(budget, delay time.Duration) int {
	if delay <= 0 {
		return maxBulkRecipients
	}
	n := int(budget * 4 / 5 / delay)
	if n < 1 {
		return 1
	}
	if n > maxBulkRecipients {
		return maxBulkRecipients
	}
	return n
}

// Sender is the part of SenderService the messaging endpoints use.
type Sender interface {
	Send(ctx context.Context, req services.SendRequest) models.SendResult
	SendBulk(ctx context.Context, userID uuid.UUID, platform models.Platform, recipients []string, text string) []models.SendResult
}

// Scheduler is the part of SchedulerService the messaging endpoints use.
type Scheduler interface {
	ScheduleMessage(ctx context.Context, req services.ScheduleRequest) (*models.ScheduleMessageResponse, error)
	ListScheduled(ctx context.Context, userID uuid.UUID) ([]models.ScheduledMessage, error)
}

// Broadcaster fans a caller's message out over the system-wide adapters,
// charging the caller's rate limit.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID uuid.UUID, text, chatID string) ([]*models.Message, error)
}

// Dispatcher runs one free-text instruction through the tool-calling model.
type Dispatcher interface {
	Dispatch(ctx context.Context, req services.DispatchRequest) (*services.DispatchResult, error)
}

type MessagingHandlers struct {
	sender        Sender
	scheduler     Scheduler
	broadcaster   Broadcaster
	dispatcher    Dispatcher
	recorder      services.MessageRecorder
	maxRecipients int
}

// MessagingOption configures MessagingHandlers.
type MessagingOption func(*MessagingHandlers)

// WithMaxRecipients caps the recipients of one bulk request.
func WithMaxRecipients(n int) MessagingOption {
	return func(h *MessagingHandlers) {
		if n > 0 {
			h.maxRecipients = n
		}
	}
}

func NewMessagingHandlers(sender Sender, scheduler Scheduler, broadcaster Broadcaster, dispatcher Dispatcher, recorder services.MessageRecorder, opts ...MessagingOption) *MessagingHandlers {
	h := &MessagingHandlers{
		sender:        sender,
		scheduler:     scheduler,
		broadcaster:   broadcaster,
		dispatcher:    dispatcher,
		recorder:      recorder,
		maxRecipients: maxBulkRecipients,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleSend handles POST /v1/messages/send. The body is the tagged send
// result; its outcome picks the status code.
func (h *MessagingHandlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req models.SendMessageRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.sender.Send(r.Context(), services.SendRequest{
		UserID:   userID,
		Platform: platform,
		To:       req.To,
		Text:     req.Message,
		Options: integrations.SendOptions{
			ThreadID:  req.ThreadID,
			ReplyToID: req.ReplyToID,
			PhotoURL:  req.PhotoURL,
		},
	})
	respondSendResult(w, result)
}

type bulkSendResponse struct {
	Sent    int                 `json:"sent"`
	Failed  int                 `json:"failed"`
	Results []models.SendResult `json:"results"`
}

// HandleBulkSend handles POST /v1/messages/bulk.
func (h *MessagingHandlers) HandleBulkSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req models.BulkSendRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Recipients) == 0 || strings.TrimSpace(req.Message) == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Missing required fields: recipients, message")
		return
	}
	if len(req.Recipients) > h.maxRecipients {
		httputil.RespondError(w, http.StatusBadRequest, fmt.Sprintf("Too many recipients (max %d per request)", h.maxRecipients))
		return
	}

	resp := bulkSendResponse{Results: h.sender.SendBulk(r.Context(), userID, platform, req.Recipients, req.Message)}
	for _, res := range resp.Results {
		if res.Success() {
			resp.Sent++
		} else {
			resp.Failed++
		}
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// HandleBroadcast handles POST /v1/messages/broadcast. It uses the system
// adapters, not the caller's own credentials.
func (h *MessagingHandlers) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req models.BroadcastRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.ChatID) == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Missing required fields: message, chat_id")
		return
	}

	sent, err := h.broadcaster.Broadcast(r.Context(), userID, req.Message, req.ChatID)
	if err != nil {
		if limited, retryAfter := services.IsRateLimited(err); limited {
			setRetryAfter(w, retryAfter)
			httputil.RespondError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		log.Printf("ERROR [MessagingHandler] HandleBroadcast for UserID %s: %v", userID, err)
		httputil.RespondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if h.recorder != nil {
		for _, msg := range sent {
			msg.UserID = &userID
			msg.Status = models.MessageStatusSent
			if err := h.recorder.StoreMessage(r.Context(), msg); err != nil {
				log.Printf("WARN [MessagingHandler] HandleBroadcast: Could not record %s message %s: %v", msg.Platform, msg.ID, err)
			}
		}
	}
	httputil.RespondJSON(w, http.StatusOK, models.BroadcastResponse{Sent: sent})
}

// HandleSchedule handles POST /v1/messages/schedule. A time that is already
// due is sent right away and answered with 200; a pending row gets 201.
func (h *MessagingHandlers) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req models.ScheduleMessageRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request payload (schedule_time must be RFC 3339)")
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.scheduler.ScheduleMessage(r.Context(), services.ScheduleRequest{
		UserID:       userID,
		Platform:     platform,
		To:           req.To,
		Message:      req.Message,
		ScheduleTime: req.ScheduleTime,
		WebhookID:    req.WebhookID,
	})
	if err != nil {
		log.Printf("ERROR [MessagingHandler] HandleSchedule for UserID %s: %v", userID, err)
		if errors.Is(err, models.ErrValidation) {
			httputil.RespondError(w, http.StatusBadRequest, err.Error())
		} else {
			httputil.RespondError(w, http.StatusInternalServerError, "Failed to schedule message")
		}
		return
	}

	status := http.StatusCreated
	if resp.ScheduleID == models.ImmediateScheduleID {
		status = http.StatusOK
	}
	httputil.RespondJSON(w, status, resp)
}

// HandleListScheduled handles GET /v1/messages/scheduled
func (h *MessagingHandlers) HandleListScheduled(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	rows, err := h.scheduler.ListScheduled(r.Context(), userID)
	if err != nil {
		log.Printf("ERROR [MessagingHandler] HandleListScheduled for UserID %s: %v", userID, err)
		httputil.RespondError(w, http.StatusInternalServerError, "Failed to list scheduled messages")
		return
	}
	if rows == nil {
		rows = []models.ScheduledMessage{}
	}
	httputil.RespondJSON(w, http.StatusOK, rows)
}

// HandleDispatch handles POST /v1/ai/dispatch
func (h *MessagingHandlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req models.DispatchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), services.DispatchRequest{
		UserID:       userID,
		Platform:     platform,
		Prompt:       req.Prompt,
		BrandContext: req.BrandContext,
		ChatID:       req.ChatID,
	})
	if err != nil {
		log.Printf("ERROR [MessagingHandler] HandleDispatch for UserID %s: %v", userID, err)
		if errors.Is(err, models.ErrValidation) {
			httputil.RespondError(w, http.StatusBadRequest, err.Error())
		} else {
			httputil.RespondError(w, http.StatusBadGateway, "AI completion failed")
		}
		return
	}
	httputil.RespondJSON(w, http.StatusOK, res)
}
