package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"replybridge-backend/internal/models"
	"replybridge-backend/internal/services"
	"replybridge-backend/pkg/httputil"
)

// ConversationService defines what the conversation endpoints need. Every
// call is scoped to the authenticated account; a chat it has no messages in
// is reported as services.ErrConversationNotFound.
type ConversationService interface {
	GetUserConversationHistory(ctx context.Context, userID uuid.UUID, chatID string, limit int) ([]models.Message, error)
	GetUserConversationContext(ctx context.Context, userID uuid.UUID, chatID string) (*models.ConversationContext, error)
	SummarizeUserConversation(ctx context.Context, userID uuid.UUID, chatID string) (string, error)
	UpdateUserPreferences(ctx context.Context, userID uuid.UUID, chatID string, prefs map[string]any) (*models.ConversationContext, error)
	ClearUserConversation(ctx context.Context, userID uuid.UUID, chatID string) (int64, error)
}

type ConversationHandlers struct {
	conversations ConversationService
}

func NewConversationHandlers(cs ConversationService) *ConversationHandlers {
	return &ConversationHandlers{conversations: cs}
}

// respondConversationError covers the errors shared by every conversation endpoint.
func respondConversationError(w http.ResponseWriter, op, chatID string, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		httputil.RespondError(w, http.StatusNotFound, services.ErrConversationNotFound.Error())
	case errors.Is(err, services.ErrConversationShared):
		httputil.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrValidation):
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("ERROR [ConversationHandler] %s for chat %s: %v", op, chatID, err)
		httputil.RespondError(w, http.StatusInternalServerError, fallback)
	}
}

// HandleGetHistory handles GET /v1/conversations/{chatID}/history?limit=N
func (h *ConversationHandlers) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	chatID := chi.URLParam(r, "chatID")
	limit := queryInt(r, "limit", services.DefaultHistoryLimit)

	msgs, err := h.conversations.GetUserConversationHistory(r.Context(), userID, chatID, limit)
	if err != nil {
		respondConversationError(w, "HandleGetHistory", chatID, err, "Failed to load conversation history")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	httputil.RespondJSON(w, http.StatusOK, msgs)
}

// HandleGetContext handles GET /v1/conversations/{chatID}/context
func (h *ConversationHandlers) HandleGetContext(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	chatID := chi.URLParam(r, "chatID")
	c, err := h.conversations.GetUserConversationContext(r.Context(), userID, chatID)
	if err != nil {
		respondConversationError(w, "HandleGetContext", chatID, err, "Failed to load conversation context")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, c)
}

// HandleSummarize handles POST /v1/conversations/{chatID}/summary
func (h *ConversationHandlers) HandleSummarize(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	chatID := chi.URLParam(r, "chatID")
	summary, err := h.conversations.SummarizeUserConversation(r.Context(), userID, chatID)
	if err != nil {
		respondConversationError(w, "HandleSummarize", chatID, err, "Failed to summarize conversation")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, models.SummaryResponse{ChatID: chatID, Summary: summary})
}

// HandleUpdatePreferences handles PATCH /v1/conversations/{chatID}/preferences
func (h *ConversationHandlers) HandleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	chatID := chi.URLParam(r, "chatID")
	var req models.UpdatePreferencesRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	c, err := h.conversations.UpdateUserPreferences(r.Context(), userID, chatID, req.Preferences)
	if err != nil {
		respondConversationError(w, "HandleUpdatePreferences", chatID, err, "Failed to update preferences")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, c)
}

// HandleClear handles DELETE /v1/conversations/{chatID}
func (h *ConversationHandlers) HandleClear(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	chatID := chi.URLParam(r, "chatID")
	n, err := h.conversations.ClearUserConversation(r.Context(), userID, chatID)
	if err != nil {
		respondConversationError(w, "HandleClear", chatID, err, "Failed to clear conversation")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "deleted": n})
}
