package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"replybridge-backend/internal/models"
	"replybridge-backend/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200

	summaryWindow   = 10
	summaryMaxChars = 500
	summaryScan     = 100

	chatLockStripes = 64
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationShared refuses a write to context state that another
	// tenant's messages also feed.
	ErrConversationShared = errors.New("conversation is shared with another account")
)

// ConversationService keeps the message log and per-chat context. The store
// is the source of truth; the context cache is a per-process accelerator that
// is evicted on every write to the same chat id and is never shared across
// instances.
type ConversationService struct {
	store store.Store

	cacheMu sync.RWMutex
	cache   map[string]*models.ConversationContext

	// Writes for one chat id are serialized so the log append and the context
	// update land in the same order for every message.
	locks [chatLockStripes]sync.Mutex
}

func NewConversationService(s store.Store) *ConversationService {
	return &ConversationService{
		store: s,
		cache: make(map[string]*models.ConversationContext),
	}
}

func (s *ConversationService) lockFor(chatID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return &s.locks[h.Sum32()%chatLockStripes]
}

func (s *ConversationService) evict(chatID string) {
	s.cacheMu.Lock()
	delete(s.cache, chatID)
	s.cacheMu.Unlock()
}

// StoreMessage appends msg to the log and then updates the chat's context:
// message_count grows only for inbound messages and last_message_at always
// moves. A provider id already stored returns models.ErrDuplicateMessage and
// leaves the context untouched.
func (s *ConversationService) StoreMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ChatID == "" {
		return fmt.Errorf("%w: message and chat id are required", models.ErrValidation)
	}
	if msg.Status == "" {
		if msg.Direction == models.DirectionInbound {
			msg.Status = models.MessageStatusReceived
		} else {
			msg.Status = models.MessageStatusSent
		}
	}

	mu := s.lockFor(msg.ChatID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, models.ErrDuplicateMessage) {
			log.Printf("[ConversationService] StoreMessage: Duplicate %s message %s in chat %s ignored", msg.Platform, msg.ID, msg.ChatID)
			return err
		}
		log.Printf("ERROR [ConversationService] StoreMessage: Insert failed for chat %s: %v", msg.ChatID, err)
		return fmt.Errorf("failed to store message: %w", err)
	}

	upd := store.ContextUpdate{
		ChatID:   msg.ChatID,
		Platform: msg.Platform,
		Inbound:  msg.Direction == models.DirectionInbound,
		At:       msg.Timestamp,
	}
	if upd.Inbound {
		upd.UserID = msg.Sender.ID
	}
	if _, err := s.store.UpsertConversationContext(ctx, upd); err != nil {
		log.Printf("ERROR [ConversationService] StoreMessage: Context update failed for chat %s: %v", msg.ChatID, err)
		s.evict(msg.ChatID)
		return fmt.Errorf("failed to update conversation context: %w", err)
	}
	s.evict(msg.ChatID)
	return nil
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func oldestFirst(msgs []models.Message) []models.Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

// GetConversationHistory returns up to limit messages, oldest first.
func (s *ConversationService) GetConversationHistory(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	msgs, err := s.store.ListMessages(ctx, chatID, clampHistoryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return oldestFirst(msgs), nil
}

// GetConversationThread returns up to limit messages of one conversation,
// oldest first. Chat ids are only unique per provider bot, so prompts are
// built from the thread rather than from the chat id.
func (s *ConversationService) GetConversationThread(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	msgs, err := s.store.ListMessagesByConversation(ctx, conversationID, clampHistoryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation thread: %w", err)
	}
	return oldestFirst(msgs), nil
}

// GetConversationContext returns nil, nil when the chat has never stored a message.
func (s *ConversationService) GetConversationContext(ctx context.Context, chatID string) (*models.ConversationContext, error) {
	s.cacheMu.RLock()
	cached, ok := s.cache[chatID]
	s.cacheMu.RUnlock()
	if ok {
		return cloneContext(cached), nil
	}

	c, err := s.store.GetConversationContext(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load conversation context: %w", err)
	}

	s.cacheMu.Lock()
	s.cache[chatID] = c
	s.cacheMu.Unlock()
	return cloneContext(c), nil
}

// cloneContext copies c deeply enough that callers cannot reach the cache.
func cloneContext(c *models.ConversationContext) *models.ConversationContext {
	cp := *c
	if c.Summary != nil {
		summary := *c.Summary
		cp.Summary = &summary
	}
	if c.Preferences != nil {
		cp.Preferences = append(json.RawMessage(nil), c.Preferences...)
	}
	return &cp
}

// GenerateConversationSummary is a heuristic compression, not a semantic
// summary: it joins the most recent inbound texts (up to 10, oldest first)
// and cuts the result at 500 characters. It runs only when asked and stores
// the result on the context.
func (s *ConversationService) GenerateConversationSummary(ctx context.Context, chatID string) (string, error) {
	existing, err := s.GetConversationContext(ctx, chatID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", ErrConversationNotFound
	}

	msgs, err := s.store.ListMessages(ctx, chatID, summaryScan)
	if err != nil {
		return "", fmt.Errorf("failed to load messages for summary: %w", err)
	}
	summary, n := summarize(msgs)
	return s.saveSummary(ctx, chatID, summary, n)
}

// summarize joins the newest inbound texts of msgs (newest first on input)
// oldest first and reports how many were used.
func summarize(msgs []models.Message) (string, int) {
	var texts []string
	for _, m := range msgs {
		if m.Direction != models.DirectionInbound || strings.TrimSpace(m.Text) == "" {
			continue
		}
		texts = append(texts, strings.TrimSpace(m.Text))
		if len(texts) == summaryWindow {
			break
		}
	}
	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
	return truncateRunes(strings.Join(texts, " | "), summaryMaxChars), len(texts)
}

func (s *ConversationService) saveSummary(ctx context.Context, chatID, summary string, n int) (string, error) {
	mu := s.lockFor(chatID)
	mu.Lock()
	defer mu.Unlock()
	if err := s.store.UpdateConversationSummary(ctx, chatID, summary); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrConversationNotFound
		}
		return "", fmt.Errorf("failed to save summary: %w", err)
	}
	s.evict(chatID)
	log.Printf("[ConversationService] GenerateConversationSummary: Chat %s summarized from %d inbound messages", chatID, n)
	return summary, nil
}

// UpdatePreferences merges prefs into the chat's stored preferences object.
func (s *ConversationService) UpdatePreferences(ctx context.Context, chatID string, prefs map[string]any) (*models.ConversationContext, error) {
	if len(prefs) == 0 {
		return nil, fmt.Errorf("%w: preferences cannot be empty", models.ErrValidation)
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return nil, fmt.Errorf("%w: preferences are not serializable: %v", models.ErrValidation, err)
	}

	mu := s.lockFor(chatID)
	mu.Lock()
	defer mu.Unlock()
	c, err := s.store.MergeConversationPreferences(ctx, chatID, raw)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to update preferences: %w", err)
	}
	s.evict(chatID)
	return c, nil
}

// ClearConversationHistory deletes every message and the context row for chatID.
func (s *ConversationService) ClearConversationHistory(ctx context.Context, chatID string) (int64, error) {
	mu := s.lockFor(chatID)
	mu.Lock()
	defer mu.Unlock()

	n, err := s.store.DeleteMessages(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	if err := s.store.DeleteConversationContext(ctx, chatID); err != nil {
		s.evict(chatID)
		return n, fmt.Errorf("failed to delete conversation context: %w", err)
	}
	s.evict(chatID)
	log.Printf("[ConversationService] ClearConversationHistory: Removed %d messages for chat %s", n, chatID)
	return n, nil
}

// ownership reports whether userID has messages in chatID and whether it is
// the only account that does. Not owning any message is ErrConversationNotFound.
func (s *ConversationService) ownership(ctx context.Context, userID uuid.UUID, chatID string) (sole bool, err error) {
	owners, err := s.store.ListChatOwners(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("failed to load chat owners: %w", err)
	}
	for _, id := range owners {
		if id == userID {
			return len(owners) == 1, nil
		}
	}
	return false, ErrConversationNotFound
}

// GetUserConversationHistory is GetConversationHistory restricted to the
// messages userID owns in chatID.
func (s *ConversationService) GetUserConversationHistory(ctx context.Context, userID uuid.UUID, chatID string, limit int) ([]models.Message, error) {
	if _, err := s.ownership(ctx, userID, chatID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessagesByOwner(ctx, userID, chatID, clampHistoryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return oldestFirst(msgs), nil
}

// GetUserConversationContext returns the chat's context to one of its owners.
// The stored summary is withheld while other accounts share the chat id since
// it may quote their messages.
func (s *ConversationService) GetUserConversationContext(ctx context.Context, userID uuid.UUID, chatID string) (*models.ConversationContext, error) {
	sole, err := s.ownership(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	c, err := s.GetConversationContext(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConversationNotFound
	}
	if !sole {
		c.Summary = nil
	}
	return c, nil
}

// SummarizeUserConversation summarizes only userID's messages. The result is
// stored on the context only when userID is the chat's sole owner.
func (s *ConversationService) SummarizeUserConversation(ctx context.Context, userID uuid.UUID, chatID string) (string, error) {
	sole, err := s.ownership(ctx, userID, chatID)
	if err != nil {
		return "", err
	}
	msgs, err := s.store.ListMessagesByOwner(ctx, userID, chatID, summaryScan)
	if err != nil {
		return "", fmt.Errorf("failed to load messages for summary: %w", err)
	}
	summary, n := summarize(msgs)
	if !sole {
		log.Printf("[ConversationService] SummarizeUserConversation: Chat %s is shared, summary for UserID %s not stored", chatID, userID)
		return summary, nil
	}
	return s.saveSummary(ctx, chatID, summary, n)
}

// UpdateUserPreferences merges prefs for the chat's sole owner.
func (s *ConversationService) UpdateUserPreferences(ctx context.Context, userID uuid.UUID, chatID string, prefs map[string]any) (*models.ConversationContext, error) {
	sole, err := s.ownership(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if !sole {
		return nil, ErrConversationShared
	}
	return s.UpdatePreferences(ctx, chatID, prefs)
}

// ClearUserConversation deletes userID's messages in chatID. The context row
// goes too once no account has messages left in the chat.
func (s *ConversationService) ClearUserConversation(ctx context.Context, userID uuid.UUID, chatID string) (int64, error) {
	if _, err := s.ownership(ctx, userID, chatID); err != nil {
		return 0, err
	}

	mu := s.lockFor(chatID)
	mu.Lock()
	defer mu.Unlock()
	defer s.evict(chatID)

	n, err := s.store.DeleteMessagesByOwner(ctx, userID, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	remaining, err := s.store.ListMessages(ctx, chatID, 1)
	if err != nil {
		return n, fmt.Errorf("failed to check remaining messages: %w", err)
	}
	if len(remaining) == 0 {
		if err := s.store.DeleteConversationContext(ctx, chatID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, fmt.Errorf("failed to delete conversation context: %w", err)
		}
	}
	log.Printf("[ConversationService] ClearUserConversation: Removed %d messages for UserID %s in chat %s", n, userID, chatID)
	return n, nil
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
