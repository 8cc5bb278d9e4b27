// Package memory is an in-process store.Store used by tests and local runs
// without a database.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"replybridge-backend/internal/models"
	"replybridge-backend/internal/store"
)

var _ store.Store = (*Store)(nil)

type credKey struct {
	userID   uuid.UUID
	platform models.Platform
}

type brandKey struct {
	platform   models.Platform
	routingKey string
}

type clientKey struct {
	userID, brandID uuid.UUID
	contact         string
}

type messageKey struct {
	owner      uuid.UUID
	platform   models.Platform
	chatID     string
	direction  models.Direction
	externalID string
}

type storedMessage struct {
	seq int64
	msg models.Message
}

// Store keeps every table in maps guarded by one mutex. Returned values are copies.
type Store struct {
	mu sync.Mutex

	now func() time.Time
	seq int64

	users         map[string]*models.User
	creds         map[credKey]*models.PlatformCredential
	messages      map[string][]storedMessage
	messageIDs    map[messageKey]struct{}
	contexts      map[string]*models.ConversationContext
	scheduled     map[uuid.UUID]*models.ScheduledMessage
	brands        map[brandKey]*models.BrandChannel
	clients       map[clientKey]*models.Client
	conversations map[uuid.UUID]*models.Conversation // keyed by client id, active only
	agents        map[uuid.UUID]*models.Agent
}

func New() *Store {
	return &Store{
		now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[string]*models.User),
		creds:         make(map[credKey]*models.PlatformCredential),
		messages:      make(map[string][]storedMessage),
		messageIDs:    make(map[messageKey]struct{}),
		contexts:      make(map[string]*models.ConversationContext),
		scheduled:     make(map[uuid.UUID]*models.ScheduledMessage),
		brands:        make(map[brandKey]*models.BrandChannel),
		clients:       make(map[clientKey]*models.Client),
		conversations: make(map[uuid.UUID]*models.Conversation),
		agents:        make(map[uuid.UUID]*models.Agent),
	}
}

// SetClock replaces the time source used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Email]; ok {
		return fmt.Errorf("%w: user %s already exists", store.ErrConflict, user.Email)
	}
	now := s.now()
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	s.users[user.Email] = &cp
	return nil
}

func (s *Store) UpsertPlatformCredential(_ context.Context, cred *models.PlatformCredential) (*models.PlatformCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credKey{cred.UserID, cred.Platform}
	now := s.now()
	cp := *cred
	cp.EncryptedCredentials = append([]byte(nil), cred.EncryptedCredentials...)
	if existing, ok := s.creds[key]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.creds[key] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetPlatformCredential(_ context.Context, userID uuid.UUID, platform models.Platform) (*models.PlatformCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credKey{userID, platform}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListPlatformCredentials(_ context.Context, userID uuid.UUID) ([]models.PlatformCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PlatformCredential
	for k, c := range s.creds {
		if k.userID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (s *Store) DeletePlatformCredential(_ context.Context, userID uuid.UUID, platform models.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credKey{userID, platform}
	if _, ok := s.creds[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.creds, key)
	return nil
}

func (s *Store) InsertMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID != "" {
		key := messageKeyOf(msg)
		if _, dup := s.messageIDs[key]; dup {
			return fmt.Errorf("%w: %s message %s in chat %s", models.ErrDuplicateMessage, msg.Platform, msg.ID, msg.ChatID)
		}
		s.messageIDs[key] = struct{}{}
	}
	cp := *msg
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.now()
	}
	if msg.Metadata != nil {
		cp.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.seq++
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], storedMessage{seq: s.seq, msg: cp})
	return nil
}

func messageKeyOf(msg *models.Message) messageKey {
	var owner uuid.UUID
	if msg.UserID != nil {
		owner = *msg.UserID
	}
	return messageKey{owner, msg.Platform, msg.ChatID, msg.Direction, msg.ID}
}

// newestFirst copies the messages accepted by keep, newest first, up to limit.
func (s *Store) newestFirst(limit int, keep func(*models.Message) bool, chatIDs ...string) []models.Message {
	s.mu.Lock()
	var stored []storedMessage
	if len(chatIDs) == 0 {
		for _, list := range s.messages {
			stored = append(stored, list...)
		}
	} else {
		for _, id := range chatIDs {
			stored = append(stored, s.messages[id]...)
		}
	}
	s.mu.Unlock()

	filtered := stored[:0]
	for _, sm := range stored {
		if keep == nil || keep(&sm.msg) {
			filtered = append(filtered, sm)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
			return a.msg.Timestamp.After(b.msg.Timestamp)
		}
		return a.seq > b.seq
	})
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	out := make([]models.Message, len(filtered))
	for i, sm := range filtered {
		out[i] = sm.msg
	}
	return out
}

func ownedBy(userID uuid.UUID) func(*models.Message) bool {
	return func(m *models.Message) bool { return m.UserID != nil && *m.UserID == userID }
}

func (s *Store) ListMessages(_ context.Context, chatID string, limit int) ([]models.Message, error) {
	return s.newestFirst(limit, nil, chatID), nil
}

func (s *Store) ListMessagesByOwner(_ context.Context, userID uuid.UUID, chatID string, limit int) ([]models.Message, error) {
	return s.newestFirst(limit, ownedBy(userID), chatID), nil
}

func (s *Store) ListMessagesByConversation(_ context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error) {
	return s.newestFirst(limit, func(m *models.Message) bool {
		return m.ConversationID != nil && *m.ConversationID == conversationID
	}), nil
}

func (s *Store) ListChatOwners(_ context.Context, chatID string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var owners []uuid.UUID
	for _, sm := range s.messages[chatID] {
		if sm.msg.UserID == nil || seen[*sm.msg.UserID] {
			continue
		}
		seen[*sm.msg.UserID] = true
		owners = append(owners, *sm.msg.UserID)
	}
	return owners, nil
}

func (s *Store) DeleteMessages(_ context.Context, chatID string) (int64, error) {
	return s.deleteWhere(chatID, nil), nil
}

func (s *Store) DeleteMessagesByOwner(_ context.Context, userID uuid.UUID, chatID string) (int64, error) {
	return s.deleteWhere(chatID, ownedBy(userID)), nil
}

func (s *Store) deleteWhere(chatID string, match func(*models.Message) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.messages[chatID][:0]
	for _, sm := range s.messages[chatID] {
		if match != nil && !match(&sm.msg) {
			kept = append(kept, sm)
			continue
		}
		n++
		if sm.msg.ID != "" {
			delete(s.messageIDs, messageKeyOf(&sm.msg))
		}
	}
	if len(kept) == 0 {
		delete(s.messages, chatID)
	} else {
		s.messages[chatID] = kept
	}
	return n
}

func copyContext(c *models.ConversationContext) *models.ConversationContext {
	cp := *c
	if c.Summary != nil {
		s := *c.Summary
		cp.Summary = &s
	}
	cp.Preferences = append(json.RawMessage(nil), c.Preferences...)
	return &cp
}

func (s *Store) UpsertConversationContext(_ context.Context, upd store.ContextUpdate) (*models.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := upd.At
	if at.IsZero() {
		at = s.now()
	}
	c, ok := s.contexts[upd.ChatID]
	if !ok {
		c = &models.ConversationContext{
			ChatID:         upd.ChatID,
			UserID:         upd.UserID,
			Platform:       upd.Platform,
			FirstMessageAt: at,
			LastMessageAt:  at,
			Preferences:    json.RawMessage(`{}`),
		}
		s.contexts[upd.ChatID] = c
	} else {
		if at.After(c.LastMessageAt) {
			c.LastMessageAt = at
		}
		if c.UserID == "" {
			c.UserID = upd.UserID
		}
	}
	if upd.Inbound {
		c.MessageCount++
	}
	return copyContext(c), nil
}

func (s *Store) GetConversationContext(_ context.Context, chatID string) (*models.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[chatID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyContext(c), nil
}

func (s *Store) UpdateConversationSummary(_ context.Context, chatID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[chatID]
	if !ok {
		return store.ErrNotFound
	}
	c.Summary = &summary
	return nil
}

func (s *Store) MergeConversationPreferences(_ context.Context, chatID string, prefs json.RawMessage) (*models.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[chatID]
	if !ok {
		return nil, store.ErrNotFound
	}
	merged := map[string]any{}
	if len(c.Preferences) > 0 {
		if err := json.Unmarshal(c.Preferences, &merged); err != nil {
			return nil, fmt.Errorf("stored preferences are not an object: %w", err)
		}
	}
	var incoming map[string]any
	if err := json.Unmarshal(prefs, &incoming); err != nil {
		return nil, fmt.Errorf("%w: preferences must be a JSON object", models.ErrValidation)
	}
	for k, v := range incoming {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	c.Preferences = raw
	return copyContext(c), nil
}

func (s *Store) DeleteConversationContext(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, chatID)
	return nil
}

func copyScheduled(m *models.ScheduledMessage) models.ScheduledMessage {
	cp := *m
	if m.ClaimedAt != nil {
		t := *m.ClaimedAt
		cp.ClaimedAt = &t
	}
	return cp
}

func (s *Store) CreateScheduledMessage(_ context.Context, msg *models.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[msg.ID]; ok {
		return store.ErrConflict
	}
	if msg.Status == "" {
		msg.Status = models.ScheduledStatusPending
	}
	now := s.now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	cp := copyScheduled(msg)
	s.scheduled[msg.ID] = &cp
	return nil
}

func (s *Store) GetScheduledMessage(_ context.Context, id uuid.UUID) (*models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.scheduled[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyScheduled(m)
	return &cp, nil
}

func (s *Store) ClaimScheduledMessage(_ context.Context, id uuid.UUID, now, staleBefore time.Time) (*models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.scheduled[id]
	if !ok || m.Status != models.ScheduledStatusPending {
		return nil, store.ErrConflict
	}
	if m.ClaimedAt != nil && !m.ClaimedAt.Before(staleBefore) {
		return nil, store.ErrConflict
	}
	claimed := now
	m.ClaimedAt = &claimed
	m.UpdatedAt = now
	cp := copyScheduled(m)
	return &cp, nil
}

func (s *Store) CompleteScheduledMessage(_ context.Context, arg store.CompleteScheduledParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.scheduled[arg.ID]
	if !ok || m.Status != models.ScheduledStatusPending {
		return store.ErrConflict
	}
	m.Status = arg.Status
	m.SentMessageID = arg.SentMessageID
	m.Error = arg.Error
	m.UpdatedAt = s.now()
	return nil
}

func (s *Store) listScheduled(keep func(*models.ScheduledMessage) bool) []models.ScheduledMessage {
	var out []models.ScheduledMessage
	for _, m := range s.scheduled {
		if keep(m) {
			out = append(out, copyScheduled(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleTime.Before(out[j].ScheduleTime) })
	return out
}

func (s *Store) ListPendingScheduledMessages(_ context.Context) ([]models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listScheduled(func(m *models.ScheduledMessage) bool {
		return m.Status == models.ScheduledStatusPending
	}), nil
}

func (s *Store) ListDueScheduledMessages(_ context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.listScheduled(func(m *models.ScheduledMessage) bool {
		return m.Status == models.ScheduledStatusPending && !m.ScheduleTime.After(now)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListScheduledMessagesByUser(_ context.Context, userID uuid.UUID) ([]models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.listScheduled(func(m *models.ScheduledMessage) bool { return m.UserID == userID })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) GetBrandChannel(_ context.Context, platform models.Platform, routingKey string) (*models.BrandChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.brands[brandKey{platform, routingKey}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *Store) UpsertBrandChannel(_ context.Context, ch *models.BrandChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.brands[brandKey{ch.Platform, ch.RoutingKey}] = &cp
	return nil
}

func (s *Store) UpsertClient(_ context.Context, client *models.Client) (*models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := clientKey{client.UserID, client.BrandID, client.ContactAddress}
	now := s.now()
	if existing, ok := s.clients[key]; ok {
		if client.DisplayName != "" {
			existing.DisplayName = client.DisplayName
		}
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}
	cp := *client
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.clients[key] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetOrCreateActiveConversation(_ context.Context, conv *models.Conversation) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.conversations[conv.ClientID]; ok {
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}
	cp := *conv
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.Status = models.ConversationStatusActive
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.conversations[conv.ClientID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetActiveAgentByBrand(_ context.Context, brandID uuid.UUID) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Agent
	for _, a := range s.agents {
		if a.BrandID != brandID || !a.IsActive {
			continue
		}
		if best == nil || a.UpdatedAt.After(best.UpdatedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *Store) UpsertAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := s.now()
	if existing, ok := s.agents[agent.ID]; ok {
		agent.CreatedAt = existing.CreatedAt
	} else {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}
