package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybridge-backend/internal/auth"
	"replybridge-backend/internal/integrations"
	"replybridge-backend/internal/integrations/integrationstest"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/ratelimit"
	"replybridge-backend/internal/services"
	"replybridge-backend/internal/store/memory"
)

type stubSender struct {
	result models.SendResult
	last   services.SendRequest
}

func (s *stubSender) Send(_ context.Context, req services.SendRequest) models.SendResult {
	s.last = req
	return s.result
}

func (s *stubSender) SendBulk(_ context.Context, _ uuid.UUID, p models.Platform, recipients []string, _ string) []models.SendResult {
	out := make([]models.SendResult, len(recipients))
	for i, to := range recipients {
		out[i] = models.SendResult{Outcome: models.OutcomeSent, Platform: p, To: to}
		if i%2 == 1 {
			out[i].Outcome = models.OutcomeRateLimited
		}
	}
	return out
}

type stubScheduler struct {
	resp *models.ScheduleMessageResponse
	err  error
}

func (s *stubScheduler) ScheduleMessage(context.Context, services.ScheduleRequest) (*models.ScheduleMessageResponse, error) {
	return s.resp, s.err
}

func (s *stubScheduler) ListScheduled(context.Context, uuid.UUID) ([]models.ScheduledMessage, error) {
	return nil, nil
}

type stubBroadcaster struct {
	sent []*models.Message
	err  error
}

func (s *stubBroadcaster) Broadcast(context.Context, uuid.UUID, string, string) ([]*models.Message, error) {
	return s.sent, s.err
}

type stubDispatcher struct{ err error }

func (s *stubDispatcher) Dispatch(context.Context, services.DispatchRequest) (*services.DispatchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &services.DispatchResult{}, nil
}

type recordingStore struct {
	mu   sync.Mutex
	msgs []*models.Message
}

func (r *recordingStore) StoreMessage(_ context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func authed(req *http.Request, userID uuid.UUID) *http.Request {
	return req.WithContext(auth.WithUserID(req.Context(), userID))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHandleSendMapsOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		result     models.SendResult
		wantStatus int
		retryAfter string
	}{
		{"sent", models.SendResult{Outcome: models.OutcomeSent, MessageID: "m-1"}, http.StatusOK, ""},
		{"credential missing", models.SendResult{Outcome: models.OutcomeCredentialMissing}, http.StatusBadRequest, ""},
		{"validation", models.SendResult{Outcome: models.OutcomeValidationError}, http.StatusBadRequest, ""},
		{"rate limited", models.SendResult{Outcome: models.OutcomeRateLimited, RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "2"},
		{"connection", models.SendResult{Outcome: models.OutcomeConnectionError}, http.StatusServiceUnavailable, ""},
		{"upstream", models.SendResult{Outcome: models.OutcomeUpstreamError}, http.StatusBadGateway, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &stubSender{result: tt.result}
			h := NewMessagingHandlers(sender, &stubScheduler{}, &stubBroadcaster{}, &stubDispatcher{}, nil)
			userID := uuid.New()

			body := `{"platform":"telegram","to":"42","message":"hi","thread_id":"7"}`
			req := authed(httptest.NewRequest(http.MethodPost, "/v1/messages/send", strings.NewReader(body)), userID)
			rec := httptest.NewRecorder()
			h.HandleSend(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			var got models.SendResult
			decode(t, rec, &got)
			assert.Equal(t, tt.result.Outcome, got.Outcome)

			assert.Equal(t, userID, sender.last.UserID)
			assert.Equal(t, models.PlatformTelegram, sender.last.Platform)
			assert.Equal(t, "7", sender.last.Options.ThreadID)
		})
	}
}

func TestHandleSendRejectsBadInput(t *testing.T) {
	h := NewMessagingHandlers(&stubSender{}, &stubScheduler{}, &stubBroadcaster{}, &stubDispatcher{}, nil)

	t.Run("no user", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.HandleSend(rec, httptest.NewRequest(http.MethodPost, "/v1/messages/send", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
	t.Run("unknown platform", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"platform":"fax","to":"1","message":"x"}`)), uuid.New())
		h.HandleSend(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("unknown field", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"platform":"slack","text":"x"}`)), uuid.New())
		h.HandleSend(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleBulkSendCounts(t *testing.T) {
	h := NewMessagingHandlers(&stubSender{}, &stubScheduler{}, &stubBroadcaster{}, &stubDispatcher{}, nil)
	body := `{"platform":"discord","recipients":["a","b","c"],"message":"hello"}`
	rec := httptest.NewRecorder()
	h.HandleBulkSend(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New()))

	require.Equal(t, http.StatusOK, rec.Code)
	var got bulkSendResponse
	decode(t, rec, &got)
	assert.Equal(t, 2, got.Sent)
	assert.Equal(t, 1, got.Failed)
	assert.Len(t, got.Results, 3)

	rec = httptest.NewRecorder()
	h.HandleBulkSend(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"platform":"discord","recipients":[],"message":"x"}`)), uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBulkRecipientLimit(t *testing.T) {
	tests := []struct {
		name          string
		budget, delay time.Duration
		want          int
	}{
		{"default pacing fits the request deadline", 60 * time.Second, 300 * time.Millisecond, 160},
		{"no pacing", 60 * time.Second, 0, maxBulkRecipients},
		{"fast pacing is capped", 60 * time.Second, time.Millisecond, maxBulkRecipients},
		{"slow pacing still allows one", time.Second, 10 * time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BulkRecipientLimit(tt.budget, tt.delay)
			assert.Equal(t, tt.want, got)
			if tt.delay > 0 && got > 1 {
				assert.Less(t, time.Duration(got)*tt.delay, tt.budget)
			}
		})
	}
}

func TestHandleBulkSendRejectsOverLimit(t *testing.T) {
	sender := &countingSender{}
	h := NewMessagingHandlers(sender, &stubScheduler{}, &stubBroadcaster{}, &stubDispatcher{}, nil,
		WithMaxRecipients(BulkRecipientLimit(time.Second, 300*time.Millisecond)))
	body := `{"platform":"discord","recipients":["a","b","c","d"],"message":"hello"}`

	rec := httptest.NewRecorder()
	h.HandleBulkSend(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "max 2")
	assert.Zero(t, sender.bulkCalls)
}

type countingSender struct {
	stubSender
	bulkCalls int
}

func (s *countingSender) SendBulk(ctx context.Context, userID uuid.UUID, p models.Platform, recipients []string, text string) []models.SendResult {
	s.bulkCalls++
	return s.stubSender.SendBulk(ctx, userID, p, recipients, text)
}

func TestHandleBroadcastRecordsMessages(t *testing.T) {
	recorder := &recordingStore{}
	sent := []*models.Message{{ID: "b-1", Platform: models.PlatformSlack, ChatID: "C1", Text: "x"}}
	h := NewMessagingHandlers(&stubSender{}, &stubScheduler{}, &stubBroadcaster{sent: sent}, &stubDispatcher{}, recorder)
	userID := uuid.New()

	rec := httptest.NewRecorder()
	h.HandleBroadcast(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"x","chat_id":"C1"}`)), userID))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, recorder.msgs, 1)
	require.NotNil(t, recorder.msgs[0].UserID)
	assert.Equal(t, userID, *recorder.msgs[0].UserID)

	h = NewMessagingHandlers(&stubSender{}, &stubScheduler{}, &stubBroadcaster{err: models.ErrNoPlatforms}, &stubDispatcher{}, recorder)
	rec = httptest.NewRecorder()
	h.HandleBroadcast(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"x","chat_id":"C1"}`)), userID))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleBroadcastRateLimited(t *testing.T) {
	manager := integrations.NewManager()
	slack := integrationstest.Connected(models.PlatformSlack)
	manager.Register(slack)
	limiter := ratelimit.NewSlidingWindow(1)
	userID := uuid.New()
	_, err := limiter.Reserve(ratelimit.Key(userID.String(), models.PlatformSlack))
	require.NoError(t, err)

	h := NewMessagingHandlers(&stubSender{}, &stubScheduler{}, services.NewBroadcastService(manager, limiter), &stubDispatcher{}, nil)
	rec := httptest.NewRecorder()
	h.HandleBroadcast(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"x","chat_id":"C1"}`)), userID))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Empty(t, slack.Sent())

	// Another account still has its own budget.
	rec = httptest.NewRecorder()
	h.HandleBroadcast(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"x","chat_id":"C1"}`)), uuid.New()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, slack.Sent(), 1)
}

func TestHandleSchedule(t *testing.T) {
	body := `{"platform":"telegram","to":"42","message":"later","schedule_time":"2030-01-01T10:00:00Z"}`

	t.Run("pending is created", func(t *testing.T) {
		sched := &stubScheduler{resp: &models.ScheduleMessageResponse{ScheduleID: uuid.NewString(), Status: "pending"}}
		h := NewMessagingHandlers(&stubSender{}, sched, &stubBroadcaster{}, &stubDispatcher{}, nil)
		rec := httptest.NewRecorder()
		h.HandleSchedule(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New()))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})
	t.Run("immediate is ok", func(t *testing.T) {
		sched := &stubScheduler{resp: &models.ScheduleMessageResponse{ScheduleID: models.ImmediateScheduleID, Status: "sent"}}
		h := NewMessagingHandlers(&stubSender{}, sched, &stubBroadcaster{}, &stubDispatcher{}, nil)
		rec := httptest.NewRecorder()
		h.HandleSchedule(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New()))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("validation", func(t *testing.T) {
		sched := &stubScheduler{err: models.ErrValidation}
		h := NewMessagingHandlers(&stubSender{}, sched, &stubBroadcaster{}, &stubDispatcher{}, nil)
		rec := httptest.NewRecorder()
		h.HandleSchedule(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New()))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("bad time", func(t *testing.T) {
		h := NewMessagingHandlers(&stubSender{}, &stubScheduler{}, &stubBroadcaster{}, &stubDispatcher{}, nil)
		rec := httptest.NewRecorder()
		bad := `{"platform":"telegram","to":"42","message":"later","schedule_time":"tomorrow"}`
		h.HandleSchedule(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(bad)), uuid.New()))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleListScheduledReturnsEmptyArray(t *testing.T) {
	h := NewMessagingHandlers(&stubSender{}, &stubScheduler{}, &stubBroadcaster{}, &stubDispatcher{}, nil)
	rec := httptest.NewRecorder()
	h.HandleListScheduled(rec, authed(httptest.NewRequest(http.MethodGet, "/", nil), uuid.New()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandleDispatchErrors(t *testing.T) {
	body := `{"prompt":"say hi","platform":"slack"}`

	h := NewMessagingHandlers(&stubSender{}, &stubScheduler{}, &stubBroadcaster{}, &stubDispatcher{err: models.ErrValidation}, nil)
	rec := httptest.NewRecorder()
	h.HandleDispatch(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h = NewMessagingHandlers(&stubSender{}, &stubScheduler{}, &stubBroadcaster{}, &stubDispatcher{err: errors.New("model down")}, nil)
	rec = httptest.NewRecorder()
	h.HandleDispatch(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New()))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	h = NewMessagingHandlers(&stubSender{}, &stubScheduler{}, &stubBroadcaster{}, &stubDispatcher{}, nil)
	rec = httptest.NewRecorder()
	h.HandleDispatch(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New()))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type stubProcessor struct {
	mu    sync.Mutex
	calls []string
	block chan struct{}
}

func (p *stubProcessor) ProcessWebhook(_ context.Context, platform models.Platform, routingKey string, _ []byte) services.WebhookOutcome {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.calls = append(p.calls, string(platform)+"/"+routingKey)
	p.mu.Unlock()
	return services.WebhookOutcome{Platform: platform}
}

func (p *stubProcessor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func webhookRouter(h *WebhookHandlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/webhooks/whatsapp", h.HandleWhatsAppVerify)
	r.Post("/webhooks/{platform}", h.HandleWebhook)
	r.Post("/webhooks/{platform}/{routingKey}", h.HandleWebhook)
	return r
}

func ackStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, rec, &body)
	return body["status"]
}

func TestHandleWebhookAcksAndProcessesInBackground(t *testing.T) {
	proc := &stubProcessor{}
	h := NewWebhookHandlers(proc, WebhookSecrets{})
	router := webhookRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/telegram/bakery", strings.NewReader(`{"update_id":1}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "accepted", ackStatus(t, rec))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Drain(ctx))
	assert.Equal(t, []string{"telegram/bakery"}, proc.Calls())
}

func TestHandleWebhookIgnoresUnknownPlatform(t *testing.T) {
	proc := &stubProcessor{}
	h := NewWebhookHandlers(proc, WebhookSecrets{})

	rec := httptest.NewRecorder()
	webhookRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/pager", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", ackStatus(t, rec))
	require.NoError(t, h.Drain(context.Background()))
	assert.Empty(t, proc.Calls())
}

func TestHandleWebhookRejectsBadWhatsAppSignature(t *testing.T) {
	proc := &stubProcessor{}
	h := NewWebhookHandlers(proc, WebhookSecrets{WhatsAppAppSecret: "app-secret"})
	router := webhookRouter(h)
	body := `{"object":"whatsapp_business_account","entry":[]}`

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	router.ServeHTTP(rec, req)
	assert.Equal(t, "rejected", ackStatus(t, rec))

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(body))
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	router.ServeHTTP(rec, req)
	assert.Equal(t, "accepted", ackStatus(t, rec))

	require.NoError(t, h.Drain(context.Background()))
	assert.Equal(t, []string{"whatsapp/"}, proc.Calls())
}

func TestHandleWebhookAnswersSlackChallenge(t *testing.T) {
	proc := &stubProcessor{}
	h := NewWebhookHandlers(proc, WebhookSecrets{})

	body := `{"token":"t","challenge":"abc123","type":"url_verification"}`
	rec := httptest.NewRecorder()
	webhookRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())
	require.NoError(t, h.Drain(context.Background()))
	assert.Empty(t, proc.Calls())
}

func TestDrainHonorsContext(t *testing.T) {
	proc := &stubProcessor{block: make(chan struct{})}
	h := NewWebhookHandlers(proc, WebhookSecrets{})

	rec := httptest.NewRecorder()
	webhookRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/discord", strings.NewReader(`{}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Drain(ctx), context.DeadlineExceeded)

	close(proc.block)
	require.NoError(t, h.Drain(context.Background()))
}

func TestHandleWhatsAppVerify(t *testing.T) {
	h := NewWebhookHandlers(&stubProcessor{}, WebhookSecrets{WhatsAppVerifyToken: "verify-me"})
	router := webhookRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1158201444", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func conversationRouter(h *ConversationHandlers, userID uuid.UUID) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithUserID(req.Context(), userID)))
		})
	})
	r.Route("/conversations/{chatID}", func(r chi.Router) {
		r.Get("/history", h.HandleGetHistory)
		r.Get("/context", h.HandleGetContext)
		r.Post("/summary", h.HandleSummarize)
		r.Patch("/preferences", h.HandleUpdatePreferences)
		r.Delete("/", h.HandleClear)
	})
	return r
}

func seedConversation(t *testing.T, svc *services.ConversationService, userID uuid.UUID, chatID string, texts ...string) {
	t.Helper()
	for i, text := range texts {
		require.NoError(t, svc.StoreMessage(context.Background(), &models.Message{
			ID: fmt.Sprint(i + 1), ChatID: chatID, Text: text, Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Platform: models.PlatformTelegram, Direction: models.DirectionInbound,
			Sender: models.Sender{ID: chatID}, UserID: &userID,
		}))
	}
}

func TestConversationHandlersHideOtherAccounts(t *testing.T) {
	svc := services.NewConversationService(memory.New())
	owner, intruder := uuid.New(), uuid.New()
	seedConversation(t, svc, owner, "c1", "hello")
	router := conversationRouter(NewConversationHandlers(svc), intruder)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/conversations/c1/history", ""},
		{http.MethodGet, "/conversations/c1/context", ""},
		{http.MethodPost, "/conversations/c1/summary", ""},
		{http.MethodPatch, "/conversations/c1/preferences", `{"preferences":{"tone":"warm"}}`},
		{http.MethodDelete, "/conversations/c1/", ""},
		{http.MethodGet, "/conversations/unknown/history", ""},
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}

	history, err := svc.GetConversationHistory(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1, "owner's messages survive the foreign delete")
}

func TestConversationHandlersForOwner(t *testing.T) {
	svc := services.NewConversationService(memory.New())
	owner := uuid.New()
	seedConversation(t, svc, owner, "c1", "hello", "bye")
	router := conversationRouter(NewConversationHandlers(svc), owner)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations/c1/history?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var history []models.Message
	decode(t, rec, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "bye", history[0].Text)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/conversations/c1/summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var summary models.SummaryResponse
	decode(t, rec, &summary)
	assert.Equal(t, "hello | bye", summary.Summary)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/conversations/c1/preferences", strings.NewReader(`{"preferences":{}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations/c1/context", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var c models.ConversationContext
	decode(t, rec, &c)
	assert.EqualValues(t, 2, c.MessageCount)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/conversations/c1/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"chat_id":"c1","deleted":2}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations/c1/context", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationHandlersSharedChatPreferences(t *testing.T) {
	svc := services.NewConversationService(memory.New())
	first, second := uuid.New(), uuid.New()
	seedConversation(t, svc, first, "c1", "from the bakery")
	seedConversation(t, svc, second, "c1", "from the florist")

	rec := httptest.NewRecorder()
	conversationRouter(NewConversationHandlers(svc), second).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/conversations/c1/preferences", strings.NewReader(`{"preferences":{"tone":"warm"}}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type stubStatus struct{}

func (stubStatus) Status() map[models.Platform]models.PlatformStatus {
	return map[models.Platform]models.PlatformStatus{models.PlatformSlack: {Connected: true}}
}

func (stubStatus) DefaultPlatform() models.Platform { return models.PlatformSlack }

func TestHandlePlatformStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	NewPlatformHandlers(stubStatus{}).HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got platformStatusResponse
	decode(t, rec, &got)
	assert.Equal(t, models.PlatformSlack, got.DefaultPlatform)
	assert.True(t, got.Platforms[models.PlatformSlack].Connected)
}
