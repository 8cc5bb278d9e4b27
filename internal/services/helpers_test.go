package services

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"replybridge-backend/internal/crypto"
	"replybridge-backend/internal/events"
	"replybridge-backend/internal/integrations/integrationstest"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/ratelimit"
	"replybridge-backend/internal/store/memory"
)

// fakeClock fires timers only from Advance, on the calling goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// eventRecorder collects published events.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) All() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type testEnv struct {
	store         *memory.Store
	factory       *integrationstest.Factory
	creds         *CredentialsService
	conversations *ConversationService
	limiter       *ratelimit.SlidingWindow
	sender        *SenderService
	userID        uuid.UUID
}

func newTestEnv(t *testing.T, limit int) *testEnv {
	t.Helper()
	aead, err := crypto.NewAESGCM(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	st := memory.New()
	factory := integrationstest.NewFactory()
	creds := NewCredentialsService(st, aead, factory.Build)
	conversations := NewConversationService(st)
	limiter := ratelimit.NewSlidingWindow(limit)
	sender := NewSenderService(creds, limiter, conversations,
		WithAdapterFactory(factory.Build),
		WithBulkDelay(time.Millisecond),
	)
	return &testEnv{
		store:         st,
		factory:       factory,
		creds:         creds,
		conversations: conversations,
		limiter:       limiter,
		sender:        sender,
		userID:        uuid.New(),
	}
}

var testCredentials = map[models.Platform]map[string]string{
	models.PlatformTelegram: {models.CredBotToken: "123:abc"},
	models.PlatformWhatsApp: {models.CredAccessToken: "EAAG", models.CredPhoneNumberID: "pn-1"},
	models.PlatformSlack:    {models.CredBotToken: "xoxb-1"},
	models.PlatformDiscord:  {models.CredBotToken: "discord-token"},
}

func (e *testEnv) addCredentials(t *testing.T, userID uuid.UUID, p models.Platform) {
	t.Helper()
	_, err := e.creds.SaveCredentials(context.Background(), userID, models.CreateCredentialRequest{
		Platform:    string(p),
		Credentials: testCredentials[p],
		SkipTest:    true,
	})
	require.NoError(t, err)
}
