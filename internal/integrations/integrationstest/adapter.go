// Package integrationstest provides an in-memory integrations.Adapter for tests.
package integrationstest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"replybridge-backend/internal/integrations"
	"replybridge-backend/internal/models"
)

var _ integrations.Adapter = (*Adapter)(nil)

// Sent is one recorded SendMessage call.
type Sent struct {
	ChatID string
	Text   string
	Opts   integrations.SendOptions
}

// Adapter records sends and can be told to fail. Inbound payloads are JSON
// objects {"id","chat_id","text","sender","routing_key"}.
type Adapter struct {
	mu         sync.Mutex
	platform   models.Platform
	connected  bool
	sendErr    error
	connectErr error
	sent       []Sent
	seq        int
}

// New returns a disconnected fake for platform p.
func New(p models.Platform) *Adapter {
	return &Adapter{platform: p}
}

// Connected returns a fake that is already connected.
func Connected(p models.Platform) *Adapter {
	a := New(p)
	a.connected = true
	return a
}

// FailSends makes every later SendMessage return err.
func (a *Adapter) FailSends(err error) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
	return a
}

// FailConnect makes Connect return err.
func (a *Adapter) FailConnect(err error) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
	return a
}

// Sent returns a copy of every successful send.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.sent...)
}

func (a *Adapter) Platform() models.Platform { return a.platform }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return a.connectErr
	}
	a.connected = true
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, text string, opts integrations.SendOptions) (*models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("%w: fake %s", models.ErrConnection, a.platform)
	}
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	if chatID == "" || (text == "" && opts.PhotoURL == "") {
		return nil, fmt.Errorf("%w: chat id and text are required", models.ErrValidation)
	}
	a.seq++
	a.sent = append(a.sent, Sent{ChatID: chatID, Text: text, Opts: opts})
	return &models.Message{
		ID:        string(a.platform) + "-out-" + strconv.Itoa(a.seq),
		ChatID:    chatID,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Platform:  a.platform,
		Sender:    models.Sender{ID: "bot"},
		Direction: models.DirectionOutbound,
	}, nil
}

func (a *Adapter) ValidateWebhook(raw []byte) bool {
	_, err := parse(raw)
	return err == nil
}

func (a *Adapter) ReceiveMessage(raw []byte) *models.Message {
	p, err := parse(raw)
	if err != nil || p.ID == "" || p.ChatID == "" || p.Text == "" {
		return nil
	}
	msg := &models.Message{
		ID:        p.ID,
		ChatID:    p.ChatID,
		Text:      p.Text,
		Timestamp: time.Now().UTC(),
		Platform:  a.platform,
		Sender:    models.Sender{ID: p.Sender, Name: p.SenderName},
		Direction: models.DirectionInbound,
	}
	if p.RoutingKey != "" {
		msg.SetMeta(models.MetaRoutingKey, p.RoutingKey)
	}
	return msg
}

func (a *Adapter) GetStatus() models.PlatformStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.PlatformStatus{Connected: a.connected, PlatformInfo: map[string]string{"fake": "true"}}
}

// Factory hands out registered fakes by platform, creating connected ones on demand.
type Factory struct {
	mu       sync.Mutex
	adapters map[models.Platform]*Adapter
	Configs  []integrations.Config
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{adapters: map[models.Platform]*Adapter{}}
}

// Set makes Build return a for its platform.
func (f *Factory) Set(a *Adapter) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters[a.Platform()] = a
	return f
}

// Adapter returns the fake for p, creating it if needed.
func (f *Factory) Adapter(p models.Platform) *Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.adapters[p]
	if !ok {
		a = New(p)
		f.adapters[p] = a
	}
	return a
}

// Build satisfies integrations.Factory.
func (f *Factory) Build(p models.Platform, cfg integrations.Config) (integrations.Adapter, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unsupported platform %q", models.ErrValidation, p)
	}
	f.mu.Lock()
	f.Configs = append(f.Configs, cfg)
	f.mu.Unlock()
	return f.Adapter(p), nil
}
