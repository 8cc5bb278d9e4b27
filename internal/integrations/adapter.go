package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"replybridge-backend/internal/models"
)

// Adapter is the uniform contract every chat platform implements.
type Adapter interface {
	Platform() models.Platform

	// Connect establishes the session. Calling it on a connected adapter is a no-op.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// SendMessage delivers text to chatID and returns the normalized outbound message.
	// Non-2xx provider answers are returned as *models.UpstreamAPIError.
	SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (*models.Message, error)

	// ReceiveMessage normalizes a raw webhook body. It returns nil for anything
	// that is not a user message, including malformed input.
	ReceiveMessage(raw []byte) *models.Message

	// ValidateWebhook is a structural check on the payload shape, not a signature check.
	ValidateWebhook(raw []byte) bool

	GetStatus() models.PlatformStatus
}

// SendOptions carries the optional parts of an outbound message.
type SendOptions struct {
	ReplyToID string
	ThreadID  string
	ParseMode string
	PhotoURL  string
}

// Config is what New needs to build an adapter.
type Config struct {
	Bundle     *models.CredentialBundle
	HTTPClient *http.Client
	// APIBase overrides the provider API root. Falls back to the bundle's endpoint_url.
	APIBase string
	// Verify makes Connect do provider round trips: identity check and webhook registration.
	// The per-send path leaves it off.
	Verify bool
}

func (c Config) cred(key string) string {
	return strings.TrimSpace(c.Bundle.Get(key))
}

func (c Config) apiBase(fallback string) string {
	if c.APIBase != "" {
		return strings.TrimRight(c.APIBase, "/")
	}
	if ep := c.cred(models.CredEndpointURL); ep != "" {
		return strings.TrimRight(ep, "/")
	}
	return fallback
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Factory builds adapters. Services take one so tests can substitute fakes.
type Factory func(p models.Platform, cfg Config) (Adapter, error)

// New builds the adapter for platform p. Every known platform must have a case.
func New(p models.Platform, cfg Config) (Adapter, error) {
	switch p {
	case models.PlatformTelegram:
		return NewTelegramAdapter(cfg)
	case models.PlatformWhatsApp:
		return NewWhatsAppAdapter(cfg)
	case models.PlatformSlack:
		return NewSlackAdapter(cfg)
	case models.PlatformDiscord:
		return NewDiscordAdapter(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported platform %q", models.ErrValidation, p)
	}
}

// Parser is the credential-free inbound half of an Adapter.
type Parser interface {
	Platform() models.Platform
	ValidateWebhook(raw []byte) bool
	ReceiveMessage(raw []byte) *models.Message
}

// ParserFor returns the inbound parser for p. Parsing is pure, so no
// credentials or connection are needed.
func ParserFor(p models.Platform) (Parser, error) {
	switch p {
	case models.PlatformTelegram:
		return &TelegramAdapter{}, nil
	case models.PlatformWhatsApp:
		return &WhatsAppAdapter{}, nil
	case models.PlatformSlack:
		return &SlackAdapter{}, nil
	case models.PlatformDiscord:
		return &DiscordAdapter{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported platform %q", models.ErrValidation, p)
	}
}

// TestConnection connects a verifying adapter for the given credentials and
// reports the outcome without keeping the session.
func TestConnection(ctx context.Context, factory Factory, p models.Platform, creds models.DecryptedCredentials) *models.TestConnectionResult {
	if factory == nil {
		factory = New
	}
	bundle := &models.CredentialBundle{Platform: p, Credentials: creds}
	adapter, err := factory(p, Config{Bundle: bundle, Verify: true})
	if err != nil {
		return &models.TestConnectionResult{Success: false, Message: err.Error()}
	}
	if err := adapter.Connect(ctx); err != nil {
		return &models.TestConnectionResult{Success: false, Message: err.Error()}
	}
	defer adapter.Disconnect(context.WithoutCancel(ctx))

	status := adapter.GetStatus()
	details := make(map[string]any, len(status.PlatformInfo))
	for k, v := range status.PlatformInfo {
		details[k] = v
	}
	return &models.TestConnectionResult{
		Success: true,
		Message: fmt.Sprintf("Successfully connected to %s", p),
		Details: details,
	}
}

// --- shared adapter plumbing ---

// connState tracks connectivity for GetStatus.
type connState struct {
	mu        sync.RWMutex
	connected bool
	info      map[string]string
	lastErr   string
}

func (c *connState) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *connState) setConnected(info map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.info = info
	c.lastErr = ""
}

func (c *connState) setFailed(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.lastErr = err.Error()
	return err
}

func (c *connState) setDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *connState) status() models.PlatformStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var info map[string]string
	if len(c.info) > 0 {
		info = make(map[string]string, len(c.info))
		for k, v := range c.info {
			info[k] = v
		}
	}
	return models.PlatformStatus{Connected: c.connected, PlatformInfo: info, Error: c.lastErr}
}

func checkSend(p models.Platform, connected bool, chatID, text string, opts SendOptions) error {
	if !connected {
		return fmt.Errorf("%w: %s adapter is not connected", models.ErrConnection, p)
	}
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("%w: chat id is required", models.ErrValidation)
	}
	if strings.TrimSpace(text) == "" && opts.PhotoURL == "" {
		return fmt.Errorf("%w: message text is required", models.ErrValidation)
	}
	return nil
}

// upstreamFromResponse turns a non-2xx response into an *models.UpstreamAPIError.
func upstreamFromResponse(p models.Platform, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return models.NewUpstreamAPIError(p, resp.StatusCode, strings.TrimSpace(string(body)))
}

// jsonObject decodes raw as a JSON object keyed by top-level field. It returns
// nil for anything else.
func jsonObject(raw []byte) map[string]json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

// flexID accepts an identifier encoded as either a JSON string or number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*f = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = flexID(str)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*f = flexID(n.String())
	}
	return nil
}

// rebaseTransport sends every request to base's scheme and host, keeping the path.
// Used for SDKs whose API root is a package-level constant.
type rebaseTransport struct {
	base *url.URL
	next http.RoundTripper
}

var _ http.RoundTripper = (*rebaseTransport)(nil)

func (t *rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = t.base.Scheme
	r.URL.Host = t.base.Host
	r.Host = t.base.Host
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(r)
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
