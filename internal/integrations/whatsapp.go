package integrations

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"replybridge-backend/internal/models"
)

const whatsappAPIBase = "https://graph.facebook.com/v21.0"

var _ Adapter = (*WhatsAppAdapter)(nil)

// WhatsAppAdapter implements the WhatsApp Business Cloud API over plain REST.
type WhatsAppAdapter struct {
	connState
	cfg           Config
	accessToken   string
	phoneNumberID string
	base          string
	client        *http.Client
}

// NewWhatsAppAdapter requires access_token and phone_number_id in the bundle.
func NewWhatsAppAdapter(cfg Config) (*WhatsAppAdapter, error) {
	token := cfg.cred(models.CredAccessToken)
	phoneID := cfg.cred(models.CredPhoneNumberID)
	if token == "" || phoneID == "" {
		return nil, fmt.Errorf("%w: whatsapp access_token and phone_number_id", models.ErrCredentialMissing)
	}
	return &WhatsAppAdapter{
		cfg:           cfg,
		accessToken:   token,
		phoneNumberID: phoneID,
		base:          cfg.apiBase(whatsappAPIBase),
		client:        cfg.httpClient(),
	}, nil
}

func (a *WhatsAppAdapter) Platform() models.Platform { return models.PlatformWhatsApp }

// Connect checks the phone number when verifying. Inbound traffic uses the
// webhook configured in the Meta app dashboard, so there is nothing to register.
func (a *WhatsAppAdapter) Connect(ctx context.Context) error {
	if a.isConnected() {
		return nil
	}
	info := map[string]string{"phone_number_id": a.phoneNumberID}
	if a.cfg.Verify {
		var phone struct {
			DisplayPhoneNumber string `json:"display_phone_number"`
			VerifiedName       string `json:"verified_name"`
		}
		url := fmt.Sprintf("%s/%s?fields=display_phone_number,verified_name", a.base, a.phoneNumberID)
		if err := a.do(ctx, http.MethodGet, url, nil, &phone); err != nil {
			return a.setFailed(err)
		}
		info["display_phone_number"] = phone.DisplayPhoneNumber
		info["verified_name"] = phone.VerifiedName
	}
	a.setConnected(info)
	return nil
}

func (a *WhatsAppAdapter) Disconnect(ctx context.Context) error {
	a.setDisconnected()
	return nil
}

func (a *WhatsAppAdapter) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (*models.Message, error) {
	if err := checkSend(models.PlatformWhatsApp, a.isConnected(), chatID, text, opts); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                chatID,
	}
	if opts.PhotoURL != "" {
		image := map[string]string{"link": opts.PhotoURL}
		if text != "" {
			image["caption"] = text
		}
		payload["type"] = "image"
		payload["image"] = image
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": text, "preview_url": false}
	}
	if opts.ReplyToID != "" {
		payload["context"] = map[string]string{"message_id": opts.ReplyToID}
	}

	var resp struct {
		Contacts []struct {
			WaID string `json:"wa_id"`
		} `json:"contacts"`
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	url := fmt.Sprintf("%s/%s/messages", a.base, a.phoneNumberID)
	if err := a.do(ctx, http.MethodPost, url, payload, &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, models.NewUpstreamAPIError(models.PlatformWhatsApp, http.StatusOK, "response carried no message id")
	}

	msg := &models.Message{
		ID:        resp.Messages[0].ID,
		ChatID:    chatID,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Platform:  models.PlatformWhatsApp,
		Sender:    models.Sender{ID: a.phoneNumberID},
		Direction: models.DirectionOutbound,
	}
	if opts.PhotoURL != "" {
		msg.SetMeta(models.MetaMessageType, "photo")
		msg.SetMeta(models.MetaPhotoURL, opts.PhotoURL)
	}
	return msg, nil
}

func (a *WhatsAppAdapter) do(ctx context.Context, method, url string, payload any, out any) error {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal whatsapp payload: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return models.NewUpstreamAPIError(models.PlatformWhatsApp, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstreamFromResponse(models.PlatformWhatsApp, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return models.NewUpstreamAPIError(models.PlatformWhatsApp, resp.StatusCode, "undecodable response: "+err.Error())
		}
	}
	return nil
}

// Webhook shape for entry[].changes[].value.
type waPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string  `json:"field"`
			Value waValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		ID       string `json:"id"`
		Caption  string `json:"caption"`
		MimeType string `json:"mime_type"`
	} `json:"image"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

func (a *WhatsAppAdapter) ValidateWebhook(raw []byte) bool {
	var p waPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.Object == "whatsapp_business_account" && len(p.Entry) > 0
}

// ReceiveMessage returns the first text or image message in the payload.
// Status callbacks (delivered, read) carry no messages and yield nil.
func (a *WhatsAppAdapter) ReceiveMessage(raw []byte) *models.Message {
	if !a.ValidateWebhook(raw) {
		return nil
	}
	var p waPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, m := range v.Messages {
				msg := normalizeWhatsApp(v, m)
				if msg != nil {
					return msg
				}
			}
		}
	}
	return nil
}

func normalizeWhatsApp(v waValue, m waMessage) *models.Message {
	if m.From == "" || m.ID == "" {
		return nil
	}
	var text, msgType string
	switch {
	case m.Type == "text" && m.Text != nil && m.Text.Body != "":
		text, msgType = m.Text.Body, "text"
	case m.Type == "image" && m.Image != nil:
		text, msgType = m.Image.Caption, "photo"
	default:
		return nil
	}

	sec, _ := strconv.ParseInt(m.Timestamp, 10, 64)
	msg := &models.Message{
		ID:        m.ID,
		ChatID:    m.From,
		Text:      text,
		Timestamp: unixTime(sec),
		Platform:  models.PlatformWhatsApp,
		Sender:    models.Sender{ID: m.From},
		Direction: models.DirectionInbound,
	}
	for _, c := range v.Contacts {
		if c.WaID == m.From {
			msg.Sender.Name = c.Profile.Name
		}
	}
	if v.Metadata.PhoneNumberID != "" {
		msg.SetMeta(models.MetaRoutingKey, v.Metadata.PhoneNumberID)
	}
	if msgType != "text" {
		msg.SetMeta(models.MetaMessageType, msgType)
		msg.SetMeta("media_id", m.Image.ID)
	}
	if m.Context != nil && m.Context.ID != "" {
		msg.SetMeta("reply_to_id", m.Context.ID)
	}
	return msg
}

func (a *WhatsAppAdapter) GetStatus() models.PlatformStatus { return a.status() }

// VerifyWhatsAppSignature checks the X-Hub-Signature-256 header (HMAC-SHA256
// of body keyed by the Meta app secret).
func VerifyWhatsAppSignature(header http.Header, body []byte, appSecret string) error {
	sig, ok := strings.CutPrefix(header.Get("X-Hub-Signature-256"), "sha256=")
	if !ok || sig == "" {
		return fmt.Errorf("%w: missing X-Hub-Signature-256", models.ErrValidation)
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal([]byte(sig), []byte(hex.EncodeToString(mac.Sum(nil)))) {
		return fmt.Errorf("%w: whatsapp signature mismatch", models.ErrValidation)
	}
	return nil
}
