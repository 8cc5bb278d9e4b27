package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/slack-go/slack/slackevents"

	"replybridge-backend/internal/integrations"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/services"
)

const (
	maxWebhookBody        = 1 << 20
	webhookProcessTimeout = 2 * time.Minute
)

// WebhookProcessor runs the inbound pipeline for one payload.
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, platform models.Platform, routingKey string, raw []byte) services.WebhookOutcome
}

// WebhookSecrets are the process-wide provider secrets used before any
// payload is trusted. Empty values disable the matching check.
type WebhookSecrets struct {
	SlackSigningSecret  string
	WhatsAppVerifyToken string
	WhatsAppAppSecret   string
}

// WebhookHandlers acknowledges every provider callback with 200 and processes
// it in the background, so providers never retry because of slow AI replies.
type WebhookHandlers struct {
	processor WebhookProcessor
	secrets   WebhookSecrets
	wg        sync.WaitGroup
}

func NewWebhookHandlers(processor WebhookProcessor, secrets WebhookSecrets) *WebhookHandlers {
	return &WebhookHandlers{processor: processor, secrets: secrets}
}

func ack(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// HandleWhatsAppVerify answers the Meta hub challenge on GET /webhooks/whatsapp.
func (h *WebhookHandlers) HandleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.secrets.WhatsAppVerifyToken != "" &&
		q.Get("hub.mode") == "subscribe" &&
		q.Get("hub.verify_token") == h.secrets.WhatsAppVerifyToken {
		log.Println("[WebhookHandler] HandleWhatsAppVerify: Webhook verified")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	log.Printf("WARN [WebhookHandler] HandleWhatsAppVerify: Verification failed (mode %q)", q.Get("hub.mode"))
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// HandleWebhook handles POST /webhooks/{platform} and /webhooks/{platform}/{routingKey}.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	platform, err := models.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		log.Printf("WARN [WebhookHandler] HandleWebhook: %v", err)
		ack(w, "ignored")
		return
	}
	routingKey := chi.URLParam(r, "routingKey")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	r.Body.Close()
	if err != nil {
		log.Printf("ERROR [WebhookHandler] HandleWebhook: Reading %s body: %v", platform, err)
		ack(w, "ignored")
		return
	}

	if !h.verify(platform, r.Header, body) {
		ack(w, "rejected")
		return
	}

	if platform == models.PlatformSlack {
		if challenge, ok := slackChallenge(body); ok {
			log.Println("[WebhookHandler] HandleWebhook: Answering Slack URL verification")
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(challenge))
			return
		}
	}

	ack(w, "accepted")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), webhookProcessTimeout)
		defer cancel()
		h.processor.ProcessWebhook(ctx, platform, routingKey, body)
	}()
}

func (h *WebhookHandlers) verify(platform models.Platform, header http.Header, body []byte) bool {
	var err error
	switch {
	case platform == models.PlatformSlack && h.secrets.SlackSigningSecret != "":
		err = integrations.VerifySlackSignature(header, body, h.secrets.SlackSigningSecret)
	case platform == models.PlatformWhatsApp && h.secrets.WhatsAppAppSecret != "":
		err = integrations.VerifyWhatsAppSignature(header, body, h.secrets.WhatsAppAppSecret)
	}
	if err != nil {
		log.Printf("WARN [WebhookHandler] verify: Rejected %s webhook: %v", platform, err)
		return false
	}
	return true
}

func slackChallenge(body []byte) (string, bool) {
	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil || ev.Type != slackevents.URLVerification {
		return "", false
	}
	var c slackevents.ChallengeResponse
	if err := json.Unmarshal(body, &c); err != nil {
		return "", false
	}
	return c.Challenge, true
}

// Drain waits for in-flight webhook processing, or until ctx is done.
func (h *WebhookHandlers) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
