package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"replybridge-backend/internal/models"
)

var _ Adapter = (*SlackAdapter)(nil)

// SlackAdapter posts through the Web API and reads Events API callbacks.
type SlackAdapter struct {
	connState
	cfg            Config
	botToken       string
	defaultChannel string

	mu        sync.Mutex
	client    *slack.Client
	botUserID string
}

// NewSlackAdapter requires a bot_token in the bundle; channel_id is the fallback target.
func NewSlackAdapter(cfg Config) (*SlackAdapter, error) {
	token := cfg.cred(models.CredBotToken)
	if token == "" {
		return nil, fmt.Errorf("%w: slack bot_token", models.ErrCredentialMissing)
	}
	return &SlackAdapter{cfg: cfg, botToken: token, defaultChannel: cfg.cred(models.CredChannelID)}, nil
}

func (a *SlackAdapter) Platform() models.Platform { return models.PlatformSlack }

func (a *SlackAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil && a.isConnected() {
		return nil
	}

	var opts []slack.Option
	if base := a.cfg.apiBase(""); base != "" {
		opts = append(opts, slack.OptionAPIURL(base+"/"))
	}
	if a.cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(a.cfg.HTTPClient))
	}
	client := slack.New(a.botToken, opts...)

	info := map[string]string{}
	if a.defaultChannel != "" {
		info["default_channel"] = a.defaultChannel
	}
	if a.cfg.Verify {
		resp, err := client.AuthTestContext(ctx)
		if err != nil {
			return a.setFailed(slackError(err))
		}
		a.botUserID = resp.UserID
		info["team"] = resp.Team
		info["team_id"] = resp.TeamID
		info["bot_name"] = resp.User
		info["bot_user_id"] = resp.UserID
		log.Printf("[SlackAdapter] Connect: Verified bot '%s' in workspace '%s'", resp.User, resp.Team)
	}

	a.client = client
	a.setConnected(info)
	return nil
}

func (a *SlackAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
	a.setDisconnected()
	return nil
}

// SendMessage posts to chatID, or the bundle's default channel when chatID is empty.
// ThreadID (or ReplyToID) threads the reply under that message ts.
func (a *SlackAdapter) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (*models.Message, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if chatID == "" {
		chatID = a.defaultChannel
	}
	if err := checkSend(models.PlatformSlack, client != nil && a.isConnected(), chatID, text, opts); err != nil {
		return nil, err
	}

	msgOpts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	threadTS := opts.ThreadID
	if threadTS == "" {
		threadTS = opts.ReplyToID
	}
	if threadTS != "" {
		msgOpts = append(msgOpts, slack.MsgOptionTS(threadTS))
	}
	if opts.PhotoURL != "" {
		msgOpts = append(msgOpts, slack.MsgOptionAttachments(slack.Attachment{ImageURL: opts.PhotoURL, Fallback: text}))
	}

	channel, ts, err := client.PostMessageContext(ctx, chatID, msgOpts...)
	if err != nil {
		return nil, slackError(err)
	}

	msg := &models.Message{
		ID:        ts,
		ChatID:    channel,
		Text:      text,
		Timestamp: slackTime(ts),
		Platform:  models.PlatformSlack,
		Sender:    models.Sender{ID: a.botUserID},
		Direction: models.DirectionOutbound,
	}
	if threadTS != "" {
		msg.SetMeta(models.MetaThreadID, threadTS)
	}
	if opts.PhotoURL != "" {
		msg.SetMeta(models.MetaMessageType, "photo")
		msg.SetMeta(models.MetaPhotoURL, opts.PhotoURL)
	}
	return msg, nil
}

func (a *SlackAdapter) ValidateWebhook(raw []byte) bool {
	obj := jsonObject(raw)
	if obj == nil {
		return false
	}
	var typ string
	if err := json.Unmarshal(obj["type"], &typ); err != nil {
		return false
	}
	switch typ {
	case slackevents.URLVerification:
		return true
	case slackevents.CallbackEvent:
		_, ok := obj["event"]
		return ok
	}
	return false
}

// ReceiveMessage handles message and app_mention callbacks. Bot messages and
// message subtypes (edits, joins) are ignored.
func (a *SlackAdapter) ReceiveMessage(raw []byte) *models.Message {
	if !a.ValidateWebhook(raw) {
		return nil
	}
	event, err := slackevents.ParseEvent(json.RawMessage(raw), slackevents.OptionNoVerifyToken())
	if err != nil || event.Type != slackevents.CallbackEvent {
		return nil
	}

	var user, text, channel, ts, threadTS string
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return nil
		}
		user, text, channel, ts, threadTS = ev.User, ev.Text, ev.Channel, ev.TimeStamp, ev.ThreadTimeStamp
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" {
			return nil
		}
		user, text, channel, ts, threadTS = ev.User, ev.Text, ev.Channel, ev.TimeStamp, ev.ThreadTimeStamp
	default:
		return nil
	}
	if channel == "" || ts == "" || user == "" || strings.TrimSpace(text) == "" {
		return nil
	}

	msg := &models.Message{
		ID:        ts,
		ChatID:    channel,
		Text:      text,
		Timestamp: slackTime(ts),
		Platform:  models.PlatformSlack,
		Sender:    models.Sender{ID: user},
		Direction: models.DirectionInbound,
	}
	if event.TeamID != "" {
		msg.SetMeta(models.MetaRoutingKey, event.TeamID)
	}
	// Replies go into the thread the message started or belongs to.
	if threadTS == "" {
		threadTS = ts
	}
	msg.SetMeta(models.MetaThreadID, threadTS)
	msg.SetMeta("event_type", event.InnerEvent.Type)
	return msg
}

func (a *SlackAdapter) GetStatus() models.PlatformStatus { return a.status() }

// VerifySlackSignature checks the X-Slack-Signature header against body.
func VerifySlackSignature(header http.Header, body []byte, signingSecret string) error {
	sv, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}

// slackTime parses "1700000000.000100" style timestamps.
func slackTime(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, _ := strconv.ParseInt(sec, 10, 64)
	return unixTime(n)
}

func slackError(err error) error {
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		return models.NewUpstreamAPIError(models.PlatformSlack, statusErr.Code, statusErr.Status)
	}
	var rateErr *slack.RateLimitedError
	if errors.As(err, &rateErr) {
		return models.NewUpstreamAPIError(models.PlatformSlack, http.StatusTooManyRequests, rateErr.Error())
	}
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return models.NewUpstreamAPIError(models.PlatformSlack, http.StatusOK, apiErr.Err)
	}
	return models.NewUpstreamAPIError(models.PlatformSlack, 0, err.Error())
}
