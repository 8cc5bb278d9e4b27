package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"replybridge-backend/internal/models"
)

const telegramAPIBase = "https://api.telegram.org"

var _ Adapter = (*TelegramAdapter)(nil)

// TelegramAdapter talks to the Bot API through telego. Inbound updates arrive
// by webhook; the adapter never long-polls.
type TelegramAdapter struct {
	connState
	cfg   Config
	token string

	mu         sync.Mutex
	bot        *telego.Bot
	webhookSet bool
}

// NewTelegramAdapter requires a bot_token in the bundle.
func NewTelegramAdapter(cfg Config) (*TelegramAdapter, error) {
	token := cfg.cred(models.CredBotToken)
	if token == "" {
		return nil, fmt.Errorf("%w: telegram bot_token", models.ErrCredentialMissing)
	}
	return &TelegramAdapter{cfg: cfg, token: token}, nil
}

func (a *TelegramAdapter) Platform() models.Platform { return models.PlatformTelegram }

func (a *TelegramAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil && a.isConnected() {
		return nil
	}

	opts := []telego.BotOption{
		telego.WithAPIServer(a.cfg.apiBase(telegramAPIBase)),
		telego.WithDiscardLogger(),
	}
	if a.cfg.HTTPClient != nil {
		opts = append(opts, telego.WithHTTPClient(a.cfg.HTTPClient))
	}
	bot, err := telego.NewBot(a.token, opts...)
	if err != nil {
		return a.setFailed(fmt.Errorf("%w: invalid telegram bot token: %v", models.ErrValidation, err))
	}

	info := map[string]string{}
	if a.cfg.Verify {
		me, err := bot.GetMe(ctx)
		if err != nil {
			return a.setFailed(telegramError(err))
		}
		info["bot_id"] = strconv.FormatInt(me.ID, 10)
		info["bot_username"] = me.Username
		info["bot_name"] = me.FirstName

		if hook := a.cfg.cred(models.CredWebhookURL); hook != "" {
			if err := bot.SetWebhook(ctx, &telego.SetWebhookParams{URL: hook}); err != nil {
				return a.setFailed(telegramError(err))
			}
			a.webhookSet = true
			info["webhook_url"] = hook
			log.Printf("[TelegramAdapter] Connect: Registered webhook for bot %s", me.Username)
		}
	}

	a.bot = bot
	a.setConnected(info)
	return nil
}

func (a *TelegramAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil && a.webhookSet {
		if err := a.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
			log.Printf("WARN [TelegramAdapter] Disconnect: Failed to delete webhook: %v", err)
		}
		a.webhookSet = false
	}
	a.bot = nil
	a.setDisconnected()
	return nil
}

func (a *TelegramAdapter) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (*models.Message, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if err := checkSend(models.PlatformTelegram, bot != nil && a.isConnected(), chatID, text, opts); err != nil {
		return nil, err
	}

	target := telegramChatID(chatID)
	replyTo, _ := strconv.Atoi(opts.ReplyToID)
	threadID, _ := strconv.Atoi(opts.ThreadID)

	var (
		sent *telego.Message
		err  error
	)
	if opts.PhotoURL != "" {
		params := tu.Photo(target, tu.FileFromURL(opts.PhotoURL)).WithCaption(text)
		params.ParseMode = opts.ParseMode
		params.MessageThreadID = threadID
		if replyTo > 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
		}
		sent, err = bot.SendPhoto(ctx, params)
	} else {
		params := tu.Message(target, text)
		params.ParseMode = opts.ParseMode
		params.MessageThreadID = threadID
		if replyTo > 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
		}
		sent, err = bot.SendMessage(ctx, params)
	}
	if err != nil {
		return nil, telegramError(err)
	}

	msg := &models.Message{
		ID:        strconv.Itoa(sent.MessageID),
		ChatID:    strconv.FormatInt(sent.Chat.ID, 10),
		Text:      text,
		Timestamp: unixTime(sent.Date),
		Platform:  models.PlatformTelegram,
		Direction: models.DirectionOutbound,
	}
	if sent.From != nil {
		msg.Sender = models.Sender{ID: strconv.FormatInt(sent.From.ID, 10), Name: sent.From.FirstName, Username: sent.From.Username}
	}
	if opts.PhotoURL != "" {
		msg.SetMeta(models.MetaMessageType, "photo")
		msg.SetMeta(models.MetaPhotoURL, opts.PhotoURL)
	}
	return msg, nil
}

// Inbound update shape. Ids are flexID because hand-built payloads carry them as strings.
type tgUpdate struct {
	UpdateID      flexID     `json:"update_id"`
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
	ChannelPost   *tgMessage `json:"channel_post"`
}

type tgMessage struct {
	MessageID flexID `json:"message_id"`
	ThreadID  flexID `json:"message_thread_id"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
	Chat      struct {
		ID       flexID `json:"id"`
		Type     string `json:"type"`
		Username string `json:"username"`
	} `json:"chat"`
	From *struct {
		ID        flexID `json:"id"`
		IsBot     bool   `json:"is_bot"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Username  string `json:"username"`
	} `json:"from"`
	Photo []struct {
		FileID string `json:"file_id"`
	} `json:"photo"`
}

func (a *TelegramAdapter) ValidateWebhook(raw []byte) bool {
	obj := jsonObject(raw)
	if obj == nil {
		return false
	}
	for _, k := range []string{"update_id", "message", "edited_message", "channel_post"} {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func (a *TelegramAdapter) ReceiveMessage(raw []byte) *models.Message {
	if !a.ValidateWebhook(raw) {
		return nil
	}
	var upd tgUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return nil
	}

	m, edited := upd.Message, false
	if m == nil && upd.EditedMessage != nil {
		m, edited = upd.EditedMessage, true
	}
	if m == nil {
		m = upd.ChannelPost
	}
	if m == nil || m.Chat.ID == "" || m.MessageID == "" {
		return nil
	}

	text := m.Text
	msgType := "text"
	if text == "" {
		text = m.Caption
	}
	if len(m.Photo) > 0 {
		msgType = "photo"
	} else if text == "" {
		return nil
	}

	msg := &models.Message{
		ID:        string(m.MessageID),
		ChatID:    string(m.Chat.ID),
		Text:      text,
		Timestamp: unixTime(m.Date),
		Platform:  models.PlatformTelegram,
		Direction: models.DirectionInbound,
	}
	if m.From != nil {
		if m.From.IsBot {
			return nil
		}
		msg.Sender = models.Sender{
			ID:       string(m.From.ID),
			Name:     strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
			Username: m.From.Username,
		}
	}
	if msgType != "text" {
		msg.SetMeta(models.MetaMessageType, msgType)
	}
	if m.ThreadID != "" {
		msg.SetMeta(models.MetaThreadID, string(m.ThreadID))
	}
	if edited {
		msg.SetMeta("edited", true)
	}
	return msg
}

func (a *TelegramAdapter) GetStatus() models.PlatformStatus { return a.status() }

// telegramChatID accepts numeric ids and @channel usernames.
func telegramChatID(chatID string) telego.ChatID {
	if id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64); err == nil {
		return tu.ID(id)
	}
	return tu.Username(chatID)
}

func telegramError(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		return models.NewUpstreamAPIError(models.PlatformTelegram, apiErr.ErrorCode, apiErr.Description)
	}
	return models.NewUpstreamAPIError(models.PlatformTelegram, 0, err.Error())
}
