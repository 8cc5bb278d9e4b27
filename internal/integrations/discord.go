package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"replybridge-backend/internal/models"
)

var _ Adapter = (*DiscordAdapter)(nil)

// DiscordAdapter sends over the REST API. Inbound MESSAGE_CREATE events are
// relayed to the webhook endpoint by the gateway process; no gateway socket is
// opened here.
type DiscordAdapter struct {
	connState
	cfg            Config
	token          string
	defaultChannel string

	mu        sync.Mutex
	session   *discordgo.Session
	botUserID string
}

// NewDiscordAdapter requires a bot_token in the bundle.
func NewDiscordAdapter(cfg Config) (*DiscordAdapter, error) {
	token := cfg.cred(models.CredBotToken)
	if token == "" {
		return nil, fmt.Errorf("%w: discord bot_token", models.ErrCredentialMissing)
	}
	return &DiscordAdapter{cfg: cfg, token: token, defaultChannel: cfg.cred(models.CredChannelID)}, nil
}

func (a *DiscordAdapter) Platform() models.Platform { return models.PlatformDiscord }

func (a *DiscordAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil && a.isConnected() {
		return nil
	}

	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return a.setFailed(fmt.Errorf("%w: discord session: %v", models.ErrValidation, err))
	}
	client := a.cfg.httpClient()
	if base := a.cfg.apiBase(""); base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return a.setFailed(fmt.Errorf("%w: discord api base: %v", models.ErrValidation, err))
		}
		rebased := *client
		rebased.Transport = &rebaseTransport{base: u, next: client.Transport}
		client = &rebased
	}
	session.Client = client

	info := map[string]string{}
	if a.cfg.Verify {
		user, err := session.User("@me", discordgo.WithContext(ctx))
		if err != nil {
			return a.setFailed(discordError(err))
		}
		a.botUserID = user.ID
		info["bot_user_id"] = user.ID
		info["bot_name"] = user.Username
	}

	a.session = session
	a.setConnected(info)
	return nil
}

func (a *DiscordAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
	a.setDisconnected()
	return nil
}

func (a *DiscordAdapter) SendMessage(ctx context.Context, chatID, text string, opts SendOptions) (*models.Message, error) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if chatID == "" {
		chatID = a.defaultChannel
	}
	if err := checkSend(models.PlatformDiscord, session != nil && a.isConnected(), chatID, text, opts); err != nil {
		return nil, err
	}

	var (
		sent *discordgo.Message
		err  error
	)
	if opts.ReplyToID == "" && opts.PhotoURL == "" {
		sent, err = session.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	} else {
		data := &discordgo.MessageSend{Content: text}
		if opts.ReplyToID != "" {
			data.Reference = &discordgo.MessageReference{MessageID: opts.ReplyToID, ChannelID: chatID}
		}
		if opts.PhotoURL != "" {
			data.Embeds = []*discordgo.MessageEmbed{{Image: &discordgo.MessageEmbedImage{URL: opts.PhotoURL}}}
		}
		sent, err = session.ChannelMessageSendComplex(chatID, data, discordgo.WithContext(ctx))
	}
	if err != nil {
		return nil, discordError(err)
	}

	msg := discordMessage(sent, models.DirectionOutbound)
	if msg.Text == "" {
		msg.Text = text
	}
	if opts.PhotoURL != "" {
		msg.SetMeta(models.MetaMessageType, "photo")
		msg.SetMeta(models.MetaPhotoURL, opts.PhotoURL)
	}
	return msg, nil
}

// discordEnvelope is a gateway dispatch; bare message objects are accepted too.
type discordEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

func (a *DiscordAdapter) ValidateWebhook(raw []byte) bool {
	obj := jsonObject(raw)
	if obj == nil {
		return false
	}
	if _, ok := obj["t"]; ok {
		var env discordEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return false
		}
		return env.T != "" && jsonObject(env.D) != nil
	}
	_, hasID := obj["id"]
	_, hasChannel := obj["channel_id"]
	return hasID && hasChannel
}

func (a *DiscordAdapter) ReceiveMessage(raw []byte) *models.Message {
	if !a.ValidateWebhook(raw) {
		return nil
	}
	body := raw
	if obj := jsonObject(raw); obj != nil {
		if _, ok := obj["t"]; ok {
			var env discordEnvelope
			if err := json.Unmarshal(raw, &env); err != nil || env.T != "MESSAGE_CREATE" {
				return nil
			}
			body = env.D
		}
	}

	var m discordgo.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	if m.ID == "" || m.ChannelID == "" || m.Author == nil || m.Author.Bot {
		return nil
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return nil
	}

	msg := discordMessage(&m, models.DirectionInbound)
	if m.GuildID != "" {
		msg.SetMeta(models.MetaRoutingKey, m.GuildID)
	}
	if len(m.Attachments) > 0 {
		msg.SetMeta(models.MetaMessageType, "photo")
		msg.SetMeta(models.MetaPhotoURL, m.Attachments[0].URL)
	}
	return msg
}

func (a *DiscordAdapter) GetStatus() models.PlatformStatus { return a.status() }

func discordMessage(m *discordgo.Message, dir models.Direction) *models.Message {
	ts := m.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	msg := &models.Message{
		ID:        m.ID,
		ChatID:    m.ChannelID,
		Text:      m.Content,
		Timestamp: ts,
		Platform:  models.PlatformDiscord,
		Direction: dir,
	}
	if m.Author != nil {
		msg.Sender = models.Sender{ID: m.Author.ID, Name: m.Author.GlobalName, Username: m.Author.Username}
	}
	return msg
}

func discordError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return models.NewUpstreamAPIError(models.PlatformDiscord, restErr.Response.StatusCode, string(restErr.ResponseBody))
	}
	return models.NewUpstreamAPIError(models.PlatformDiscord, 0, err.Error())
}
