package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"replybridge-backend/internal/integrations"
	"replybridge-backend/internal/llm"
	"replybridge-backend/internal/models"
	"replybridge-backend/internal/store"
)

// WebhookStage is how far one inbound webhook got through the pipeline.
type WebhookStage string

const (
	StageInvalid     WebhookStage = "invalid"    // failed structural validation
	StageIgnored     WebhookStage = "ignored"    // valid payload, not a user message
	StageUnresolved  WebhookStage = "unresolved" // routing key maps to no brand
	StageDuplicate   WebhookStage = "duplicate"  // provider redelivery
	StageFailed      WebhookStage = "failed"     // identity or persistence failure
	StageStored      WebhookStage = "stored"     // persisted, brand has no active agent
	StageNoReply     WebhookStage = "no_reply"   // agent produced no text
	StageReplied     WebhookStage = "replied"
	StageReplyFailed WebhookStage = "reply_failed"
)

const replyHistoryLimit = 20

const defaultAgentPrompt = "You are a helpful customer support assistant. Answer briefly and politely."

// WebhookOutcome is reported for logging and tests; the HTTP answer is always 200.
type WebhookOutcome struct {
	Platform models.Platform
	Stage    WebhookStage
	Message  *models.Message
	Reply    *models.SendResult
	Dispatch *DispatchResult
	Err      error
}

// ConversationLog is what the auto-responder needs from ConversationService.
type ConversationLog interface {
	MessageRecorder
	HistorySource
}

// Dispatcher runs a tool-enabled agent turn.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)
}

// AutoResponderService turns one inbound webhook into a stored message and,
// when the brand has an active agent, an AI-generated reply.
type AutoResponderService struct {
	store         store.Store
	conversations ConversationLog
	sender        MessageSender
	completer     llm.Completer
	dispatcher    Dispatcher
}

func NewAutoResponderService(st store.Store, conversations ConversationLog, sender MessageSender, completer llm.Completer, dispatcher Dispatcher) *AutoResponderService {
	return &AutoResponderService{
		store:         st,
		conversations: conversations,
		sender:        sender,
		completer:     completer,
		dispatcher:    dispatcher,
	}
}

// ProcessWebhook runs the full inbound pipeline. routingKey comes from the
// webhook path when the provider payload does not carry one.
func (s *AutoResponderService) ProcessWebhook(ctx context.Context, platform models.Platform, routingKey string, raw []byte) WebhookOutcome {
	out := WebhookOutcome{Platform: platform}

	parser, err := integrations.ParserFor(platform)
	if err != nil {
		return s.finish(out, StageInvalid, err)
	}
	if !parser.ValidateWebhook(raw) {
		return s.finish(out, StageInvalid, nil)
	}
	msg := parser.ReceiveMessage(raw)
	if msg == nil {
		return s.finish(out, StageIgnored, nil)
	}
	out.Message = msg

	key := routingKey
	if key == "" {
		key = msg.MetaString(models.MetaRoutingKey)
	}
	if key == "" {
		return s.finish(out, StageUnresolved, nil)
	}
	brand, err := s.store.GetBrandChannel(ctx, platform, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("WARN [AutoResponder] ProcessWebhook: No brand for %s routing key %q, message from %s not attributed", platform, key, msg.Sender.ID)
			return s.finish(out, StageUnresolved, nil)
		}
		return s.finish(out, StageFailed, fmt.Errorf("resolve brand: %w", err))
	}

	contact := msg.Sender.ID
	if contact == "" {
		contact = msg.ChatID
	}
	displayName := msg.Sender.Name
	if displayName == "" {
		displayName = msg.Sender.Username
	}
	client, err := s.store.UpsertClient(ctx, &models.Client{
		UserID:         brand.UserID,
		BrandID:        brand.BrandID,
		ContactAddress: contact,
		DisplayName:    displayName,
		Platform:       platform,
	})
	if err != nil {
		return s.finish(out, StageFailed, fmt.Errorf("resolve client: %w", err))
	}
	conv, err := s.store.GetOrCreateActiveConversation(ctx, &models.Conversation{
		ClientID: client.ID,
		BrandID:  brand.BrandID,
		UserID:   brand.UserID,
		Platform: platform,
		ChatID:   msg.ChatID,
	})
	if err != nil {
		return s.finish(out, StageFailed, fmt.Errorf("resolve conversation: %w", err))
	}

	msg.UserID = &brand.UserID
	msg.BrandID = &brand.BrandID
	msg.ClientID = &client.ID
	msg.ConversationID = &conv.ID
	if err := s.conversations.StoreMessage(ctx, msg); err != nil {
		if errors.Is(err, models.ErrDuplicateMessage) {
			return s.finish(out, StageDuplicate, nil)
		}
		return s.finish(out, StageFailed, fmt.Errorf("store inbound message: %w", err))
	}

	agent, err := s.store.GetActiveAgentByBrand(ctx, brand.BrandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.finish(out, StageStored, nil)
		}
		return s.finish(out, StageStored, fmt.Errorf("agent lookup: %w", err))
	}

	content, dispatch, err := s.reply(ctx, brand, agent, msg)
	out.Dispatch = dispatch
	if err != nil {
		return s.finish(out, StageNoReply, err)
	}
	if strings.TrimSpace(content) == "" {
		return s.finish(out, StageNoReply, nil)
	}

	result := s.sender.Send(ctx, SendRequest{
		UserID:         brand.UserID,
		Platform:       platform,
		To:             msg.ChatID,
		Text:           content,
		Options:        integrations.SendOptions{ThreadID: msg.MetaString(models.MetaThreadID)},
		AIGenerated:    true,
		AgentID:        &agent.ID,
		BrandID:        &brand.BrandID,
		ClientID:       &client.ID,
		ConversationID: &conv.ID,
	})
	out.Reply = &result
	if !result.Success() {
		return s.finish(out, StageReplyFailed, fmt.Errorf("%s: %s", result.Outcome, result.Error))
	}
	return s.finish(out, StageReplied, nil)
}

// reply asks the agent for an answer: through the tool dispatcher when the
// agent enables tools, otherwise as a plain completion over recent history.
func (s *AutoResponderService) reply(ctx context.Context, brand *models.BrandChannel, agent *models.Agent, msg *models.Message) (string, *DispatchResult, error) {
	systemPrompt := defaultAgentPrompt
	if agent.SystemPrompt != nil && strings.TrimSpace(*agent.SystemPrompt) != "" {
		systemPrompt = *agent.SystemPrompt
	}
	var model string
	if agent.LLMModel != nil {
		model = *agent.LLMModel
	}

	if agent.ToolsEnabled && s.dispatcher != nil {
		res, err := s.dispatcher.Dispatch(ctx, DispatchRequest{
			UserID:         brand.UserID,
			Platform:       msg.Platform,
			Prompt:         msg.Text,
			BrandContext:   brand.BrandContext,
			ChatID:         msg.ChatID,
			ConversationID: msg.ConversationID,
			SystemPrompt:   systemPrompt,
			Model:          model,
		})
		if err != nil {
			return "", nil, err
		}
		return res.Content, res, nil
	}

	if brand.BrandContext != "" {
		systemPrompt += "\n\nBusiness context:\n" + brand.BrandContext
	}
	messages := []llm.ChatMessage{{Role: llm.RoleSystem, Content: systemPrompt}}
	var (
		history []models.Message
		err     error
	)
	if msg.ConversationID != nil {
		history, err = s.conversations.GetConversationThread(ctx, *msg.ConversationID, replyHistoryLimit)
	}
	if err != nil || len(history) == 0 {
		history = []models.Message{*msg}
	}
	messages = append(messages, historyMessages(history)...)

	resp, err := s.completer.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{Model: model, Messages: messages})
	if err != nil {
		return "", nil, fmt.Errorf("completion failed: %w", err)
	}
	if m := resp.FirstMessage(); m != nil {
		return m.Content, nil, nil
	}
	return "", nil, nil
}

func (s *AutoResponderService) finish(out WebhookOutcome, stage WebhookStage, err error) WebhookOutcome {
	out.Stage = stage
	out.Err = err
	chatID := ""
	if out.Message != nil {
		chatID = out.Message.ChatID
	}
	if err != nil {
		log.Printf("ERROR [AutoResponder] ProcessWebhook: %s webhook for chat %q stopped at %s: %v", out.Platform, chatID, stage, err)
	} else {
		log.Printf("[AutoResponder] ProcessWebhook: %s webhook for chat %q finished at %s", out.Platform, chatID, stage)
	}
	return out
}
