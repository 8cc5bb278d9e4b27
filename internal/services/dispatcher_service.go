package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"replybridge-backend/internal/llm"
	"replybridge-backend/internal/models"
)

const (
	ToolSendMessage                 = "send_message"
	ToolScheduleMessage             = "schedule_message"
	ToolGeneratePersonalizedContent = "generate_personalized_content"

	dispatchHistoryLimit = 20
)

const defaultDispatchPrompt = "You are a messaging assistant for a business. Use the available tools to send or schedule messages to customers when the request calls for it, and explain what you did."

// ToolCatalog is the fixed set of tools offered to the model on every dispatch.
var ToolCatalog = []llm.Tool{
	{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        ToolSendMessage,
			Description: "Send a message to a recipient right now on the current platform.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"to": {"type": "string", "description": "Recipient chat id, phone number or channel"},
					"message": {"type": "string", "description": "Message text"}
				},
				"required": ["to", "message"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        ToolScheduleMessage,
			Description: "Schedule a message for later delivery on the current platform.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"to": {"type": "string", "description": "Recipient chat id, phone number or channel"},
					"message": {"type": "string", "description": "Message text"},
					"schedule_time": {"type": "string", "description": "Delivery time, RFC 3339"}
				},
				"required": ["to", "message", "schedule_time"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        ToolGeneratePersonalizedContent,
			Description: "Write personalized message content about a topic for a recipient.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"topic": {"type": "string"},
					"recipient_name": {"type": "string"},
					"tone": {"type": "string", "description": "e.g. friendly, formal"}
				},
				"required": ["topic"]
			}`),
		},
	},
}

// Scheduler is the part of SchedulerService the dispatcher uses.
type Scheduler interface {
	ScheduleMessage(ctx context.Context, req ScheduleRequest) (*models.ScheduleMessageResponse, error)
}

// HistorySource supplies recent messages for prompt context. Both reads are
// tenant scoped: a chat id alone can name chats of several accounts.
type HistorySource interface {
	GetConversationThread(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.Message, error)
	GetUserConversationHistory(ctx context.Context, userID uuid.UUID, chatID string, limit int) ([]models.Message, error)
}

// DispatchRequest is one free-text instruction plus its execution context.
type DispatchRequest struct {
	UserID       uuid.UUID
	Platform     models.Platform
	Prompt       string
	BrandContext string
	ChatID       string
	// ConversationID selects the history thread when the caller knows it.
	ConversationID *uuid.UUID
	SystemPrompt   string
	Model          string
}

// ToolExecutionResult records one tool call. Failures never abort the batch.
type ToolExecutionResult struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DispatchResult carries both the model's text and what its tool calls did.
type DispatchResult struct {
	Content   string                `json:"content"`
	ToolCalls []llm.ToolCall        `json:"tool_calls,omitempty"`
	Results   []ToolExecutionResult `json:"results"`
}

type DispatcherService struct {
	completer llm.Completer
	sender    MessageSender
	scheduler Scheduler
	history   HistorySource
	now       func() time.Time
}

func NewDispatcherService(completer llm.Completer, sender MessageSender, scheduler Scheduler, history HistorySource) *DispatcherService {
	return &DispatcherService{
		completer: completer,
		sender:    sender,
		scheduler: scheduler,
		history:   history,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch issues one completion with the tool catalog and runs the returned
// tool calls strictly in order. Only a failed completion is returned as an error.
func (d *DispatcherService) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", models.ErrValidation)
	}
	if !req.Platform.Valid() {
		return nil, fmt.Errorf("%w: unknown platform %q", models.ErrValidation, req.Platform)
	}

	messages := d.buildMessages(ctx, req)
	resp, err := d.completer.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model:      req.Model,
		Messages:   messages,
		Tools:      ToolCatalog,
		ToolChoice: "auto",
	})
	if err != nil {
		log.Printf("ERROR [Dispatcher] Dispatch: Completion failed for UserID %s: %v", req.UserID, err)
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	result := &DispatchResult{Results: []ToolExecutionResult{}}
	msg := resp.FirstMessage()
	if msg == nil {
		return result, nil
	}
	result.Content = msg.Content
	result.ToolCalls = msg.ToolCalls

	for _, call := range msg.ToolCalls {
		result.Results = append(result.Results, d.execute(ctx, req, call))
	}
	log.Printf("[Dispatcher] Dispatch: UserID %s on %s ran %d tool calls", req.UserID, req.Platform, len(result.Results))
	return result, nil
}

func (d *DispatcherService) buildMessages(ctx context.Context, req DispatchRequest) []llm.ChatMessage {
	system := req.SystemPrompt
	if system == "" {
		system = defaultDispatchPrompt
	}
	if req.BrandContext != "" {
		system += "\n\nBusiness context:\n" + req.BrandContext
	}
	system += fmt.Sprintf("\n\nPlatform: %s. Current time: %s.", req.Platform, d.now().Format(time.RFC3339))

	messages := []llm.ChatMessage{{Role: llm.RoleSystem, Content: system}}
	messages = append(messages, historyMessages(d.loadHistory(ctx, req))...)
	return append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: req.Prompt})
}

func (d *DispatcherService) loadHistory(ctx context.Context, req DispatchRequest) []models.Message {
	if d.history == nil {
		return nil
	}
	var (
		history []models.Message
		err     error
	)
	switch {
	case req.ConversationID != nil:
		history, err = d.history.GetConversationThread(ctx, *req.ConversationID, dispatchHistoryLimit)
	case req.ChatID != "":
		history, err = d.history.GetUserConversationHistory(ctx, req.UserID, req.ChatID, dispatchHistoryLimit)
		if errors.Is(err, ErrConversationNotFound) {
			return nil
		}
	default:
		return nil
	}
	if err != nil {
		log.Printf("WARN [Dispatcher] loadHistory: History unavailable for chat %s: %v", req.ChatID, err)
		return nil
	}
	return history
}

func historyMessages(history []models.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Text) == "" || m.Status == models.MessageStatusFailed {
			continue
		}
		role := llm.RoleUser
		if m.Direction == models.DirectionOutbound {
			role = llm.RoleAssistant
		}
		out = append(out, llm.ChatMessage{Role: role, Content: m.Text})
	}
	return out
}

func (d *DispatcherService) execute(ctx context.Context, req DispatchRequest, call llm.ToolCall) (res ToolExecutionResult) {
	name := call.Function.Name
	res.Tool = name
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR [Dispatcher] execute: Tool %s panicked: %v", name, r)
			res = ToolExecutionResult{Tool: name, Error: fmt.Sprintf("%v: %v", models.ErrToolExecution, r)}
		}
	}()

	var err error
	switch name {
	case ToolSendMessage:
		res.Result, err = d.runSendMessage(ctx, req, call.Function.Arguments)
	case ToolScheduleMessage:
		res.Result, err = d.runScheduleMessage(ctx, req, call.Function.Arguments)
	case ToolGeneratePersonalizedContent:
		res.Result, err = d.runGenerateContent(ctx, req, call.Function.Arguments)
	default:
		log.Printf("WARN [Dispatcher] execute: Model requested unknown tool %q", name)
		return ToolExecutionResult{Tool: name, Success: false, Result: "Unknown tool: " + name}
	}
	if err != nil {
		res.Result = nil
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

type sendMessageArgs struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type scheduleMessageArgs struct {
	To           string `json:"to"`
	Message      string `json:"message"`
	ScheduleTime string `json:"schedule_time"`
}

type generateContentArgs struct {
	Topic         string `json:"topic"`
	RecipientName string `json:"recipient_name"`
	Tone          string `json:"tone"`
}

func decodeArgs(raw string, v any, required ...string) error {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return fmt.Errorf("%w: arguments are not a JSON object: %v", models.ErrToolExecution, err)
	}
	for _, key := range required {
		s, ok := fields[key].(string)
		if !ok || strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: missing required argument %q", models.ErrToolExecution, key)
		}
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: invalid arguments: %v", models.ErrToolExecution, err)
	}
	return nil
}

func sendFailure(result models.SendResult) error {
	return fmt.Errorf("%s: %s", result.Outcome, result.Error)
}

func (d *DispatcherService) runSendMessage(ctx context.Context, req DispatchRequest, raw string) (any, error) {
	var args sendMessageArgs
	if err := decodeArgs(raw, &args, "to", "message"); err != nil {
		return nil, err
	}
	result := d.sender.Send(ctx, SendRequest{UserID: req.UserID, Platform: req.Platform, To: args.To, Text: args.Message})
	if !result.Success() {
		return nil, sendFailure(result)
	}
	return map[string]any{"message_id": result.MessageID, "to": args.To, "platform": req.Platform}, nil
}

func (d *DispatcherService) runScheduleMessage(ctx context.Context, req DispatchRequest, raw string) (any, error) {
	var args scheduleMessageArgs
	if err := decodeArgs(raw, &args, "to", "message", "schedule_time"); err != nil {
		return nil, err
	}
	at, err := time.Parse(time.RFC3339, args.ScheduleTime)
	if err != nil {
		return nil, fmt.Errorf("%w: schedule_time must be RFC 3339: %v", models.ErrToolExecution, err)
	}
	if d.scheduler == nil {
		return nil, fmt.Errorf("%w: scheduling is not available", models.ErrScheduling)
	}
	resp, err := d.scheduler.ScheduleMessage(ctx, ScheduleRequest{
		UserID: req.UserID, Platform: req.Platform, To: args.To, Message: args.Message, ScheduleTime: at,
	})
	if err != nil {
		return nil, err
	}
	if resp.Result != nil && !resp.Result.Success() {
		return nil, sendFailure(*resp.Result)
	}
	return resp, nil
}

func (d *DispatcherService) runGenerateContent(ctx context.Context, req DispatchRequest, raw string) (any, error) {
	var args generateContentArgs
	if err := decodeArgs(raw, &args, "topic"); err != nil {
		return nil, err
	}
	tone := args.Tone
	if tone == "" {
		tone = "friendly"
	}
	prompt := fmt.Sprintf("Write a short %s message about %s.", tone, args.Topic)
	if args.RecipientName != "" {
		prompt += fmt.Sprintf(" Address it to %s.", args.RecipientName)
	}
	if req.BrandContext != "" {
		prompt += "\nBusiness context: " + req.BrandContext
	}
	prompt += "\nReply with the message text only."

	resp, err := d.completer.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model:    req.Model,
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("content generation failed: %w", err)
	}
	msg := resp.FirstMessage()
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return nil, errors.New("content generation returned no text")
	}
	return strings.TrimSpace(msg.Content), nil
}
