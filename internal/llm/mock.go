package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ModeMock selects MockClient in NewCompleter.
const ModeMock = "MOCK"

// ResponderFunc scripts a MockClient answer for one request.
type ResponderFunc func(req *ChatCompletionRequest) (*ChatCompletionResponse, error)

// MockClient answers without network access. With no responder it echoes the
// last user message. Requests are recorded for assertions.
type MockClient struct {
	mu        sync.Mutex
	responder ResponderFunc
	requests  []ChatCompletionRequest
}

var _ Completer = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

// NewScriptedClient returns a MockClient whose answers come from fn.
func NewScriptedClient(fn ResponderFunc) *MockClient {
	return &MockClient{responder: fn}
}

func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.requests = append(m.requests, *req)
	responder := m.responder
	m.mu.Unlock()

	if responder != nil {
		return responder(req)
	}
	return TextResponse(req.Model, m.generateMockResponse(req)), nil
}

// Requests returns a copy of every request seen so far.
func (m *MockClient) Requests() []ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatCompletionRequest(nil), m.requests...)
}

// TextResponse builds a single-choice assistant answer.
func TextResponse(model, content string) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      &ChatMessage{Role: RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
	}
}

// ToolCallResponse builds an assistant answer that requests the given tool calls.
func ToolCallResponse(model, content string, calls ...ToolCall) *ChatCompletionResponse {
	resp := TextResponse(model, content)
	resp.Choices[0].Message.ToolCalls = calls
	resp.Choices[0].FinishReason = "tool_calls"
	return resp
}

func (m *MockClient) generateMockResponse(req *ChatCompletionRequest) string {
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}
	if lastUserMessage == "" {
		return "[MOCK] This is a mock response from the LLM client."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
