package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// ChatRequest represents a chat completion request
type ChatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	TopK        *int                           `json:"top_k,omitempty"`
	Stop        StopSequences                  `json:"stop,omitempty"`
	Seed        *int                           `json:"seed,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`

	// Warmup marks internal keep-alive probes; never read from the wire
	Warmup bool `json:"-"`
}

// StopSequences accepts either a single string or an array of strings
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*s = nil
		} else {
			*s = StopSequences{single}
		}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	ID                string                        `json:"id"`
	Object            string                        `json:"object"`
	Created           int64                         `json:"created"`
	Model             string                        `json:"model"`
	Choices           []openai.ChatCompletionChoice `json:"choices"`
	Usage             openai.Usage                  `json:"usage"`
	SystemFingerprint string                        `json:"system_fingerprint,omitempty"`
}

// StreamReader yields chunks until it returns io.EOF. Close releases the
// backend connection and is safe to call more than once.
type StreamReader interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Adapter is the interface every backend kind implements. Errors are
// *apierr.Error values.
type Adapter interface {
	Kind() models.ProviderKind
	ChatCompletion(ctx context.Context, model models.Model, req ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, model models.Model, req ChatRequest) (StreamReader, error)
}

// MessageText flattens a message's content, joining multi-part text
func MessageText(msg openai.ChatCompletionMessage) string {
	if msg.Content != "" || len(msg.MultiContent) == 0 {
		return msg.Content
	}
	var b strings.Builder
	for _, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// FormatPrompt renders messages as a role-prefixed transcript
func FormatPrompt(messages []openai.ChatCompletionMessage) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		text := MessageText(msg)
		switch msg.Role {
		case openai.ChatMessageRoleSystem:
			parts = append(parts, "System: "+text)
		case openai.ChatMessageRoleUser:
			parts = append(parts, "User: "+text)
		case openai.ChatMessageRoleAssistant:
			parts = append(parts, "Assistant: "+text)
		case openai.ChatMessageRoleTool:
			parts = append(parts, "Tool: "+text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ApproximateTokens estimates a token count at roughly four characters per token
func ApproximateTokens(text string) int {
	return len(text) / 4
}

// EstimatePromptTokens approximates the prompt size of a message list
func EstimatePromptTokens(messages []openai.ChatCompletionMessage) int {
	return ApproximateTokens(FormatPrompt(messages))
}
