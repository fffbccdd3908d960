package completion

import (
	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

var allowedRoles = map[string]bool{
	openai.ChatMessageRoleSystem:    true,
	openai.ChatMessageRoleUser:      true,
	openai.ChatMessageRoleAssistant: true,
	openai.ChatMessageRoleTool:      true,
}

func invalid(code, format string, args ...interface{}) error {
	return apierr.New(apierr.InvalidRequest, code, format, args...)
}

func validate(req providers.ChatRequest) error {
	if len(req.Messages) == 0 {
		return invalid("invalid_messages", "'messages' must be a non-empty array")
	}
	for i, msg := range req.Messages {
		if !allowedRoles[msg.Role] {
			return invalid("invalid_role", "messages[%d].role %q is not one of system, user, assistant, tool", i, msg.Role)
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return invalid("invalid_temperature", "'temperature' must be between 0 and 2")
	}
	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		return invalid("invalid_max_tokens", "'max_tokens' must not be negative")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return invalid("invalid_top_p", "'top_p' must be between 0 and 1")
	}
	if req.TopK != nil && *req.TopK < 0 {
		return invalid("invalid_top_k", "'top_k' must not be negative")
	}
	return nil
}

// prepare validates req and returns a copy with the model's defaults applied.
// The caller's request is left untouched.
func prepare(model models.Model, req providers.ChatRequest) (providers.ChatRequest, error) {
	if err := validate(req); err != nil {
		return req, err
	}

	effective := req
	effective.Model = model.Name
	effective.Messages = append([]openai.ChatCompletionMessage(nil), req.Messages...)
	effective.Stop = append(providers.StopSequences(nil), req.Stop...)

	if req.Temperature == nil {
		t := float32(model.DefaultTemperature)
		effective.Temperature = &t
	}
	// zero means "not set" for max_tokens
	if req.MaxTokens == nil || *req.MaxTokens == 0 {
		n := model.DefaultMaxTokens
		effective.MaxTokens = &n
	}

	return effective, nil
}
