package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// LocalServer talks to an Ollama-style model server over its native chat API
type LocalServer struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// LocalChatRequest is the body of POST /api/chat
type LocalChatRequest struct {
	Model    string         `json:"model"`
	Messages []LocalMessage `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  LocalOptions   `json:"options"`
}

// LocalMessage is one chat turn in the local server's format
type LocalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LocalOptions carries sampling parameters
type LocalOptions struct {
	Temperature *float32 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

// LocalChatResponse is one response object; streaming sends one per line
type LocalChatResponse struct {
	Model           string       `json:"model"`
	Message         LocalMessage `json:"message"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason"`
	PromptEvalCount int          `json:"prompt_eval_count"`
	EvalCount       int          `json:"eval_count"`
	Error           string       `json:"error"`
}

// NewLocalServer creates the adapter
func NewLocalServer(httpClient *http.Client, logger *zap.Logger) *LocalServer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &LocalServer{httpClient: httpClient, logger: logger}
}

// Kind returns the provider kind
func (p *LocalServer) Kind() models.ProviderKind {
	return models.ProviderLocalServer
}

func (p *LocalServer) convertRequest(model models.Model, req ChatRequest, stream bool) LocalChatRequest {
	localReq := LocalChatRequest{
		Model:    model.BackendModel(),
		Messages: make([]LocalMessage, 0, len(req.Messages)),
		Stream:   stream,
		Options: LocalOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			TopP:        req.TopP,
			TopK:        req.TopK,
			Stop:        req.Stop,
			Seed:        req.Seed,
		},
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case openai.ChatMessageRoleSystem, openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant:
			localReq.Messages = append(localReq.Messages, LocalMessage{Role: msg.Role, Content: MessageText(msg)})
		}
	}

	return localReq
}

func (p *LocalServer) post(ctx context.Context, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalFault, "internal_error", err, "failed to encode local server request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalFault, "internal_error", err, "failed to build local server request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, "local model server", err)
	}
	return resp, nil
}

// readError extracts the error message of a failed response and closes it
func readError(resp *http.Response) string {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(body))
}

// chat sends the request, pulling the model and retrying once if the server
// does not have it yet
func (p *LocalServer) chat(ctx context.Context, model models.Model, localReq LocalChatRequest) (*http.Response, error) {
	url := strings.TrimRight(model.BaseURL, "/") + "/api/chat"

	resp, err := p.post(ctx, url, localReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		msg := readError(resp)
		p.logger.Info("model not found on local server, pulling",
			zap.String("model", model.Name), zap.String("backend_model", localReq.Model), zap.String("reason", msg))

		if err := p.pull(ctx, model); err != nil {
			return nil, err
		}

		resp, err = p.post(ctx, url, localReq)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("local model server", resp.StatusCode, readError(resp))
	}

	return resp, nil
}

// pull downloads the model onto the local server
func (p *LocalServer) pull(ctx context.Context, model models.Model) error {
	url := strings.TrimRight(model.BaseURL, "/") + "/api/pull"
	startTime := time.Now()

	resp, err := p.post(ctx, url, map[string]interface{}{
		"model":  model.BackendModel(),
		"stream": false,
	})
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		msg := readError(resp)
		return apierr.New(apierr.BackendError, "model_pull_failed",
			"failed to pull model %s: %s", model.BackendModel(), msg)
	}
	resp.Body.Close()

	p.logger.Info("pulled model on local server",
		zap.String("backend_model", model.BackendModel()), zap.Duration("took", time.Since(startTime)))
	return nil
}

func finishReason(doneReason string) openai.FinishReason {
	if doneReason == "length" {
		return openai.FinishReasonLength
	}
	return openai.FinishReasonStop
}

// ChatCompletion makes a chat completion request to the local server
func (p *LocalServer) ChatCompletion(ctx context.Context, model models.Model, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.chat(ctx, model, p.convertRequest(model, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var localResp LocalChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&localResp); err != nil {
		return nil, classifyTransportError(ctx, "local model server",
			fmt.Errorf("failed to parse response: %w", err))
	}
	if localResp.Error != "" {
		return nil, apierr.New(apierr.BackendError, "backend_error", "local model server error: %s", localResp.Error)
	}

	return &ChatResponse{
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model.Name,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: localResp.Message.Content,
				},
				FinishReason: finishReason(localResp.DoneReason),
			},
		},
		Usage: openai.Usage{
			PromptTokens:     localResp.PromptEvalCount,
			CompletionTokens: localResp.EvalCount,
			TotalTokens:      localResp.PromptEvalCount + localResp.EvalCount,
		},
	}, nil
}

// ChatCompletionStream opens a streaming chat completion
func (p *LocalServer) ChatCompletionStream(ctx context.Context, model models.Model, req ChatRequest) (StreamReader, error) {
	resp, err := p.chat(ctx, model, p.convertRequest(model, req, true))
	if err != nil {
		return nil, err
	}

	return &localStreamReader{
		ctx:     ctx,
		reader:  bufio.NewReader(resp.Body),
		resp:    resp,
		model:   model.Name,
		created: time.Now().Unix(),
	}, nil
}

// localStreamReader converts newline-delimited JSON into chunks
type localStreamReader struct {
	ctx       context.Context
	reader    *bufio.Reader
	resp      *http.Response
	model     string
	created   int64
	sentRole  bool
	done      bool
	closeOnce sync.Once
}

// Recv reads the next streaming chunk
func (r *localStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	if r.done {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}

	for {
		line, err := r.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return openai.ChatCompletionStreamResponse{}, r.readFailure(err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return openai.ChatCompletionStreamResponse{}, r.readFailure(err)
			}
			continue
		}

		var localResp LocalChatResponse
		if jsonErr := json.Unmarshal(line, &localResp); jsonErr != nil {
			return openai.ChatCompletionStreamResponse{}, apierr.Wrap(apierr.BackendError, "invalid_backend_response",
				jsonErr, "local model server sent an unreadable chunk")
		}
		if localResp.Error != "" {
			return openai.ChatCompletionStreamResponse{}, apierr.New(apierr.BackendError, "backend_error",
				"local model server error: %s", localResp.Error)
		}

		return r.convertChunk(localResp), nil
	}
}

func (r *localStreamReader) readFailure(err error) error {
	if errors.Is(err, io.EOF) {
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return apierr.From(ctxErr)
		}
		return apierr.Wrap(apierr.BackendError, "stream_interrupted", io.ErrUnexpectedEOF,
			"local model server closed the stream early")
	}
	return classifyTransportError(r.ctx, "local model server", err)
}

func (r *localStreamReader) convertChunk(resp LocalChatResponse) openai.ChatCompletionStreamResponse {
	choice := openai.ChatCompletionStreamChoice{
		Index: 0,
		Delta: openai.ChatCompletionStreamChoiceDelta{Content: resp.Message.Content},
	}
	if !r.sentRole {
		choice.Delta.Role = openai.ChatMessageRoleAssistant
		r.sentRole = true
	}

	chunk := openai.ChatCompletionStreamResponse{
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
		Choices: []openai.ChatCompletionStreamChoice{choice},
	}

	if resp.Done {
		r.done = true
		chunk.Choices[0].FinishReason = finishReason(resp.DoneReason)
		chunk.Usage = &openai.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}

	return chunk
}

// Close closes the stream
func (r *localStreamReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.resp != nil && r.resp.Body != nil {
			err = r.resp.Body.Close()
		}
	})
	return err
}
