package providers

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// BatchingEngine talks to a vLLM-style OpenAI-compatible server
type BatchingEngine struct {
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewBatchingEngine creates the adapter. Request deadlines come from the
// call context, so the HTTP client carries no timeout of its own.
func NewBatchingEngine(httpClient *http.Client) *BatchingEngine {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &BatchingEngine{
		httpClient: httpClient,
		clients:    make(map[string]*openai.Client),
	}
}

// Kind returns the provider kind
func (p *BatchingEngine) Kind() models.ProviderKind {
	return models.ProviderBatchingEngine
}

// client returns a cached client per endpoint and credential
func (p *BatchingEngine) client(model models.Model) *openai.Client {
	key := model.Endpoint + "\x00" + model.AuthToken

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c
	}

	cfg := openai.DefaultConfig(model.AuthToken)
	cfg.BaseURL = model.Endpoint
	cfg.HTTPClient = p.httpClient

	c := openai.NewClientWithConfig(cfg)
	p.clients[key] = c
	return c
}

// checkContextLength rejects prompts that cannot fit; it never truncates
func checkContextLength(model models.Model, req ChatRequest) error {
	if model.MaxContextLength <= 0 {
		return nil
	}

	promptTokens := EstimatePromptTokens(req.Messages)
	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	if promptTokens+maxTokens > model.MaxContextLength {
		return apierr.New(apierr.InvalidRequest, "context_length_exceeded",
			"This model's maximum context length is %d tokens. However, you requested about %d tokens (%d in the messages, %d in the completion)",
			model.MaxContextLength, promptTokens+maxTokens, promptTokens, maxTokens)
	}
	return nil
}

func (p *BatchingEngine) buildRequest(model models.Model, req ChatRequest, stream bool) openai.ChatCompletionRequest {
	engineReq := openai.ChatCompletionRequest{
		Model:    model.BackendModel(),
		Messages: req.Messages,
		Stop:     req.Stop,
		Seed:     req.Seed,
		Stream:   stream,
	}

	if req.Temperature != nil {
		// the client drops a zero temperature; send the closest non-zero value
		engineReq.Temperature = *req.Temperature
		if engineReq.Temperature == 0 {
			engineReq.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if req.MaxTokens != nil {
		engineReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		engineReq.TopP = *req.TopP
	}
	if stream {
		engineReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	return engineReq
}

// ChatCompletion makes a chat completion request to the engine
func (p *BatchingEngine) ChatCompletion(ctx context.Context, model models.Model, req ChatRequest) (*ChatResponse, error) {
	if err := checkContextLength(model, req); err != nil {
		return nil, err
	}

	resp, err := p.client(model).CreateChatCompletion(ctx, p.buildRequest(model, req, false))
	if err != nil {
		return nil, classifyEngineError(ctx, err)
	}

	return &ChatResponse{
		ID:                resp.ID,
		Object:            resp.Object,
		Created:           resp.Created,
		Model:             resp.Model,
		Choices:           resp.Choices,
		Usage:             resp.Usage,
		SystemFingerprint: resp.SystemFingerprint,
	}, nil
}

// ChatCompletionStream opens a streaming chat completion
func (p *BatchingEngine) ChatCompletionStream(ctx context.Context, model models.Model, req ChatRequest) (StreamReader, error) {
	if err := checkContextLength(model, req); err != nil {
		return nil, err
	}

	stream, err := p.client(model).CreateChatCompletionStream(ctx, p.buildRequest(model, req, true))
	if err != nil {
		return nil, classifyEngineError(ctx, err)
	}

	return &engineStreamReader{ctx: ctx, stream: stream}, nil
}

// engineStreamReader wraps the client's stream
type engineStreamReader struct {
	ctx       context.Context
	stream    *openai.ChatCompletionStream
	closeOnce sync.Once
}

// Recv reads the next chunk
func (r *engineStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	chunk, err := r.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return chunk, io.EOF
		}
		return chunk, classifyEngineError(r.ctx, err)
	}
	return chunk, nil
}

// Close closes the stream
func (r *engineStreamReader) Close() error {
	r.closeOnce.Do(func() {
		r.stream.Close()
	})
	return nil
}
