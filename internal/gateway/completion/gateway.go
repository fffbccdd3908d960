// Package completion runs a chat completion through its lifecycle:
// authenticate, admit, resolve, dispatch, then record the outcome.
package completion

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// Limits on client-supplied text copied into request log entries
const (
	maxLoggedModelLength   = 255
	maxLoggedMessageLength = 1000
)

// Authenticator resolves a bearer token to a key
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.APIKey, error)
}

// Resolver resolves a public model name
type Resolver interface {
	Resolve(ctx context.Context, name string) (models.Model, error)
}

// AdapterSource returns the adapter for a model
type AdapterSource interface {
	Get(model models.Model) (providers.Adapter, error)
}

// Recorder accepts finished request log entries without blocking
type Recorder interface {
	Record(entry models.RequestLogEntry)
}

// ResponseCache stores deterministic completions
type ResponseCache interface {
	Get(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, bool, error)
	Set(ctx context.Context, req providers.ChatRequest, resp *providers.ChatResponse) error
}

// Options wires a Gateway. Cache is optional.
type Options struct {
	Keys     Authenticator
	Limiter  ratelimit.Limiter
	Models   Resolver
	Adapters AdapterSource
	Recorder Recorder
	Cache    ResponseCache

	BackendTimeout time.Duration
	StreamTimeout  time.Duration

	Logger *zap.Logger
}

// Gateway serves chat completions
type Gateway struct {
	keys     Authenticator
	limiter  ratelimit.Limiter
	models   Resolver
	adapters AdapterSource
	recorder Recorder
	cache    ResponseCache

	backendTimeout time.Duration
	streamTimeout  time.Duration

	logger *zap.Logger
	now    func() time.Time
}

// New creates a gateway
func New(opts Options) *Gateway {
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = 120 * time.Second
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Gateway{
		keys:           opts.Keys,
		limiter:        opts.Limiter,
		models:         opts.Models,
		adapters:       opts.Adapters,
		recorder:       opts.Recorder,
		cache:          opts.Cache,
		backendTimeout: opts.BackendTimeout,
		streamTimeout:  opts.StreamTimeout,
		logger:         opts.Logger,
		now:            time.Now,
	}
}

// Admission is an authenticated caller that passed the rate limiter
type Admission struct {
	Key      *models.APIKey
	Decision ratelimit.Decision
}

// Authenticate checks token without consuming rate limit quota. It serves
// metadata endpoints; failures are recorded like Authorize's.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*models.APIKey, error) {
	start := g.now()

	key, err := g.keys.Authenticate(ctx, token)
	if err != nil {
		g.finish(g.newEntry(nil, "", start), start, nil, err)
		return nil, err
	}
	return key, nil
}

// Authorize authenticates token and admits it against the key's quotas.
// Rejections are recorded.
func (g *Gateway) Authorize(ctx context.Context, token string) (*Admission, error) {
	start := g.now()

	key, err := g.keys.Authenticate(ctx, token)
	if err != nil {
		g.finish(g.newEntry(nil, "", start), start, nil, err)
		return nil, err
	}

	decision, err := g.limiter.Admit(ctx, key)
	if err != nil {
		// limiter outages must not take the gateway down
		g.logger.Warn("rate limiter unavailable, admitting request",
			zap.String("api_key_id", key.ID), zap.Error(err))
		return &Admission{Key: key, Decision: ratelimit.Decision{Allowed: true, RemainingMinute: -1, RemainingHour: -1}}, nil
	}

	if !decision.Allowed {
		limit := key.RateLimitPerMinute
		if decision.Window == ratelimit.WindowHour {
			limit = key.RateLimitPerHour
		}
		rejected := apierr.New(apierr.RateLimited, "rate_limit_exceeded",
			"Rate limit exceeded: %d requests per %s", limit, decision.Window)
		rejected.RetryAfter = decision.RetryAfter

		g.finish(g.newEntry(key, "", start), start, nil, rejected)
		return &Admission{Key: key, Decision: decision}, rejected
	}

	return &Admission{Key: key, Decision: decision}, nil
}

func (g *Gateway) newEntry(key *models.APIKey, model string, start time.Time) models.RequestLogEntry {
	entry := models.RequestLogEntry{
		ID:        uuid.NewString(),
		Model:     truncate(model, maxLoggedModelLength),
		CreatedAt: start,
	}
	if key != nil {
		entry.APIKeyID = key.ID
	}
	return entry
}

// dispatchable resolves the model and prepares the effective request
func (g *Gateway) dispatchable(ctx context.Context, req providers.ChatRequest, entry *models.RequestLogEntry) (models.Model, providers.ChatRequest, providers.Adapter, error) {
	model, err := g.models.Resolve(ctx, req.Model)
	if err != nil {
		return models.Model{}, req, nil, err
	}
	entry.Provider = model.Provider

	effective, err := prepare(model, req)
	if err != nil {
		return model, req, nil, err
	}

	adapter, err := g.adapters.Get(model)
	if err != nil {
		return model, req, nil, err
	}

	return model, effective, adapter, nil
}

// Complete runs a non-streaming completion. A nil key is the internal system
// principal.
func (g *Gateway) Complete(ctx context.Context, key *models.APIKey, req providers.ChatRequest) (*providers.ChatResponse, error) {
	start := g.now()
	entry := g.newEntry(key, req.Model, start)
	entry.Warmup = req.Warmup

	model, effective, adapter, err := g.dispatchable(ctx, req, &entry)
	if err != nil {
		g.finish(entry, start, nil, err)
		return nil, err
	}

	if g.cache != nil && cache.Cacheable(effective) {
		cached, hit, err := g.cache.Get(ctx, effective)
		if err != nil {
			g.logger.Warn("response cache lookup failed", zap.String("model", model.Name), zap.Error(err))
		}
		if hit {
			entry.CacheHit = true
			resp := g.restamp(cached, model)
			g.finish(entry, start, &resp.Usage, nil)
			return resp, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.backendTimeout)
	defer cancel()

	resp, err := adapter.ChatCompletion(callCtx, model, effective)
	if err != nil {
		g.finish(entry, start, nil, err)
		return nil, err
	}

	resp, err = g.normalize(resp, model, effective)
	if err != nil {
		g.finish(entry, start, nil, err)
		return nil, err
	}

	if g.cache != nil && cache.Cacheable(effective) {
		if err := g.cache.Set(ctx, effective, resp); err != nil {
			g.logger.Warn("response cache store failed", zap.String("model", model.Name), zap.Error(err))
		}
	}

	g.finish(entry, start, &resp.Usage, nil)
	return resp, nil
}

// restamp gives a cached response a fresh identity
func (g *Gateway) restamp(cached *providers.ChatResponse, model models.Model) *providers.ChatResponse {
	resp := *cached
	resp.ID = newCompletionID()
	resp.Created = g.now().Unix()
	resp.Model = model.Name
	return &resp
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// normalize stamps gateway identity onto a backend response and fills in
// missing usage by approximation
func (g *Gateway) normalize(resp *providers.ChatResponse, model models.Model, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, apierr.New(apierr.BackendError, "empty_response", "backend returned no choices")
	}

	resp.ID = newCompletionID()
	resp.Object = "chat.completion"
	resp.Created = g.now().Unix()
	resp.Model = model.Name

	completionText := ""
	for i := range resp.Choices {
		if resp.Choices[i].Message.Role == "" {
			resp.Choices[i].Message.Role = openai.ChatMessageRoleAssistant
		}
		if resp.Choices[i].FinishReason == "" {
			resp.Choices[i].FinishReason = openai.FinishReasonStop
		}
		completionText += providers.MessageText(resp.Choices[i].Message)
	}

	resp.Usage = fillUsage(resp.Usage, req, completionText)
	return resp, nil
}

func fillUsage(usage openai.Usage, req providers.ChatRequest, completionText string) openai.Usage {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage.PromptTokens = providers.EstimatePromptTokens(req.Messages)
		usage.CompletionTokens = providers.ApproximateTokens(completionText)
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// finish records the terminal state of a call
func (g *Gateway) finish(entry models.RequestLogEntry, start time.Time, usage *openai.Usage, err error) {
	entry.LatencyMs = int(g.now().Sub(start).Milliseconds())

	if err == nil {
		entry.Status = models.StatusCompleted
		entry.StatusCode = 200
		if usage != nil {
			entry.PromptTokens = usage.PromptTokens
			entry.CompletionTokens = usage.CompletionTokens
			entry.TotalTokens = usage.TotalTokens
		}
		g.recorder.Record(entry)
		return
	}

	apiErr := apierr.From(err)
	entry.Status = models.StatusFailed
	if apiErr.Kind == apierr.Cancelled {
		entry.Status = models.StatusCancelled
	}
	entry.StatusCode = apiErr.Status()
	entry.ErrorType = apiErr.Code
	entry.ErrorMessage = truncate(apiErr.Error(), maxLoggedMessageLength)
	g.recorder.Record(entry)

	fields := []zap.Field{
		zap.String("request_id", entry.ID),
		zap.String("api_key_id", entry.APIKeyID),
		zap.String("model", entry.Model),
		zap.String("kind", string(apiErr.Kind)),
		zap.String("code", apiErr.Code),
		zap.Error(err),
	}
	switch apiErr.Kind {
	case apierr.InternalFault:
		g.logger.Error("completion failed", fields...)
	case apierr.BackendError, apierr.BackendUnavailable:
		g.logger.Warn("backend call failed", fields...)
	default:
		g.logger.Debug("request rejected", fields...)
	}
}

// truncate caps s at n bytes without splitting a rune. Invalid UTF-8 from
// backend bodies is replaced so the entry stays storable as text.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
