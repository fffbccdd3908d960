package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/completion"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/keys"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

const testToken = "sk-test-token"

type keySource map[string]*models.APIKey

func (s keySource) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	return s[keyHash], nil
}

type modelSource []models.Model

func (s modelSource) ListModels(ctx context.Context) ([]models.Model, error) {
	return s, nil
}

type stubAdapter struct {
	resp      *providers.ChatResponse
	chunks    []openai.ChatCompletionStreamResponse
	err       error
	streamErr error
}

func (a *stubAdapter) Kind() models.ProviderKind { return models.ProviderBatchingEngine }

func (a *stubAdapter) ChatCompletion(ctx context.Context, model models.Model, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if a.err != nil {
		return nil, a.err
	}
	resp := *a.resp
	return &resp, nil
}

func (a *stubAdapter) ChatCompletionStream(ctx context.Context, model models.Model, req providers.ChatRequest) (providers.StreamReader, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &stubStream{chunks: a.chunks, err: a.streamErr}, nil
}

type stubStream struct {
	chunks []openai.ChatCompletionStreamResponse
	err    error
}

func (s *stubStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return openai.ChatCompletionStreamResponse{}, s.err
		}
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *stubStream) Close() error { return nil }

type memoryRecorder struct {
	mu      sync.Mutex
	entries []models.RequestLogEntry
}

func (r *memoryRecorder) Record(entry models.RequestLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *memoryRecorder) last() models.RequestLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type testServer struct {
	router   http.Handler
	adapter  *stubAdapter
	recorder *memoryRecorder
}

// setupTestServer wires the real gateway components around a stub backend
func setupTestServer(t *testing.T, perMinute int) *testServer {
	t.Helper()

	key := &models.APIKey{
		ID:                 "key-1",
		KeyHash:            database.HashKey(testToken),
		IsActive:           true,
		RateLimitPerMinute: perMinute,
	}
	model := models.Model{
		Name:             "llama-3-8b",
		Provider:         models.ProviderBatchingEngine,
		ModelPath:        "meta-llama/Meta-Llama-3-8B-Instruct",
		MaxContextLength: 8192,
		DefaultMaxTokens: 256,
		IsActive:         true,
		CreatedAt:        time.Unix(1700000000, 0),
	}

	adapter := &stubAdapter{
		resp: &providers.ChatResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "2"},
			}},
			Usage: openai.Usage{PromptTokens: 7, CompletionTokens: 1, TotalTokens: 8},
		},
		chunks: []openai.ChatCompletionStreamResponse{
			{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Role: "assistant", Content: "Hel"}}}},
			{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "lo"}, FinishReason: openai.FinishReasonStop}}},
		},
	}
	recorder := &memoryRecorder{}
	reg := registry.New(modelSource{model}, time.Minute, zap.NewNop())

	gw := completion.New(completion.Options{
		Keys:     keys.NewStore(keySource{key.KeyHash: key}, time.Minute),
		Limiter:  ratelimit.NewMemory(),
		Models:   reg,
		Adapters: providers.NewManager(adapter),
		Recorder: recorder,
		Logger:   zap.NewNop(),
	})

	return &testServer{
		router:   NewRouter(gw, reg, zap.NewNop()),
		adapter:  adapter,
		recorder: recorder,
	}
}

func (s *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	return body.Error
}

const chatBody = `{"model":"llama-3-8b","messages":[{"role":"user","content":"what is 1 + 1"}]}`

func TestChatCompletion(t *testing.T) {
	s := setupTestServer(t, 10)

	for _, path := range []string{"/v1/chat/completions", "/api/v1/chat/completions"} {
		rec := s.do("POST", path, testToken, chatBody)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, rec.Code, rec.Body.String())
		}

		var resp providers.ChatResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "2" {
			t.Errorf("unexpected choices: %+v", resp.Choices)
		}
		if !strings.HasPrefix(resp.ID, "chatcmpl-") || resp.Object != "chat.completion" || resp.Model != "llama-3-8b" {
			t.Errorf("response not normalized: %+v", resp)
		}
		if resp.Usage.TotalTokens != 8 {
			t.Errorf("expected usage to pass through, got %+v", resp.Usage)
		}
	}

	rec := s.do("POST", "/v1/chat/completions", testToken, chatBody)
	if got := rec.Header().Get("X-RateLimit-Limit-Minute"); got != "10" {
		t.Errorf("expected minute limit header 10, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining-Minute"); got != "7" {
		t.Errorf("expected 7 remaining, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit-Hour"); got != "" {
		t.Errorf("unlimited hour window should not be advertised, got %q", got)
	}
}

func TestMissingAndInvalidKey(t *testing.T) {
	s := setupTestServer(t, 10)

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", "missing_api_key"},
		{"unknown", "sk-nope", "invalid_api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do("POST", "/v1/chat/completions", tt.token, chatBody)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			detail := decodeError(t, rec)
			if detail.Code != tt.code || detail.Type != "authentication_error" {
				t.Errorf("unexpected error: %+v", detail)
			}
		})
	}

	if got := s.recorder.last(); got.Status != models.StatusFailed || got.StatusCode != http.StatusUnauthorized {
		t.Errorf("auth failure should be recorded, got %+v", got)
	}
}

func TestUnknownModel(t *testing.T) {
	s := setupTestServer(t, 10)

	rec := s.do("POST", "/v1/chat/completions", testToken,
		`{"model":"gpt-unknown","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "model_not_found" {
		t.Errorf("unexpected error: %+v", detail)
	}
}

func TestInvalidRequests(t *testing.T) {
	s := setupTestServer(t, 0)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"model":`, "invalid_json"},
		{"no messages", `{"model":"llama-3-8b","messages":[]}`, "invalid_messages"},
		{"bad temperature", `{"model":"llama-3-8b","temperature":3,"messages":[{"role":"user","content":"hi"}]}`, "invalid_temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do("POST", "/v1/chat/completions", testToken, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if detail := decodeError(t, rec); detail.Code != tt.code {
				t.Errorf("expected code %s, got %+v", tt.code, detail)
			}
		})
	}
}

func TestRateLimited(t *testing.T) {
	s := setupTestServer(t, 1)

	if rec := s.do("POST", "/v1/chat/completions", testToken, chatBody); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec := s.do("POST", "/v1/chat/completions", testToken, chatBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining-Minute"); got != "0" {
		t.Errorf("expected 0 remaining, got %q", got)
	}
	detail := decodeError(t, rec)
	if detail.Code != "rate_limit_exceeded" || detail.Type != "rate_limit_error" {
		t.Errorf("unexpected error: %+v", detail)
	}
}

func TestBackendUnavailable(t *testing.T) {
	s := setupTestServer(t, 0)
	s.adapter.err = apierr.New(apierr.BackendUnavailable, "backend_unavailable", "engine is down")

	rec := s.do("POST", "/v1/chat/completions", testToken, chatBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	// stream setup failures are reported before any event is written
	rec = s.do("POST", "/v1/chat/completions", testToken,
		`{"model":"llama-3-8b","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for stream, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error, got content type %q", ct)
	}
}

func sseEvents(body string) []string {
	var events []string
	for _, block := range strings.Split(body, "\n\n") {
		if strings.HasPrefix(block, "data: ") {
			events = append(events, strings.TrimPrefix(block, "data: "))
		}
	}
	return events
}

func TestStreamingChat(t *testing.T) {
	s := setupTestServer(t, 0)

	rec := s.do("POST", "/v1/chat/completions", testToken,
		`{"model":"llama-3-8b","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}

	events := sseEvents(rec.Body.String())
	if len(events) != 3 || events[2] != "[DONE]" {
		t.Fatalf("expected two chunks and [DONE], got %q", events)
	}

	var text strings.Builder
	var id string
	for _, e := range events[:2] {
		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(e), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", e, err)
		}
		if id == "" {
			id = chunk.ID
		}
		if chunk.ID != id || chunk.Object != "chat.completion.chunk" || chunk.Model != "llama-3-8b" {
			t.Errorf("chunk not normalized: %+v", chunk)
		}
		text.WriteString(chunk.Choices[0].Delta.Content)
	}
	if text.String() != "Hello" {
		t.Errorf("expected Hello, got %q", text.String())
	}

	if got := s.recorder.last(); got.Status != models.StatusCompleted || !got.Stream {
		t.Errorf("unexpected log entry: %+v", got)
	}
}

func TestStreamingMidStreamError(t *testing.T) {
	s := setupTestServer(t, 0)
	s.adapter.streamErr = apierr.New(apierr.BackendError, "stream_interrupted", "backend closed the stream")

	rec := s.do("POST", "/v1/chat/completions", testToken,
		`{"model":"llama-3-8b","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	events := sseEvents(rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected two chunks and an error event, got %q", events)
	}
	for _, e := range events {
		if e == "[DONE]" {
			t.Fatal("a failed stream must not end with [DONE]")
		}
	}

	var body errorBody
	if err := json.Unmarshal([]byte(events[2]), &body); err != nil {
		t.Fatalf("error event is not JSON: %v", err)
	}
	if body.Error.Code != "stream_interrupted" || body.Error.Type != "backend_error" {
		t.Errorf("unexpected error event: %+v", body.Error)
	}

	if got := s.recorder.last(); got.Status != models.StatusFailed || got.ErrorType != "stream_interrupted" {
		t.Errorf("unexpected log entry: %+v", got)
	}
}

func TestListModels(t *testing.T) {
	s := setupTestServer(t, 0)

	for _, path := range []string{"/v1/models", "/api/v1/models"} {
		rec := s.do("GET", path, testToken, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}

		var raw map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if raw["object"] != "list" {
			t.Errorf("expected list object, got %v", raw["object"])
		}
		data := raw["data"].([]interface{})
		if len(data) != 1 {
			t.Fatalf("expected one model, got %d", len(data))
		}
		m := data[0].(map[string]interface{})
		if m["id"] != "llama-3-8b" || m["object"] != "model" || m["owned_by"] != "vllm" {
			t.Errorf("unexpected model: %v", m)
		}
		if m["root"] != "meta-llama/Meta-Llama-3-8B-Instruct" || m["max_context_length"] != float64(8192) {
			t.Errorf("unexpected model metadata: %v", m)
		}
		if parent, ok := m["parent"]; !ok || parent != nil {
			t.Errorf("parent should be present and null, got %v", parent)
		}
		if m["created"] != float64(1700000000) {
			t.Errorf("unexpected created: %v", m["created"])
		}
	}

	if rec := s.do("GET", "/v1/models", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("models list requires a key, got %d", rec.Code)
	}
}

func TestHealthAndCORS(t *testing.T) {
	s := setupTestServer(t, 0)

	rec := s.do("GET", "/health", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}

	rec = s.do("OPTIONS", "/v1/chat/completions", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("preflight should succeed without a key, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestListModelsSpendsNoQuota(t *testing.T) {
	s := setupTestServer(t, 2)

	for i := 0; i < 5; i++ {
		rec := s.do("GET", "/v1/models", testToken, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("models list %d: expected 200, got %d", i, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining-Minute"); got != "" {
			t.Errorf("models list should not report quota, got %q", got)
		}
	}

	rec := s.do("POST", "/v1/chat/completions", testToken, chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat after listing models: expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining-Minute"); got != "1" {
		t.Errorf("expected 1 remaining after the first completion, got %q", got)
	}
}
