package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

func localModel(url string) models.Model {
	return models.Model{
		Name:             "qwen",
		Provider:         models.ProviderLocalServer,
		ModelPath:        "qwen2:7b",
		BaseURL:          url,
		MaxContextLength: 4096,
	}
}

func newTestLocalServer() *LocalServer {
	return NewLocalServer(nil, zap.NewNop())
}

func TestLocalServerChatCompletion(t *testing.T) {
	var got LocalChatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"model":"qwen2:7b","message":{"role":"assistant","content":"2"},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":1}`)
	}))
	defer server.Close()

	req := userRequest("what is 1 + 1")
	req.Temperature = float32Ptr(0)
	req.TopK = intPtr(40)

	resp, err := newTestLocalServer().ChatCompletion(context.Background(), localModel(server.URL), req)
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}

	if got.Model != "qwen2:7b" || got.Stream {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.Options.Temperature == nil || *got.Options.Temperature != 0 {
		t.Error("zero temperature must be forwarded")
	}
	if got.Options.NumPredict == nil || *got.Options.NumPredict != 16 {
		t.Errorf("num_predict: got %v", got.Options.NumPredict)
	}
	if got.Options.TopK == nil || *got.Options.TopK != 40 {
		t.Errorf("top_k: got %v", got.Options.TopK)
	}

	if resp.Model != "qwen" {
		t.Errorf("Model: got %q, want registry name", resp.Model)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "2" {
		t.Errorf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 1 || resp.Usage.TotalTokens != 13 {
		t.Errorf("usage: got %+v", resp.Usage)
	}
}

func TestLocalServerPullsMissingModel(t *testing.T) {
	var mu sync.Mutex
	pulled := false
	var paths []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)

		switch r.URL.Path {
		case "/api/pull":
			pulled = true
			fmt.Fprint(w, `{"status":"success"}`)
		case "/api/chat":
			if !pulled {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error":"model \"qwen2:7b\" not found, try pulling it first"}`)
				return
			}
			fmt.Fprint(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
		}
	}))
	defer server.Close()

	resp, err := newTestLocalServer().ChatCompletion(context.Background(), localModel(server.URL), userRequest("hi"))
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}

	want := []string{"/api/chat", "/api/pull", "/api/chat"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("calls: got %v, want %v", paths, want)
	}
}

func TestLocalServerPullFailure(t *testing.T) {
	var chatCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/chat" {
			chatCalls++
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model not found"}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"pull failed: no space left"}`)
	}))
	defer server.Close()

	_, err := newTestLocalServer().ChatCompletion(context.Background(), localModel(server.URL), userRequest("hi"))
	apiErr := apierr.From(err)
	if apiErr.Kind != apierr.BackendError || apiErr.Code != "model_pull_failed" {
		t.Errorf("expected model_pull_failed, got %v", err)
	}
	if chatCalls != 1 {
		t.Errorf("chat should not be retried after a failed pull, got %d calls", chatCalls)
	}
}

func TestLocalServerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestLocalServer().ChatCompletion(context.Background(), localModel(url), userRequest("hi"))
	if kind := apierr.KindOf(err); kind != apierr.BackendUnavailable {
		t.Errorf("got %s (%v), want backend_unavailable", kind, err)
	}
}

func TestLocalServerStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req LocalChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream flag not set")
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"1 + 1"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" = 2"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":3}`)
	}))
	defer server.Close()

	stream, err := newTestLocalServer().ChatCompletionStream(context.Background(), localModel(server.URL), userRequest("hi"))
	if err != nil {
		t.Fatalf("ChatCompletionStream failed: %v", err)
	}
	defer stream.Close()

	var text strings.Builder
	var chunks int
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		chunks++
		if chunks == 1 && chunk.Choices[0].Delta.Role != "assistant" {
			t.Error("first chunk should carry the assistant role")
		}
		text.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Usage != nil && chunk.Usage.TotalTokens != 10 {
			t.Errorf("usage: got %+v", chunk.Usage)
		}
	}

	if chunks != 3 {
		t.Errorf("chunks: got %d, want 3", chunks)
	}
	if text.String() != "1 + 1 = 2" {
		t.Errorf("text: got %q", text.String())
	}

	// the sequence is finite and not restartable
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv after end: got %v, want io.EOF", err)
	}
}

func TestLocalServerStreamTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
	}))
	defer server.Close()

	stream, err := newTestLocalServer().ChatCompletionStream(context.Background(), localModel(server.URL), userRequest("hi"))
	if err != nil {
		t.Fatalf("ChatCompletionStream failed: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv failed: %v", err)
	}
	_, err = stream.Recv()
	if apierr.From(err).Code != "stream_interrupted" {
		t.Errorf("expected stream_interrupted, got %v", err)
	}
}

func TestLocalServerStreamCloseReleasesConnection(t *testing.T) {
	closed := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(closed)
	}))
	defer server.Close()

	stream, err := newTestLocalServer().ChatCompletionStream(context.Background(), localModel(server.URL), userRequest("hi"))
	if err != nil {
		t.Fatalf("ChatCompletionStream failed: %v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv failed: %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Error("backend connection was not released on Close")
	}
}

func TestLocalServerStreamCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := newTestLocalServer().ChatCompletionStream(ctx, localModel(server.URL), userRequest("hi"))
	if err != nil {
		t.Fatalf("ChatCompletionStream failed: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv failed: %v", err)
	}

	cancel()
	if _, err := stream.Recv(); apierr.KindOf(err) != apierr.Cancelled {
		t.Errorf("expected cancelled, got %v", err)
	}
}

func TestManager(t *testing.T) {
	m := NewManager(NewBatchingEngine(nil), newTestLocalServer())

	a, err := m.Get(models.Model{Name: "qwen", Provider: models.ProviderLocalServer})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.Kind() != models.ProviderLocalServer {
		t.Errorf("Kind: got %s", a.Kind())
	}

	if _, err := NewManager().Get(models.Model{Name: "llama", Provider: models.ProviderBatchingEngine}); apierr.KindOf(err) != apierr.InternalFault {
		t.Errorf("expected internal fault for unconfigured provider, got %v", err)
	}
}
