package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/completion"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// maxBodyBytes bounds a decoded request body
const maxBodyBytes = 8 << 20

// Completer runs completions for an admitted caller
type Completer interface {
	Complete(ctx context.Context, key *models.APIKey, req providers.ChatRequest) (*providers.ChatResponse, error)
	OpenStream(ctx context.Context, key *models.APIKey, req providers.ChatRequest) (*completion.Stream, error)
}

type ChatHandler struct {
	gateway Completer
	logger  *zap.Logger
}

func NewChatHandler(gateway Completer, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		gateway: gateway,
		logger:  logger,
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	// Set by AuthMiddleware
	admission := admissionFrom(ctx)
	if admission == nil {
		writeError(w, apierr.New(apierr.Unauthorized, "missing_api_key", "Missing API key"))
		return
	}

	var req providers.ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidRequest, "invalid_json", err, "invalid request body"))
		return
	}

	if req.Stream {
		h.handleStreamingChat(w, r, admission.Key, req)
		return
	}

	resp, err := h.gateway.Complete(ctx, admission.Key, req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Latency-Ms", strconv.FormatInt(time.Since(startTime).Milliseconds(), 10))
	writeJSON(w, http.StatusOK, resp)
}

// handleStreamingChat relays chunks as server-sent events. Failures before the
// first chunk get a regular error response; later ones an error event.
func (h *ChatHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, key *models.APIKey, req providers.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.InternalFault, "streaming_unsupported", "streaming not supported"))
		return
	}

	stream, err := h.gateway.OpenStream(r.Context(), key, req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if apierr.KindOf(err) == apierr.Cancelled {
				return
			}
			_, body := errorPayload(err)
			data, _ := json.Marshal(body)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			return
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			h.logger.Error("failed to encode stream chunk", zap.String("id", stream.ID()), zap.Error(err))
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// client went away; Close records the call as cancelled
			return
		}
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}
