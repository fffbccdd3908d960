package completion

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// Stream is a finite sequence of normalized chunks. Recv returns io.EOF after
// the last chunk; once ended it keeps returning the same terminal error.
// Close must always be called; closing before the end records the call as
// cancelled.
type Stream struct {
	g       *Gateway
	reader  providers.StreamReader
	cancel  context.CancelFunc
	ctx     context.Context
	model   models.Model
	req     providers.ChatRequest
	entry   models.RequestLogEntry
	start   time.Time
	id      string
	created int64

	text     strings.Builder
	usage    *openai.Usage
	terminal error
	once     sync.Once
}

// OpenStream starts a streaming completion
func (g *Gateway) OpenStream(ctx context.Context, key *models.APIKey, req providers.ChatRequest) (*Stream, error) {
	start := g.now()
	entry := g.newEntry(key, req.Model, start)
	entry.Stream = true
	entry.Warmup = req.Warmup

	model, effective, adapter, err := g.dispatchable(ctx, req, &entry)
	if err != nil {
		g.finish(entry, start, nil, err)
		return nil, err
	}
	effective.Stream = true

	streamCtx, cancel := context.WithTimeout(ctx, g.streamTimeout)

	reader, err := adapter.ChatCompletionStream(streamCtx, model, effective)
	if err != nil {
		cancel()
		g.finish(entry, start, nil, err)
		return nil, err
	}

	return &Stream{
		g:       g,
		reader:  reader,
		cancel:  cancel,
		ctx:     streamCtx,
		model:   model,
		req:     effective,
		entry:   entry,
		start:   start,
		id:      newCompletionID(),
		created: g.now().Unix(),
	}, nil
}

// ID is the completion id stamped on every chunk
func (s *Stream) ID() string {
	return s.id
}

// Model is the registry name of the model being streamed
func (s *Stream) Model() string {
	return s.model.Name
}

// Recv returns the next chunk
func (s *Stream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.terminal != nil {
		return openai.ChatCompletionStreamResponse{}, s.terminal
	}

	chunk, err := s.reader.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.end(nil)
			return openai.ChatCompletionStreamResponse{}, io.EOF
		}
		s.end(err)
		return openai.ChatCompletionStreamResponse{}, err
	}

	chunk.ID = s.id
	chunk.Object = "chat.completion.chunk"
	chunk.Created = s.created
	chunk.Model = s.model.Name

	for _, c := range chunk.Choices {
		s.text.WriteString(c.Delta.Content)
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		s.usage = &u
	}

	return chunk, nil
}

// Usage returns token counts, approximated when the backend reported none.
// It is final once Recv has returned io.EOF.
func (s *Stream) Usage() openai.Usage {
	var reported openai.Usage
	if s.usage != nil {
		reported = *s.usage
	}
	return fillUsage(reported, s.req, s.text.String())
}

// end records the terminal state once and releases the backend
func (s *Stream) end(err error) {
	s.once.Do(func() {
		if err == nil {
			s.terminal = io.EOF
			usage := s.Usage()
			s.g.finish(s.entry, s.start, &usage, nil)
		} else {
			s.terminal = err
			s.g.finish(s.entry, s.start, nil, err)
		}
		s.reader.Close()
		s.cancel()
	})
}

// Close releases the backend connection. A stream closed before its end is
// recorded as cancelled.
func (s *Stream) Close() error {
	cause := s.ctx.Err()
	if cause == nil || errors.Is(cause, context.Canceled) {
		s.end(apierr.New(apierr.Cancelled, "request_cancelled", "stream closed before completion"))
	} else {
		s.end(apierr.From(cause))
	}
	return nil
}
