package providers

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
)

// classifyTransportError maps a failure to reach a backend. The call context
// takes precedence: once it is done the cause is the caller, not the backend.
func classifyTransportError(ctx context.Context, backend string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apierr.From(ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.From(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apierr.Wrap(apierr.BackendUnavailable, "backend_timeout", err, "%s did not respond in time", backend)
		}
		return apierr.Wrap(apierr.BackendUnavailable, "backend_unavailable", err, "%s is unreachable", backend)
	}

	return apierr.Wrap(apierr.BackendError, "backend_error", err, "%s request failed", backend)
}

// classifyStatus maps a non-200 backend response
func classifyStatus(backend string, status int, message string) error {
	switch status {
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return apierr.New(apierr.BackendUnavailable, "backend_unavailable",
			"%s unavailable (status %d): %s", backend, status, message)
	default:
		return apierr.New(apierr.BackendError, "backend_error",
			"%s error (status %d): %s", backend, status, message)
	}
}

// classifyEngineError maps errors returned by the OpenAI-compatible client
func classifyEngineError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apierr.From(ctxErr)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus("inference engine", apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return classifyStatus("inference engine", reqErr.HTTPStatusCode, msg)
	}

	return classifyTransportError(ctx, "inference engine", err)
}
