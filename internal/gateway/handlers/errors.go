package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
)

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func errorPayload(err error) (*apierr.Error, errorBody) {
	apiErr := apierr.From(err)
	msg := apiErr.Message
	if apiErr.Kind != apierr.InternalFault && apiErr.Err != nil {
		msg = apiErr.Error()
	}
	return apiErr, errorBody{Error: errorDetail{Message: msg, Type: apiErr.Type(), Code: apiErr.Code}}
}

// writeError writes err as an OpenAI-style error body
func writeError(w http.ResponseWriter, err error) {
	apiErr, body := errorPayload(err)
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds())))
	}
	writeJSON(w, apiErr.Status(), body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
