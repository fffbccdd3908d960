package handlers

import (
	"context"
	"net/http"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// ModelLister returns the servable models
type ModelLister interface {
	List(ctx context.Context) ([]models.Model, error)
}

type modelObject struct {
	ID               string  `json:"id"`
	Object           string  `json:"object"`
	Created          int64   `json:"created"`
	OwnedBy          string  `json:"owned_by"`
	Root             string  `json:"root"`
	Parent           *string `json:"parent"`
	MaxContextLength int     `json:"max_context_length"`
}

type modelList struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

type ModelsHandler struct {
	models ModelLister
}

func NewModelsHandler(lister ModelLister) *ModelsHandler {
	return &ModelsHandler{models: lister}
}

// HandleListModels handles GET /v1/models
func (h *ModelsHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.models.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := modelList{Object: "list", Data: make([]modelObject, 0, len(list))}
	for _, m := range list {
		var created int64
		if !m.CreatedAt.IsZero() {
			created = m.CreatedAt.Unix()
		}
		out.Data = append(out.Data, modelObject{
			ID:               m.Name,
			Object:           "model",
			Created:          created,
			OwnedBy:          string(m.Provider),
			Root:             m.BackendModel(),
			MaxContextLength: m.MaxContextLength,
		})
	}

	writeJSON(w, http.StatusOK, out)
}
