package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Gateway is everything the HTTP layer needs from the completion gateway
type Gateway interface {
	Authorizer
	Completer
}

// NewRouter builds the HTTP surface. The API is mounted under /api/v1 and,
// for OpenAI SDK clients, under /v1.
func NewRouter(gateway Gateway, lister ModelLister, logger *zap.Logger) http.Handler {
	middleware := NewMiddleware(gateway, logger)
	chatHandler := NewChatHandler(gateway, logger)
	modelsHandler := NewModelsHandler(lister)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	api := func(r chi.Router) {
		r.With(middleware.AuthMiddleware).Post("/chat/completions", chatHandler.HandleChatCompletion)
		// listing models authenticates but spends no quota
		r.With(middleware.KeyOnlyMiddleware).Get("/models", modelsHandler.HandleListModels)
	}
	r.Route("/api/v1", api)
	r.Route("/v1", api)

	return r
}
