package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/completion"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/keys"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

type contextKey string

const admissionContextKey contextKey = "admission"

// Authorizer authenticates and rate limits a bearer token
type Authorizer interface {
	Authenticate(ctx context.Context, token string) (*models.APIKey, error)
	Authorize(ctx context.Context, token string) (*completion.Admission, error)
}

// Middleware holds middleware dependencies
type Middleware struct {
	gateway Authorizer
	logger  *zap.Logger
}

// NewMiddleware creates a new middleware instance
func NewMiddleware(gateway Authorizer, logger *zap.Logger) *Middleware {
	return &Middleware{gateway: gateway, logger: logger}
}

// AuthMiddleware validates the bearer key and admits it against its rate
// limits. Admitted callers are stored in the request context.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := keys.ParseBearer(r.Header.Get("Authorization"))

		admission, err := m.gateway.Authorize(r.Context(), token)
		if admission != nil {
			setRateLimitHeaders(w, admission)
		}
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), admissionContextKey, admission)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// KeyOnlyMiddleware validates the bearer key without touching its quota.
// Used for metadata routes that must not spend completion requests.
func (m *Middleware) KeyOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := keys.ParseBearer(r.Header.Get("Authorization"))

		key, err := m.gateway.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}

		admission := &completion.Admission{Key: key}
		admission.Decision.Allowed = true
		admission.Decision.RemainingMinute = -1
		admission.Decision.RemainingHour = -1

		ctx := context.WithValue(r.Context(), admissionContextKey, admission)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func setRateLimitHeaders(w http.ResponseWriter, admission *completion.Admission) {
	key := admission.Key
	d := admission.Decision
	if key.RateLimitPerMinute > 0 && d.RemainingMinute >= 0 {
		w.Header().Set("X-RateLimit-Limit-Minute", strconv.Itoa(key.RateLimitPerMinute))
		w.Header().Set("X-RateLimit-Remaining-Minute", strconv.Itoa(d.RemainingMinute))
	}
	if key.RateLimitPerHour > 0 && d.RemainingHour >= 0 {
		w.Header().Set("X-RateLimit-Limit-Hour", strconv.Itoa(key.RateLimitPerHour))
		w.Header().Set("X-RateLimit-Remaining-Hour", strconv.Itoa(d.RemainingHour))
	}
}

// admissionFrom returns the caller admitted by AuthMiddleware
func admissionFrom(ctx context.Context) *completion.Admission {
	admission, _ := ctx.Value(admissionContextKey).(*completion.Admission)
	return admission
}

// RequestLogger logs one line per request
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			fields := []zap.Field{
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if ww.Status() >= http.StatusInternalServerError {
				m.logger.Warn("request", fields...)
				return
			}
			m.logger.Info("request", fields...)
		}()

		next.ServeHTTP(ww, r)
	})
}

// CORSMiddleware handles CORS headers
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
