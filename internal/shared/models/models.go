package models

import "time"

// ProviderKind selects the adapter used to reach a model's backend
type ProviderKind string

const (
	// ProviderBatchingEngine is a vLLM-style OpenAI-compatible batching server
	ProviderBatchingEngine ProviderKind = "vllm"
	// ProviderLocalServer is an Ollama-style local model server
	ProviderLocalServer ProviderKind = "ollama"
)

// Valid reports whether the kind is one the gateway knows how to dispatch
func (k ProviderKind) Valid() bool {
	return k == ProviderBatchingEngine || k == ProviderLocalServer
}

// Model represents one deployable backend target
type Model struct {
	ID                 string
	Name               string
	Provider           ProviderKind
	ModelPath          string
	Endpoint           string
	BaseURL            string
	AuthToken          string
	MaxContextLength   int
	DefaultTemperature float64
	DefaultMaxTokens   int
	AlwaysWarm         bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BackendModel returns the identifier the backend serves this model under
func (m Model) BackendModel() string {
	if m.ModelPath != "" {
		return m.ModelPath
	}
	return m.Name
}

// APIKey represents a gateway API key
type APIKey struct {
	ID                 string
	Name               string
	KeyHash            string
	KeyPrefix          string
	IsActive           bool
	RateLimitPerMinute int
	RateLimitPerHour   int
	TotalRequests      int64
	TotalTokens        int64
	LastUsedAt         *time.Time
	CreatedAt          time.Time
}

// Request outcomes stored on RequestLogEntry.Status
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RequestLogEntry is the accounting record written for every finished call
type RequestLogEntry struct {
	ID               string
	APIKeyID         string
	Model            string
	Provider         ProviderKind
	Stream           bool
	Warmup           bool
	CacheHit         bool
	Status           string
	ErrorType        string
	ErrorMessage     string
	StatusCode       int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int
	CreatedAt        time.Time
}
