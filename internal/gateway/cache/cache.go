// Package cache stores deterministic completions in Redis. Only
// non-streaming requests at temperature 0 are cacheable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/redis"
)

type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a new cache instance
func New(redisClient *redis.Client, ttl time.Duration) *Cache {
	return &Cache{redis: redisClient, ttl: ttl}
}

// Cacheable reports whether a request with defaults applied is deterministic
func Cacheable(req providers.ChatRequest) bool {
	return !req.Stream && req.Temperature != nil && *req.Temperature == 0
}

// cacheKeyFields is everything that can change the completion
type cacheKeyFields struct {
	Model     string      `json:"model"`
	Messages  interface{} `json:"messages"`
	MaxTokens *int        `json:"max_tokens"`
	TopP      *float32    `json:"top_p"`
	TopK      *int        `json:"top_k"`
	Stop      []string    `json:"stop"`
	Seed      *int        `json:"seed"`
}

// generateCacheKey generates a hash of the request for caching
func (c *Cache) generateCacheKey(req providers.ChatRequest) (string, error) {
	keyData, err := json.Marshal(cacheKeyFields{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		TopP:      req.TopP,
		TopK:      req.TopK,
		Stop:      req.Stop,
		Seed:      req.Seed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build cache key: %w", err)
	}

	hash := sha256.Sum256(keyData)
	return "cache:exact:" + hex.EncodeToString(hash[:]), nil
}

// Get retrieves a cached response. A miss is (nil, false, nil).
func (c *Cache) Get(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, bool, error) {
	key, err := c.generateCacheKey(req)
	if err != nil {
		return nil, false, err
	}

	val, err := c.redis.Get(ctx, key)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var cachedResp providers.ChatResponse
	if err := json.Unmarshal([]byte(val), &cachedResp); err != nil {
		return nil, false, fmt.Errorf("failed to deserialize cached response: %w", err)
	}

	return &cachedResp, true, nil
}

// Set stores a response in cache
func (c *Cache) Set(ctx context.Context, req providers.ChatRequest, resp *providers.ChatResponse) error {
	key, err := c.generateCacheKey(req)
	if err != nil {
		return err
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	return c.redis.Set(ctx, key, string(data), c.ttl)
}
