// Package keys authenticates bearer tokens against stored API keys.
//
// Lookups go through a read-through cache; a revoked key may keep working for
// up to the cache TTL.
package keys

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// Source looks up a key record by the hash of its secret. A missing key is
// (nil, nil).
type Source interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// defaultMaxEntries bounds the cache against floods of random tokens
const defaultMaxEntries = 10000

type cacheEntry struct {
	key       *models.APIKey // nil caches a miss
	expiresAt time.Time
}

// Store authenticates tokens
type Store struct {
	source     Source
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewStore creates a key store. A ttl of zero disables caching.
func NewStore(source Source, ttl time.Duration) *Store {
	return &Store{
		source:     source,
		ttl:        ttl,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// ParseBearer extracts the token from an Authorization header value
func ParseBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authenticate resolves a raw bearer token to an active key
func (s *Store) Authenticate(ctx context.Context, token string) (*models.APIKey, error) {
	if token == "" {
		return nil, apierr.New(apierr.Unauthorized, "missing_api_key",
			"Missing API key. Provide it as 'Authorization: Bearer <key>'")
	}

	hash := database.HashKey(token)

	key, err := s.lookup(ctx, hash)
	if err != nil {
		return nil, apierr.Wrap(apierr.InternalFault, "internal_error", err, "failed to look up API key")
	}

	if key == nil || subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, apierr.New(apierr.Unauthorized, "invalid_api_key", "Invalid API key")
	}
	if !key.IsActive {
		return nil, apierr.New(apierr.Unauthorized, "inactive_api_key", "API key is inactive")
	}

	return key, nil
}

func (s *Store) lookup(ctx context.Context, hash string) (*models.APIKey, error) {
	now := s.now()

	if s.ttl > 0 {
		s.mu.RLock()
		entry, ok := s.cache[hash]
		s.mu.RUnlock()
		if ok && now.Before(entry.expiresAt) {
			return entry.key, nil
		}
	}

	key, err := s.source.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	if s.ttl > 0 {
		s.store(hash, key, now)
	}

	return key, nil
}

// store caches a lookup. A full cache first sheds expired entries; if it is
// still full, misses are not cached and a hit evicts an arbitrary entry.
func (s *Store) store(hash string, key *models.APIKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[hash]; !ok && len(s.cache) >= s.maxEntries {
		for h, e := range s.cache {
			if !now.Before(e.expiresAt) {
				delete(s.cache, h)
			}
		}
		if len(s.cache) >= s.maxEntries {
			if key == nil {
				return
			}
			for h := range s.cache {
				delete(s.cache, h)
				break
			}
		}
	}

	s.cache[hash] = cacheEntry{key: key, expiresAt: now.Add(s.ttl)}
}

// Forget drops every cached lookup
func (s *Store) Forget() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
}
