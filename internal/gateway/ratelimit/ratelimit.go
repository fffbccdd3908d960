// Package ratelimit enforces per-key request quotas over a trailing minute and
// a trailing hour. Both windows are sliding logs of request timestamps; a
// request is admitted only when both have room, and admission records it in
// both at once.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/redis"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Window names reported on a rejected Decision
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Window is the exhausted window when Allowed is false
	Window string
	// Remaining is -1 for an unlimited window
	RemainingMinute int
	RemainingHour   int
}

// Limiter admits or rejects requests for a key
type Limiter interface {
	Admit(ctx context.Context, key *models.APIKey) (Decision, error)
}

func remaining(limit, used int) int {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// retryAfter never advises the client to retry sooner than one second
func retryAfter(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}

// Memory is a single-process limiter keeping one timestamp log per key
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	// afterLookup runs between the map lookup and the window lock in Admit
	afterLookup func()
}

type window struct {
	mu    sync.Mutex
	times []time.Time // ascending, trimmed to the trailing hour
	dead  bool        // removed from the map by Sweep
}

// NewMemory creates an in-process limiter
func NewMemory() *Memory {
	return &Memory{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (m *Memory) window(id string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok {
		w = &window{}
		m.windows[id] = w
	}
	return w
}

// lockedWindow returns the live window for id with its lock held. A window
// swept between lookup and lock is dead and gets replaced.
func (m *Memory) lockedWindow(id string) *window {
	for {
		w := m.window(id)
		if m.afterLookup != nil {
			m.afterLookup()
		}
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// Admit checks both windows and records the request if it fits
func (m *Memory) Admit(ctx context.Context, key *models.APIKey) (Decision, error) {
	if key.RateLimitPerMinute <= 0 && key.RateLimitPerHour <= 0 {
		return Decision{Allowed: true, RemainingMinute: -1, RemainingHour: -1}, nil
	}

	w := m.lockedWindow(key.ID)
	defer w.mu.Unlock()
	now := m.now()

	w.trim(now)

	hourCount := len(w.times)
	minuteStart := w.firstAfter(now.Add(-minuteWindow))
	minuteCount := hourCount - minuteStart

	if key.RateLimitPerMinute > 0 && minuteCount >= key.RateLimitPerMinute {
		oldest := w.times[minuteStart]
		return Decision{
			Window:          WindowMinute,
			RetryAfter:      retryAfter(oldest.Add(minuteWindow).Sub(now)),
			RemainingMinute: 0,
			RemainingHour:   remaining(key.RateLimitPerHour, hourCount),
		}, nil
	}

	if key.RateLimitPerHour > 0 && hourCount >= key.RateLimitPerHour {
		oldest := w.times[0]
		return Decision{
			Window:          WindowHour,
			RetryAfter:      retryAfter(oldest.Add(hourWindow).Sub(now)),
			RemainingMinute: remaining(key.RateLimitPerMinute, minuteCount),
			RemainingHour:   0,
		}, nil
	}

	w.times = append(w.times, now)

	return Decision{
		Allowed:         true,
		RemainingMinute: remaining(key.RateLimitPerMinute, minuteCount+1),
		RemainingHour:   remaining(key.RateLimitPerHour, hourCount+1),
	}, nil
}

// trim drops timestamps that have left the hour window
func (w *window) trim(now time.Time) {
	cutoff := now.Add(-hourWindow)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *window) firstAfter(t time.Time) int {
	for i, ts := range w.times {
		if ts.After(t) {
			return i
		}
	}
	return len(w.times)
}

// Sweep forgets keys with no requests in the trailing hour
func (m *Memory) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, w := range m.windows {
		w.mu.Lock()
		w.trim(now)
		empty := len(w.times) == 0
		if empty {
			w.dead = true
		}
		w.mu.Unlock()
		if empty {
			delete(m.windows, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Redis shares quotas across gateway replicas through one sorted set per key
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis creates a Redis-backed limiter
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

// Admit runs the check and the insert as a single script
func (r *Redis) Admit(ctx context.Context, key *models.APIKey) (Decision, error) {
	if key.RateLimitPerMinute <= 0 && key.RateLimitPerHour <= 0 {
		return Decision{Allowed: true, RemainingMinute: -1, RemainingHour: -1}, nil
	}

	res, err := r.client.AdmitSlidingWindow(ctx, key.ID, uuid.NewString(), r.now(),
		key.RateLimitPerMinute, key.RateLimitPerHour)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:         res.Allowed,
		RemainingMinute: remaining(key.RateLimitPerMinute, res.MinuteCount),
		RemainingHour:   remaining(key.RateLimitPerHour, res.HourCount),
	}
	if !res.Allowed {
		d.RetryAfter = retryAfter(res.RetryAfter)
		d.Window = WindowHour
		if key.RateLimitPerMinute > 0 && res.MinuteCount >= key.RateLimitPerMinute {
			d.Window = WindowMinute
		}
	}
	return d, nil
}
