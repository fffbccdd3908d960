// Package registry resolves public model names to backend targets.
//
// Reads are served from an immutable in-memory snapshot that is replaced
// wholesale on refresh. The snapshot is refreshed on an interval and on
// demand, so a change in the source becomes visible within one interval.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// Source loads the current set of active models
type Source interface {
	ListModels(ctx context.Context) ([]models.Model, error)
}

type snapshot struct {
	byName   map[string]models.Model
	ordered  []models.Model
	loadedAt time.Time
}

// Registry holds the current model snapshot
type Registry struct {
	source     Source
	interval   time.Duration
	logger     *zap.Logger
	current    atomic.Pointer[snapshot]
	group      singleflight.Group
	invalidate chan struct{}
}

// New creates a registry. Nothing is loaded until the first Refresh or Resolve.
func New(source Source, interval time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		source:     source,
		interval:   interval,
		logger:     logger,
		invalidate: make(chan struct{}, 1),
	}
}

// Refresh reloads the snapshot from the source. Concurrent callers share one load.
// On error the previous snapshot stays in place.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		list, err := r.source.ListModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load models: %w", err)
		}

		snap := &snapshot{
			byName:   make(map[string]models.Model, len(list)),
			loadedAt: time.Now(),
		}
		for _, m := range list {
			if !m.IsActive {
				continue
			}
			if !m.Provider.Valid() {
				r.logger.Warn("skipping model with unknown provider",
					zap.String("model", m.Name), zap.String("provider", string(m.Provider)))
				continue
			}
			if _, dup := snap.byName[m.Name]; dup {
				r.logger.Warn("skipping duplicate model name", zap.String("model", m.Name))
				continue
			}
			snap.byName[m.Name] = m
			snap.ordered = append(snap.ordered, m)
		}
		sort.Slice(snap.ordered, func(i, j int) bool {
			return snap.ordered[i].Name < snap.ordered[j].Name
		})

		r.current.Store(snap)
		return nil, nil
	})
	return err
}

func (r *Registry) load(ctx context.Context) (*snapshot, error) {
	if snap := r.current.Load(); snap != nil {
		return snap, nil
	}
	// cold start
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r.current.Load(), nil
}

// Resolve returns the active model registered under name
func (r *Registry) Resolve(ctx context.Context, name string) (models.Model, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return models.Model{}, apierr.Wrap(apierr.InternalFault, "internal_error", err, "model registry unavailable")
	}

	m, ok := snap.byName[name]
	if !ok {
		return models.Model{}, apierr.New(apierr.ModelNotFound, "model_not_found",
			"Model '%s' not found or inactive", name)
	}
	return m, nil
}

// List returns every active model ordered by name
func (r *Registry) List(ctx context.Context) ([]models.Model, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Model, len(snap.ordered))
	copy(out, snap.ordered)
	return out, nil
}

// AlwaysWarm returns the active models flagged for periodic warmup
func (r *Registry) AlwaysWarm(ctx context.Context) ([]models.Model, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Model
	for _, m := range snap.ordered {
		if m.AlwaysWarm {
			out = append(out, m)
		}
	}
	return out, nil
}

// Invalidate asks the running refresh loop to reload as soon as possible
func (r *Registry) Invalidate() {
	select {
	case r.invalidate <- struct{}{}:
	default:
	}
}

// Run refreshes on every tick and on Invalidate until ctx is done
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.invalidate:
			r.logger.Info("model registry invalidated")
		}

		if err := r.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("model registry refresh failed, keeping previous snapshot", zap.Error(err))
			continue
		}
		if snap := r.current.Load(); snap != nil {
			r.logger.Debug("model registry refreshed", zap.Int("models", len(snap.ordered)))
		}
	}
}
