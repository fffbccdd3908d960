// Package warmup keeps always-warm models loaded by sending each one a tiny
// completion on a fixed interval.
package warmup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/completion"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// Completer is the slice of the gateway a probe goes through
type Completer interface {
	Authorize(ctx context.Context, token string) (*completion.Admission, error)
	Complete(ctx context.Context, key *models.APIKey, req providers.ChatRequest) (*providers.ChatResponse, error)
}

// ModelLister enumerates models to keep warm
type ModelLister interface {
	AlwaysWarm(ctx context.Context) ([]models.Model, error)
}

// Ticker abstracts time.Ticker so tests can drive cycles
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewTicker is the production ticker factory
func NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type Config struct {
	Interval        time.Duration
	Timeout         time.Duration // per probe
	Prompt          string
	MaxTokens       int
	Concurrency     int
	ProbesPerSecond float64 // <= 0 disables pacing
	APIKey          string  // empty runs probes as the internal system principal
}

func DefaultConfig() Config {
	return Config{
		Interval:        3 * time.Minute,
		Timeout:         2 * time.Minute,
		Prompt:          "what is 1 + 1",
		MaxTokens:       10,
		Concurrency:     4,
		ProbesPerSecond: 2,
	}
}

// Result summarises one cycle
type Result struct {
	Skipped   bool
	Probed    int
	Succeeded int
	Failed    int
}

// Prober runs warmup cycles
type Prober struct {
	gateway   Completer
	models    ModelLister
	config    Config
	logger    *zap.Logger
	newTicker func(time.Duration) Ticker

	running atomic.Bool
}

// NewProber creates a prober. A nil ticker factory uses real time.
func NewProber(gateway Completer, lister ModelLister, config Config, newTicker func(time.Duration) Ticker, logger *zap.Logger) *Prober {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Prompt == "" {
		config.Prompt = defaults.Prompt
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if newTicker == nil {
		newTicker = NewTicker
	}

	return &Prober{
		gateway:   gateway,
		models:    lister,
		config:    config,
		logger:    logger,
		newTicker: newTicker,
	}
}

// Run starts a cycle immediately and then on every tick until ctx is done.
// A tick that arrives while a cycle is still running is skipped.
func (p *Prober) Run(ctx context.Context) {
	ticker := p.newTicker(p.config.Interval)
	defer ticker.Stop()

	p.logger.Info("warmup prober started", zap.Duration("interval", p.config.Interval))

	go p.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("warmup prober stopped")
			return
		case <-ticker.C():
			go p.runCycle(ctx)
		}
	}
}

func (p *Prober) runCycle(ctx context.Context) {
	res, err := p.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("warmup cycle failed", zap.Error(err))
		}
		return
	}
	if res.Skipped {
		p.logger.Warn("previous warmup cycle still running, skipping")
		return
	}
	if res.Probed > 0 {
		p.logger.Info("warmup cycle complete",
			zap.Int("probed", res.Probed), zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
	}
}

// RunOnce probes every always-warm model once. Individual probe failures are
// logged and counted; they never fail the cycle.
func (p *Prober) RunOnce(ctx context.Context) (Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer p.running.Store(false)

	targets, err := p.models.AlwaysWarm(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(targets) == 0 {
		return Result{}, nil
	}

	limit := rate.Inf
	if p.config.ProbesPerSecond > 0 {
		limit = rate.Limit(p.config.ProbesPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	var succeeded, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for _, m := range targets {
		m := m
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				failed.Add(1)
				return nil
			}
			if p.probe(gctx, m) {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	return Result{
		Probed:    len(targets),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}, nil
}

// probe sends one warmup completion. With a warmup key each probe is
// authorized and rate limited like any client request.
func (p *Prober) probe(ctx context.Context, m models.Model) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	var key *models.APIKey
	if p.config.APIKey != "" {
		adm, err := p.gateway.Authorize(probeCtx, p.config.APIKey)
		if err != nil {
			p.logger.Warn("warmup probe not admitted", zap.String("model", m.Name), zap.Error(err))
			return false
		}
		key = adm.Key
	}

	maxTokens := p.config.MaxTokens
	req := providers.ChatRequest{
		Model:     m.Name,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: p.config.Prompt}},
		MaxTokens: &maxTokens,
		Warmup:    true,
	}

	start := time.Now()
	if _, err := p.gateway.Complete(probeCtx, key, req); err != nil {
		p.logger.Warn("warmup probe failed", zap.String("model", m.Name), zap.Error(err))
		return false
	}

	p.logger.Debug("warmed up model", zap.String("model", m.Name), zap.Duration("took", time.Since(start)))
	return true
}
