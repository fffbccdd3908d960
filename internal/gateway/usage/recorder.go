// Package usage persists request log entries off the request path.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/models"
)

// Sink writes a batch of entries
type Sink interface {
	InsertRequestLogs(ctx context.Context, entries []models.RequestLogEntry) error
}

type Config struct {
	BufferSize    int           // entries queued before Record starts dropping
	BatchSize     int           // flush after this many entries
	FlushInterval time.Duration // flush at least this often
	WriteTimeout  time.Duration // per-batch sink deadline
}

func DefaultConfig() Config {
	return Config{
		BufferSize:    10000,
		BatchSize:     100,
		FlushInterval: time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// Recorder batches entries to a Sink from a single background flusher.
// Record never blocks; when the buffer is full the newest entry is dropped.
type Recorder struct {
	sink   Sink
	config Config
	logger *zap.Logger

	entryCh chan models.RequestLogEntry
	stopCh  chan struct{}
	doneCh  chan struct{}

	// mu orders sends against Close so nothing lands after the final drain
	mu      sync.RWMutex
	stopped bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewRecorder starts the flusher
func NewRecorder(sink Sink, config Config, logger *zap.Logger) *Recorder {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	r := &Recorder{
		sink:    sink,
		config:  config,
		logger:  logger,
		entryCh: make(chan models.RequestLogEntry, config.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go r.flusher()

	return r
}

// Record queues an entry
func (r *Recorder) Record(entry models.RequestLogEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		r.dropped.Add(1)
		return
	}
	select {
	case r.entryCh <- entry:
	default:
		if r.dropped.Add(1)%1000 == 1 {
			r.logger.Warn("usage buffer full, dropping request log entries",
				zap.Int64("dropped_total", r.dropped.Load()))
		}
	}
}

// Stats returns entries written, dropped and lost to sink failures
func (r *Recorder) Stats() (written, dropped, failed int64) {
	return r.written.Load(), r.dropped.Load(), r.failed.Load()
}

// Close stops accepting entries and waits for the queue to drain or ctx to end
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) flusher() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.RequestLogEntry, 0, r.config.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
		err := r.sink.InsertRequestLogs(ctx, batch)
		cancel()

		if err != nil {
			// entries are dropped rather than retried
			r.failed.Add(int64(len(batch)))
			r.logger.Error("failed to write request logs",
				zap.Int("entries", len(batch)), zap.Error(err))
		} else {
			r.written.Add(int64(len(batch)))
		}
		batch = make([]models.RequestLogEntry, 0, r.config.BatchSize)
	}

	for {
		select {
		case entry := <-r.entryCh:
			batch = append(batch, entry)
			if len(batch) >= r.config.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.stopCh:
			for {
				select {
				case entry := <-r.entryCh:
					batch = append(batch, entry)
					if len(batch) >= r.config.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
