package persistence

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const DefaultWriterQueueSize = 256

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue serializes database writes on one goroutine and retries failed ones.
type WriterQueue struct {
	logger  *slog.Logger
	queue   chan writeCmd
	dropped atomic.Uint64
	backoff time.Duration
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = DefaultWriterQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WriterQueue{
		logger:  logger.With("component", "db_writer"),
		queue:   make(chan writeCmd, capacity),
		backoff: 300 * time.Millisecond,
	}
}

// Enqueue schedules fn. When the queue is full the write is dropped and false
// is returned; callers on hot paths must never block on the database.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) bool {
	cmd := writeCmd{name: name, fn: fn}
	select {
	case w.queue <- cmd:
		return true
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.logger.Warn("db write dropped: queue is full", "cmd", name, "dropped_total", n)
		}
		return false
	}
}

// Dropped reports how many writes were discarded because the queue was full.
func (w *WriterQueue) Dropped() uint64 {
	return w.dropped.Load()
}

// Run executes queued writes until ctx ends. Writes still queued at that point
// are attempted once more with a short deadline.
func (w *WriterQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return nil
		case cmd := <-w.queue:
			w.runWithRetry(ctx, cmd)
		}
	}
}

func (w *WriterQueue) Start(ctx context.Context) {
	go func() {
		_ = w.Run(ctx)
	}()
}

func (w *WriterQueue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case cmd := <-w.queue:
			if err := cmd.fn(ctx); err != nil {
				w.logger.Warn("db write failed during shutdown", "cmd", cmd.name, "error", err)
			}
		default:
			return
		}
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := cmd.fn(ctx); err != nil {
			w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
			if attempt == maxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * w.backoff):
			}
			continue
		}
		return
	}
}
