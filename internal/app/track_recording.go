package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/skobkin/skylink/internal/bus"
	"github.com/skobkin/skylink/internal/domain"
	"github.com/skobkin/skylink/internal/events"
)

const defaultPruneInterval = 10 * time.Minute

// WriteQueue serializes persistence writes from async relay events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error) bool
}

// StartTrackRecording stores every published position report through queue.
// It returns once the subscription is registered.
func StartTrackRecording(ctx context.Context, b bus.MessageBus, queue WriteQueue, repo domain.TrackRepository) {
	sub := b.Subscribe(events.TopicPositionReport)

	go bus.Consume(ctx, b, sub, events.TopicPositionReport, func(report events.PositionReport) {
		pos := report.Position
		queue.Enqueue("insert_position", func(writeCtx context.Context) error {
			_, err := repo.Insert(writeCtx, pos)
			return err
		})
	})
}

// RunTrackPruning deletes points older than retention every interval until ctx ends.
func RunTrackPruning(ctx context.Context, repo domain.TrackRepository, retention, interval time.Duration, logger *slog.Logger) error {
	if retention <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	prune := func() {
		cutoff := time.Now().Add(-retention)
		removed, err := repo.PruneOlderThan(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("prune track failed", "error", err)
			}
			return
		}
		if removed > 0 {
			logger.Info("pruned track points", "removed", removed, "cutoff", cutoff)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			prune()
		}
	}
}
