package domain

import (
	"context"
	"time"
)

type TrackRepository interface {
	Insert(ctx context.Context, p Position) (int64, error)
	Latest(ctx context.Context) (TrackPoint, bool, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
