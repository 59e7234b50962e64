package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/skobkin/skylink/internal/domain"
)

type TrackRepo struct {
	db *sql.DB
}

func NewTrackRepo(db *sql.DB) *TrackRepo {
	return &TrackRepo{db: db}
}

func (r *TrackRepo) Insert(ctx context.Context, p domain.Position) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO positions(latitude, longitude, relative_altitude, altitude, heading, device_time_ms, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Latitude, p.Longitude, p.RelativeAltitude, p.Altitude, p.Heading, int64(p.DeviceTimeMS), toUnixMillis(p.ReceivedAt))
	if err != nil {
		return 0, fmt.Errorf("insert position: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read position id: %w", err)
	}

	return id, nil
}

// Latest returns the most recently received track point. ok is false when the table is empty.
func (r *TrackRepo) Latest(ctx context.Context) (domain.TrackPoint, bool, error) {
	var (
		tp         domain.TrackPoint
		deviceTime int64
		receivedMs int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, latitude, longitude, relative_altitude, altitude, heading, device_time_ms, received_at
		FROM positions
		ORDER BY received_at DESC, id DESC
		LIMIT 1
	`).Scan(
		&tp.ID,
		&tp.Position.Latitude,
		&tp.Position.Longitude,
		&tp.Position.RelativeAltitude,
		&tp.Position.Altitude,
		&tp.Position.Heading,
		&deviceTime,
		&receivedMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TrackPoint{}, false, nil
	}
	if err != nil {
		return domain.TrackPoint{}, false, fmt.Errorf("load latest position: %w", err)
	}
	tp.Position.DeviceTimeMS = uint32(deviceTime)
	tp.Position.ReceivedAt = fromUnixMillis(receivedMs)

	return tp, true, nil
}

// PruneOlderThan deletes points received before cutoff and reports how many were removed.
func (r *TrackRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM positions WHERE received_at < ?`, toUnixMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune positions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned positions: %w", err)
	}

	return n, nil
}

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
