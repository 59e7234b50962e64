package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skobkin/skylink/internal/bus"
	"github.com/skobkin/skylink/internal/events"
	"github.com/skobkin/skylink/internal/mavlink"
	"github.com/skobkin/skylink/internal/telemetry"
)

const DefaultIdleWait = 20 * time.Millisecond

// Endpoint is one side of the relay, usually a *link.Endpoint.
type Endpoint interface {
	Name() string
	Poll() (frame []byte, ok bool, err error)
	Write(ctx context.Context, frame []byte) error
	Ready() <-chan struct{}
}

type Config struct {
	Format        telemetry.Format
	IdleWait      time.Duration
	StatsInterval time.Duration
	// StreamRequest is sent to the source once before relaying starts. Nil disables it.
	StreamRequest *mavlink.StreamRequest
}

// Service forwards frames between the vehicle (source) and the ground station
// (destination) and keeps the telemetry snapshot up to date.
type Service struct {
	logger      *slog.Logger
	bus         bus.MessageBus
	source      Endpoint
	destination Endpoint
	codec       mavlink.Codec
	snapshot    *telemetry.Snapshot
	cfg         Config
	now         func() time.Time

	sourceFrames      atomic.Uint64
	destinationFrames atomic.Uint64
	positionUpdates   atomic.Uint64
	decodeMisses      atomic.Uint64
}

// NewService wires a relay. b may be nil when nothing consumes relay events.
func NewService(
	logger *slog.Logger,
	b bus.MessageBus,
	source, destination Endpoint,
	codec mavlink.Codec,
	snapshot *telemetry.Snapshot,
	cfg Config,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultIdleWait
	}
	if cfg.Format == "" {
		cfg.Format = telemetry.FormatFull
	}

	return &Service{
		logger:      logger.With("component", "relay"),
		bus:         b,
		source:      source,
		destination: destination,
		codec:       codec,
		snapshot:    snapshot,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Run relays frames until ctx ends or an endpoint fails. Endpoint errors are
// returned; cancellation returns nil.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("relay started",
		"source", s.source.Name(),
		"destination", s.destination.Name(),
		"format", s.cfg.Format,
	)

	if s.cfg.StreamRequest != nil {
		if err := s.requestStreams(ctx, *s.cfg.StreamRequest); err != nil {
			return s.finish(ctx, err)
		}
	}

	if s.cfg.StatsInterval > 0 {
		statsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.runStats(statsCtx)
	}

	idle := time.NewTimer(s.cfg.IdleWait)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return s.finish(ctx, nil)
		}

		progressed, err := s.step(ctx)
		if err != nil {
			return s.finish(ctx, err)
		}
		if progressed {
			continue
		}

		idle.Reset(s.cfg.IdleWait)
		select {
		case <-ctx.Done():
		case <-s.source.Ready():
		case <-s.destination.Ready():
		case <-idle.C:
		}
		idle.Stop()
	}
}

// step runs one relay iteration. It reports whether any frame moved.
func (s *Service) step(ctx context.Context) (bool, error) {
	fromSource, okSource, err := s.source.Poll()
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", s.source.Name(), err)
	}
	if okSource {
		if err := s.destination.Write(ctx, fromSource); err != nil {
			return false, fmt.Errorf("forward to %s: %w", s.destination.Name(), err)
		}
		s.sourceFrames.Add(1)
	}

	fromDestination, okDestination, err := s.destination.Poll()
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", s.destination.Name(), err)
	}
	if okDestination {
		if err := s.source.Write(ctx, fromDestination); err != nil {
			return false, fmt.Errorf("forward to %s: %w", s.source.Name(), err)
		}
		s.destinationFrames.Add(1)
	}

	if okSource {
		s.inspect(fromSource)
	}

	return okSource || okDestination, nil
}

// inspect decodes a vehicle frame and installs a new snapshot for position reports.
func (s *Service) inspect(frame []byte) {
	decoded, err := s.codec.Decode(frame)
	if err != nil {
		s.decodeMisses.Add(1)
		s.logger.Debug("frame not decoded", "len", len(frame), "error", err)

		return
	}
	if decoded.Position == nil {
		return
	}

	now := s.now()
	payload, err := s.cfg.Format.Encode(*decoded.Position, now)
	if err != nil {
		s.logger.Warn("encode telemetry failed", "error", err)

		return
	}
	s.snapshot.Store(payload, now)
	s.positionUpdates.Add(1)

	if s.bus != nil {
		s.bus.TryPublish(events.TopicPositionReport, events.PositionReport{
			SystemID:    decoded.SystemID,
			ComponentID: decoded.ComponentID,
			Position:    *decoded.Position,
		})
	}
}

func (s *Service) requestStreams(ctx context.Context, req mavlink.StreamRequest) error {
	frame, err := s.codec.EncodeRequestDataStream(req)
	if err != nil {
		s.logger.Warn("encode stream request failed", "error", err)

		return nil
	}
	if err := s.source.Write(ctx, frame); err != nil {
		return fmt.Errorf("request streams from %s: %w", s.source.Name(), err)
	}
	s.logger.Info("requested data streams",
		"target_system", req.TargetSystem,
		"target_component", req.TargetComponent,
		"rate_hz", req.RateHz,
	)

	return nil
}

// Stats returns the current relay counters.
func (s *Service) Stats() events.RelayStats {
	return events.RelayStats{
		SourceFrames:      s.sourceFrames.Load(),
		DestinationFrames: s.destinationFrames.Load(),
		PositionUpdates:   s.positionUpdates.Load(),
		DecodeMisses:      s.decodeMisses.Load(),
		Timestamp:         s.now(),
	}
}

func (s *Service) runStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportStats()
		}
	}
}

func (s *Service) reportStats() {
	stats := s.Stats()
	s.logger.Info("relay stats",
		"source_frames", stats.SourceFrames,
		"destination_frames", stats.DestinationFrames,
		"position_updates", stats.PositionUpdates,
		"decode_misses", stats.DecodeMisses,
	)
	if s.bus != nil {
		s.bus.TryPublish(events.TopicRelayStats, stats)
	}
}

func (s *Service) finish(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		s.logger.Error("relay stopped", "error", err)
	} else {
		s.logger.Info("relay stopped")
	}
	s.reportStats()

	return err
}
