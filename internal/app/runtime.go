package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/skylink/internal/bus"
	"github.com/skobkin/skylink/internal/config"
	"github.com/skobkin/skylink/internal/events"
	"github.com/skobkin/skylink/internal/link"
	"github.com/skobkin/skylink/internal/logging"
	"github.com/skobkin/skylink/internal/mavlink"
	"github.com/skobkin/skylink/internal/persistence"
	"github.com/skobkin/skylink/internal/relay"
	"github.com/skobkin/skylink/internal/telemetry"
	"github.com/skobkin/skylink/internal/transport"
)

// Runtime owns every long-lived component of the relay process.
type Runtime struct {
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	Snapshot   *telemetry.Snapshot
	Telemetry  *telemetry.Server
	Codec      *mavlink.GomavlibCodec

	DB          *sql.DB
	TrackRepo   *persistence.TrackRepo
	WriterQueue *persistence.WriterQueue

	Relay *relay.Service

	relayConfig relay.Config
	telemetryLn net.Listener
	wsLn        net.Listener
	links       *linkStatusTracker
	logger      *slog.Logger
}

// Initialize configures logging, opens the track database when recording is
// enabled and binds the telemetry listeners. cfg is expected to be validated.
func Initialize(ctx context.Context, cfg config.AppConfig) (*Runtime, error) {
	rt := &Runtime{
		Config:   cfg,
		Snapshot: telemetry.NewSnapshot(),
		links:    newLinkStatusTracker(),
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging); err != nil {
		_ = logMgr.Close()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	rt.logger = logMgr.Logger("app")
	rt.logger.Info("starting "+Name+" runtime", BuildAttrs()...)

	rt.Bus = bus.New(logMgr.Logger("bus"), bus.DefaultCapacity)

	codec, err := mavlink.NewGomavlibCodec(uint8(cfg.MAVLink.SystemID), uint8(cfg.MAVLink.ComponentID))
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize mavlink codec: %w", err)
	}
	rt.Codec = codec

	if cfg.Recorder.Enabled {
		if err := rt.openRecorder(ctx); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	format, err := telemetry.ParseFormat(cfg.Telemetry.Format)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Telemetry = telemetry.NewServer(rt.Snapshot,
		telemetry.WithInterval(cfg.Telemetry.Interval()),
		telemetry.WithStaleAfter(cfg.Telemetry.StaleAfter()),
		telemetry.WithLogger(logMgr.Logger("telemetry")),
	)

	var lc net.ListenConfig
	rt.telemetryLn, err = lc.Listen(ctx, "tcp", cfg.Telemetry.Addr())
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("listen telemetry %s: %w", cfg.Telemetry.Addr(), err)
	}
	if cfg.Telemetry.WSPort > 0 {
		rt.wsLn, err = lc.Listen(ctx, "tcp", cfg.Telemetry.WSAddr())
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("listen telemetry websocket %s: %w", cfg.Telemetry.WSAddr(), err)
		}
	}

	relayCfg := relay.Config{
		Format:        format,
		IdleWait:      cfg.Relay.IdleWait(),
		StatsInterval: cfg.Relay.StatsInterval(),
	}
	if cfg.MAVLink.RequestStreams {
		relayCfg.StreamRequest = &mavlink.StreamRequest{
			TargetSystem:    uint8(cfg.MAVLink.TargetSystem),
			TargetComponent: uint8(cfg.MAVLink.TargetComponent),
			RateHz:          uint16(cfg.MAVLink.StreamRateHz),
			Start:           true,
		}
	}
	rt.relayConfig = relayCfg

	return rt, nil
}

func (r *Runtime) openRecorder(ctx context.Context) error {
	db, err := persistence.Open(ctx, r.Config.Recorder.DBPath)
	if err != nil {
		return err
	}
	r.DB = db
	r.TrackRepo = persistence.NewTrackRepo(db)
	r.WriterQueue = persistence.NewWriterQueue(r.LogManager.Logger("persistence"), r.Config.Recorder.QueueSize)

	if r.Config.Recorder.ClearOnStart {
		removed, err := persistence.ClearDatabase(ctx, db)
		if err != nil {
			return err
		}
		r.logger.Info("track database cleared", "db", r.Config.Recorder.DBPath, "removed", removed)
	}

	latest, ok, err := r.TrackRepo.Latest(ctx)
	switch {
	case err != nil:
		r.logger.Warn("read latest track point", "error", err)
	case ok:
		r.logger.Info("track recorder opened",
			"db", r.Config.Recorder.DBPath,
			"last_point_at", latest.Position.ReceivedAt,
			"last_lat", latest.Position.Latitude,
			"last_lon", latest.Position.Longitude,
		)
	default:
		r.logger.Info("track recorder opened", "db", r.Config.Recorder.DBPath, "points", 0)
	}

	return nil
}

// TelemetryAddr is the bound address of the TCP telemetry listener.
func (r *Runtime) TelemetryAddr() net.Addr {
	return r.telemetryLn.Addr()
}

// WebSocketAddr is the bound address of the WebSocket listener, or nil when disabled.
func (r *Runtime) WebSocketAddr() net.Addr {
	if r.wsLn == nil {
		return nil
	}

	return r.wsLn.Addr()
}

// LinkStatus returns the last published status of the named link.
func (r *Runtime) LinkStatus(name string) (events.LinkStatus, bool) {
	return r.links.get(name)
}

// Run serves telemetry, connects both links and relays until ctx ends or a
// link fails. A link failure is returned; cancellation returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The tracker outlives gctx so the final link states are still recorded.
	statusSub := r.Bus.Subscribe(events.TopicLinkStatus)
	go r.links.run(ctx, r.Bus, statusSub)

	telemetryLn := r.telemetryLn
	g.Go(func() error {
		return r.Telemetry.Serve(gctx, telemetryLn)
	})
	if r.wsLn != nil {
		wsLn := r.wsLn
		g.Go(func() error {
			return r.Telemetry.ServeWebSocket(gctx, wsLn)
		})
	}

	if r.WriterQueue != nil {
		StartTrackRecording(gctx, r.Bus, r.WriterQueue, r.TrackRepo)
		g.Go(func() error {
			return r.WriterQueue.Run(gctx)
		})
		g.Go(func() error {
			return RunTrackPruning(gctx, r.TrackRepo, r.Config.Recorder.Retention(), 0, r.LogManager.Logger("recorder"))
		})
	}

	g.Go(func() error {
		return r.runRelay(gctx)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}

	return err
}

func (r *Runtime) runRelay(ctx context.Context) error {
	source, sourceStatus, err := r.openLink(ctx, SourceLinkName, r.Config.Link.Source)
	if err != nil {
		return err
	}
	destination, destinationStatus, err := r.openLink(ctx, DestinationLinkName, r.Config.Link.Destination)
	if err != nil {
		r.closeLink(source, sourceStatus, nil)
		return err
	}

	r.Relay = relay.NewService(r.LogManager.Logger("relay"), r.Bus, source, destination, r.Codec, r.Snapshot, r.relayConfig)
	err = r.Relay.Run(ctx)
	r.closeLink(source, sourceStatus, err)
	r.closeLink(destination, destinationStatus, err)

	return err
}

func (r *Runtime) openLink(ctx context.Context, name, descriptor string) (*link.Endpoint, events.LinkStatus, error) {
	status := LinkStatusFromDescriptor(name, descriptor, r.Config.Link.Baud)
	r.publishLinkStatus(status)

	tr, err := transport.FromDescriptor(descriptor, r.Config.Link.Baud)
	if err != nil {
		status.State = events.LinkStateFailed
		status.Err = err.Error()
		r.publishLinkStatus(status)

		return nil, status, fmt.Errorf("%s link: %w", name, err)
	}

	opts := []link.Option{
		link.WithQueueSize(r.Config.Link.QueueSize),
		link.WithWriteTimeout(r.Config.Link.WriteTimeout()),
		link.WithLogger(r.LogManager.Logger("link").With("link", name)),
	}

	r.logger.Info("opening link", "link", name, "target", status.Target)
	if _, passive := tr.(transport.Binder); passive && name == DestinationLinkName {
		return r.acceptLink(ctx, name, tr, status, opts)
	}

	ep, err := link.Open(ctx, name, tr, opts...)
	if err != nil {
		status.State = events.LinkStateFailed
		status.Err = err.Error()
		r.publishLinkStatus(status)

		return nil, status, err
	}

	status.State = events.LinkStateConnected
	status.Target = ep.Target()
	r.publishLinkStatus(status)
	r.logger.Info("link connected", "link", name, "target", status.Target)

	return ep, status, nil
}

// acceptLink opens a listening destination without waiting for its peer, so
// the relay and the stream request start as soon as the vehicle is connected.
func (r *Runtime) acceptLink(ctx context.Context, name string, tr transport.Transport, status events.LinkStatus, opts []link.Option) (*link.Endpoint, events.LinkStatus, error) {
	failed := func(err error) (*link.Endpoint, events.LinkStatus, error) {
		status.State = events.LinkStateFailed
		status.Err = err.Error()
		r.publishLinkStatus(status)

		return nil, status, err
	}

	// Bound first so the listening state is published before any peer can arrive.
	if err := tr.(transport.Binder).Bind(ctx); err != nil {
		return failed(fmt.Errorf("bind %s link: %w", name, err))
	}
	if resolver, ok := tr.(transport.StatusTargetResolver); ok {
		status.Target = resolver.StatusTarget()
	}
	status.State = events.LinkStateListening
	r.publishLinkStatus(status)
	r.logger.Info("link awaiting peer", "link", name, "target", status.Target)

	onPeer := func() {
		connected := status
		connected.State = events.LinkStateConnected
		r.publishLinkStatus(connected)
		r.logger.Info("link peer connected", "link", name, "target", connected.Target)
	}
	ep, err := link.Accept(ctx, name, tr, append(opts, link.WithOnPeer(onPeer))...)
	if err != nil {
		_ = tr.Close()
		return failed(err)
	}

	return ep, status, nil
}

// closeLink closes ep and publishes its final state. An endpoint that shut
// down on its own while the relay failed with relayErr is reported as failed.
func (r *Runtime) closeLink(ep *link.Endpoint, status events.LinkStatus, relayErr error) {
	failed := false
	if relayErr != nil {
		select {
		case <-ep.Done():
			failed = true
		default:
		}
	}
	if err := ep.Close(); err != nil {
		r.logger.Debug("close link", "link", ep.Name(), "error", err)
	}

	if failed {
		status.State = events.LinkStateFailed
		status.Err = relayErr.Error()
	} else {
		status.State = events.LinkStateClosed
		status.Err = ""
	}
	r.publishLinkStatus(status)
}

func (r *Runtime) publishLinkStatus(status events.LinkStatus) {
	status.Timestamp = time.Now()
	r.Bus.Publish(events.TopicLinkStatus, status)
}

func (r *Runtime) Close() error {
	if r.telemetryLn != nil {
		_ = r.telemetryLn.Close()
	}
	if r.wsLn != nil {
		_ = r.wsLn.Close()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}
	return nil
}
