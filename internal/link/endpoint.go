package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/skylink/internal/transport"
)

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 5 * time.Second
)

// ErrClosed is reported by Poll once the endpoint was closed locally.
var ErrClosed = errors.New("link endpoint is closed")

// Endpoint is one side of the relay. A background reader moves frames from the
// transport into a bounded queue so Poll never blocks.
type Endpoint struct {
	name         string
	transport    transport.Transport
	logger       *slog.Logger
	writeTimeout time.Duration

	frames chan []byte
	ready  chan struct{}
	closed chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once
	errMu     sync.RWMutex
	err       error

	attached  atomic.Bool
	discarded atomic.Uint64
	onPeer    func()
}

type Option func(*Endpoint)

func WithQueueSize(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.frames = make(chan []byte, n)
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithOnPeer registers fn to run once the peer of an Accept endpoint connects.
// fn runs on the reader goroutine before the first frame is read.
func WithOnPeer(fn func()) Option {
	return func(e *Endpoint) {
		e.onPeer = fn
	}
}

// Open connects tr and starts reading frames from it.
func Open(ctx context.Context, name string, tr transport.Transport, opts ...Option) (*Endpoint, error) {
	if err := tr.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s link: %w", name, err)
	}

	return Start(name, tr, opts...), nil
}

// Start wraps an already connected transport.
func Start(name string, tr transport.Transport, opts ...Option) *Endpoint {
	e := newEndpoint(name, tr, opts...)
	e.attached.Store(true)
	e.run(false)

	return e
}

// Accept returns an endpoint whose peer connects later, such as a tcpin link
// waiting for the ground station. A transport implementing transport.Binder is
// bound before Accept returns. Until the peer arrives Poll reports nothing and
// Write discards frames; a failed accept fails the endpoint.
func Accept(ctx context.Context, name string, tr transport.Transport, opts ...Option) (*Endpoint, error) {
	if b, ok := tr.(transport.Binder); ok {
		if err := b.Bind(ctx); err != nil {
			return nil, fmt.Errorf("bind %s link: %w", name, err)
		}
	}

	e := newEndpoint(name, tr, opts...)
	e.run(true)

	return e, nil
}

func newEndpoint(name string, tr transport.Transport, opts ...Option) *Endpoint {
	e := &Endpoint{
		name:         name,
		transport:    tr,
		logger:       slog.With("component", "link", "link", name, "transport", tr.Name()),
		writeTimeout: DefaultWriteTimeout,
		frames:       make(chan []byte, DefaultQueueSize),
		ready:        make(chan struct{}, 1),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Endpoint) run(connect bool) {
	readCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.runReader(readCtx, connect)
}

func (e *Endpoint) Name() string {
	return e.name
}

// Target describes the remote side of the link for logs.
func (e *Endpoint) Target() string {
	if resolver, ok := e.transport.(transport.StatusTargetResolver); ok {
		return resolver.StatusTarget()
	}

	return e.transport.Name()
}

// Poll returns the next queued frame without blocking. ok is false when no
// frame is available; err is set once the link has failed and every frame
// read before the failure has been handed out.
func (e *Endpoint) Poll() (frame []byte, ok bool, err error) {
	select {
	case frame := <-e.frames:
		return frame, true, nil
	default:
	}

	select {
	case <-e.closed:
		select {
		case frame := <-e.frames:
			return frame, true, nil
		default:
		}
		return nil, false, e.closeErr()
	default:
		return nil, false, nil
	}
}

// Ready is signalled after new frames are queued. A receive does not consume a frame.
func (e *Endpoint) Ready() <-chan struct{} {
	return e.ready
}

// Connected reports whether the transport has a peer.
func (e *Endpoint) Connected() bool {
	return e.attached.Load()
}

// Discarded counts frames written before the peer connected.
func (e *Endpoint) Discarded() uint64 {
	return e.discarded.Load()
}

// Done is closed when the link has failed or was closed.
func (e *Endpoint) Done() <-chan struct{} {
	return e.closed
}

// Write sends frame to the transport unchanged.
func (e *Endpoint) Write(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("write %s link: %w", e.name, transport.ErrInvalidFrame)
	}
	select {
	case <-e.closed:
		return fmt.Errorf("write %s link: %w", e.name, e.closeErr())
	default:
	}
	if !e.attached.Load() {
		if n := e.discarded.Add(1); n == 1 || n%1000 == 0 {
			e.logger.Debug("no peer yet, frame discarded", "discarded", n)
		}
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()
	if err := e.transport.WriteFrame(writeCtx, frame); err != nil {
		e.fail(err)
		return fmt.Errorf("write %s link: %w", e.name, err)
	}

	return nil
}

// Close stops the reader and closes the transport.
func (e *Endpoint) Close() error {
	e.fail(ErrClosed)
	e.cancel()
	err := e.transport.Close()
	<-e.done

	return err
}

func (e *Endpoint) runReader(ctx context.Context, connect bool) {
	defer close(e.done)
	if connect {
		if err := e.transport.Connect(ctx); err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("peer did not connect, link is down", "error", err)
			}
			e.fail(fmt.Errorf("connect %s link: %w", e.name, err))
			return
		}
		e.attached.Store(true)
		if e.onPeer != nil {
			e.onPeer()
		}
	}

	for {
		frame, err := e.transport.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("read failed, link is down", "error", err)
			}
			e.fail(fmt.Errorf("read %s link: %w", e.name, err))
			return
		}

		select {
		case e.frames <- frame:
		case <-e.closed:
			return
		}
		e.signalReady()
	}
}

func (e *Endpoint) signalReady() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *Endpoint) fail(err error) {
	e.errMu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.errMu.Unlock()

	e.closeOnce.Do(func() {
		close(e.closed)
	})
	e.signalReady()
}

func (e *Endpoint) closeErr() error {
	e.errMu.RLock()
	defer e.errMu.RUnlock()
	if e.err == nil {
		return ErrClosed
	}

	return e.err
}
