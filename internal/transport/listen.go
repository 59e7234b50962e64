package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

var errListenerUsed = errors.New("listener already served its peer")

// ListenTransport binds a TCP address and serves exactly one peer, normally the
// ground station. The listener is closed as soon as that peer is accepted, so
// later connection attempts are refused.
type ListenTransport struct {
	streamConn

	addr string

	lnMu  sync.Mutex
	ln    net.Listener
	bound net.Addr
}

func NewListenTransport(addr string) *ListenTransport {
	return &ListenTransport{streamConn: streamConn{kind: KindTCPIn}, addr: addr}
}

func (t *ListenTransport) Name() string {
	return KindTCPIn
}

func (t *ListenTransport) StatusTarget() string {
	if bound := t.Addr(); bound != nil {
		return bound.String()
	}

	return t.addr
}

// Addr reports the bound address once the transport is bound.
func (t *ListenTransport) Addr() net.Addr {
	t.lnMu.Lock()
	defer t.lnMu.Unlock()

	return t.bound
}

// Bind starts listening without waiting for a peer.
func (t *ListenTransport) Bind(ctx context.Context) error {
	t.lnMu.Lock()
	defer t.lnMu.Unlock()
	if t.bound != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		transportLogger(KindTCPIn, "addr", t.addr).Warn("listen failed", "error", err)

		return fmt.Errorf("listen tcp %s: %w", t.addr, err)
	}
	t.ln = ln
	t.bound = ln.Addr()

	return nil
}

// Connect blocks until one peer connects or ctx ends.
func (t *ListenTransport) Connect(ctx context.Context) error {
	if t.Connected() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Bind(ctx); err != nil {
		return err
	}

	t.lnMu.Lock()
	ln := t.ln
	t.lnMu.Unlock()
	if ln == nil {
		return errListenerUsed
	}

	logger := transportLogger(KindTCPIn, "addr", t.addr)
	logger.Info("awaiting peer", "bound", ln.Addr().String())

	// Closing the listener unblocks Accept when ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	conn, acceptErr := ln.Accept()
	canceled := !stop()
	closeErr := t.closeListener()

	if canceled {
		if conn != nil {
			_ = conn.Close()
		}
		logger.Debug("accept canceled", "error", ctx.Err())

		return ctx.Err()
	}
	if acceptErr != nil {
		logger.Warn("accept failed", "error", acceptErr)

		return errors.Join(fmt.Errorf("accept tcp peer: %w", acceptErr), closeErr)
	}

	t.attach(conn)
	logger.Info("peer connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *ListenTransport) closeListener() error {
	t.lnMu.Lock()
	ln := t.ln
	t.ln = nil
	t.lnMu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

// Close releases the listener when no peer arrived yet and the peer connection otherwise.
func (t *ListenTransport) Close() error {
	return errors.Join(t.closeListener(), t.detach(transportLogger(KindTCPIn, "addr", t.addr)))
}
