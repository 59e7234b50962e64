package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestIPTransportForwardsFramesVerbatim(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	addr := ln.Addr().(*net.TCPAddr)
	tr := NewIPTransport("127.0.0.1", addr.Port)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = tr.Close() }()

	peer, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer func() { _ = peer.Close() }()

	inbound := v2Frame(false, 0x01, 0x02)
	if _, err := peer.Write(append([]byte{0x00, 0x01}, inbound...)); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	got, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, inbound) {
		t.Fatalf("inbound mismatch: got %x want %x", got, inbound)
	}

	outbound := v1Frame(0x09)
	if err := tr.WriteFrame(ctx, outbound); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	buf := make([]byte, len(outbound))
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(buf); err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if !bytes.Equal(buf, outbound) {
		t.Fatalf("outbound mismatch: got %x want %x", buf, outbound)
	}
}

func TestIPTransportRejectsEmptyFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	tr := NewIPTransport("127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if err := tr.WriteFrame(context.Background(), nil); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestListenTransportAcceptsSinglePeer(t *testing.T) {
	tr := NewListenTransport("127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	connectErr := make(chan error, 1)
	go func() { connectErr <- tr.Connect(ctx) }()

	var bound net.Addr
	for bound == nil {
		select {
		case <-ctx.Done():
			t.Fatalf("listener never bound")
		case <-time.After(5 * time.Millisecond):
			bound = tr.Addr()
		}
	}

	peer, err := net.Dial("tcp", bound.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = peer.Close() }()

	if err := <-connectErr; err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = tr.Close() }()

	frame := v1Frame(0x33)
	if _, err := peer.Write(frame); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	got, err := tr.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("frame mismatch: got %x want %x", got, frame)
	}
}

func TestListenTransportConnectCanceled(t *testing.T) {
	tr := NewListenTransport("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())

	connectErr := make(chan error, 1)
	go func() { connectErr <- tr.Connect(ctx) }()
	cancel()

	select {
	case err := <-connectErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connect did not return after cancel")
	}
}

func TestListenTransportRefusesLaterPeers(t *testing.T) {
	tr := NewListenTransport("127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	connectErr := make(chan error, 1)
	go func() { connectErr <- tr.Connect(ctx) }()

	var bound net.Addr
	for bound == nil {
		select {
		case <-ctx.Done():
			t.Fatalf("listener never bound")
		case <-time.After(5 * time.Millisecond):
			bound = tr.Addr()
		}
	}

	first, err := net.Dial("tcp", bound.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = first.Close() }()
	if err := <-connectErr; err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = tr.Close() }()

	if second, err := net.DialTimeout("tcp", bound.String(), time.Second); err == nil {
		_ = second.Close()
		t.Fatalf("expected the listener to be closed after the first peer")
	}
}

func TestStreamConnRequiresConnect(t *testing.T) {
	tr := NewIPTransport("127.0.0.1", 5760)
	if _, err := tr.ReadFrame(context.Background()); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected errNotConnected, got %v", err)
	}
	if err := tr.WriteFrame(context.Background(), v1Frame(0x01)); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected errNotConnected, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close without connect: %v", err)
	}
}

func TestIPTransportKeepsFramesAfterStrayMagic(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	tr := NewIPTransport("127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = tr.Close() }()

	peer, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer func() { _ = peer.Close() }()

	frame := v1Frame(0x01, 0x02, 0x03)
	stream := []byte{magicV1}
	for range 40 {
		stream = append(stream, frame...)
	}
	if _, err := peer.Write(stream); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	for i := range 40 {
		got, err := tr.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if !bytes.Equal(got, frame) {
			t.Fatalf("frame %d mismatch: got %d bytes %x want %x", i, len(got), got, frame)
		}
	}
}

func TestListenTransportBindBeforePeer(t *testing.T) {
	tr := NewListenTransport("127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tr.Bind(ctx); err != nil {
		t.Fatalf("bind: %v", err)
	}
	bound := tr.Addr()
	if bound == nil {
		t.Fatalf("expected a bound address after Bind")
	}
	if tr.StatusTarget() != bound.String() {
		t.Fatalf("expected status target %q, got %q", bound.String(), tr.StatusTarget())
	}
	if err := tr.Bind(ctx); err != nil {
		t.Fatalf("second bind: %v", err)
	}

	peer, err := net.Dial("tcp", bound.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = peer.Close() }()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = tr.Close() }()
	if !tr.Connected() {
		t.Fatalf("expected the peer to be attached")
	}
}

func TestListenTransportCloseReleasesUnusedListener(t *testing.T) {
	tr := NewListenTransport("127.0.0.1:0")
	if err := tr.Bind(context.Background()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	bound := tr.Addr().String()

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if conn, err := net.DialTimeout("tcp", bound, time.Second); err == nil {
		_ = conn.Close()
		t.Fatalf("expected the listener to be closed")
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, errListenerUsed) {
		t.Fatalf("expected errListenerUsed after close, got %v", err)
	}
}
