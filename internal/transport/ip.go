package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const defaultDialTimeout = 6 * time.Second

// IPTransport dials a TCP server, typically an autopilot SITL or a
// serial-to-network bridge, and exchanges raw frames with it.
type IPTransport struct {
	streamConn

	host        string
	port        int
	dialTimeout time.Duration
}

func NewIPTransport(host string, port int) *IPTransport {
	return &IPTransport{
		streamConn:  streamConn{kind: KindTCP},
		host:        host,
		port:        port,
		dialTimeout: defaultDialTimeout,
	}
}

func (t *IPTransport) Name() string {
	return KindTCP
}

func (t *IPTransport) StatusTarget() string {
	if t.host == "" || t.port <= 0 {
		return ""
	}

	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

func (t *IPTransport) Connect(ctx context.Context) error {
	target := t.StatusTarget()
	logger := transportLogger(KindTCP, "target", target)
	if t.Connected() {
		return nil
	}
	if target == "" {
		return errors.New("tcp host and port are required")
	}

	dialer := net.Dialer{Timeout: t.dialTimeout}
	logger.Info("connecting")
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		logger.Warn("connect failed", "error", err)

		return fmt.Errorf("dial tcp %s: %w", target, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// MAVLink frames are small and latency sensitive.
		_ = tcp.SetNoDelay(true)
	}
	t.attach(conn)
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *IPTransport) Close() error {
	return t.detach(transportLogger(KindTCP, "target", t.StatusTarget()))
}
