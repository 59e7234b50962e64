package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

var errNotConnected = errors.New("transport is not connected")

// streamConn carries frames over one established net.Conn. Reads and writes
// may run concurrently; writes are serialized so frames never interleave.
type streamConn struct {
	kind string

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	// frames is only touched by the reading goroutine and by attach.
	frames frameReader
}

func (s *streamConn) attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.frames.reset()
	s.mu.Unlock()
}

func (s *streamConn) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn != nil
}

func (s *streamConn) current() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, errNotConnected
	}

	return s.conn, nil
}

func (s *streamConn) detach(logger *slog.Logger) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		logger.Debug("close skipped: not connected")

		return nil
	}
	if err := conn.Close(); err != nil {
		logger.Warn("close failed", "error", err)

		return err
	}
	logger.Info("closed")

	return nil
}

func (s *streamConn) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, err := s.current()
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(deadlineOf(ctx))

	skipped := s.frames.discarded
	frame, err := s.frames.next(ioReadFullFunc(conn))
	if err != nil {
		transportLogger(s.kind).Debug("read frame failed", "error", err)

		return nil, err
	}
	if n := s.frames.discarded - skipped; n > 0 {
		transportLogger(s.kind).Debug("discarded bytes before frame", "bytes", n)
	}

	return frame, nil
}

func (s *streamConn) WriteFrame(ctx context.Context, frame []byte) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	if err := validateFrame(frame); err != nil {
		transportLogger(s.kind).Warn("write frame rejected", "frame_len", len(frame), "error", err)

		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(deadlineOf(ctx))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// deadlineOf maps a ctx deadline onto a socket deadline; none clears it.
func deadlineOf(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}

	return time.Time{}
}
