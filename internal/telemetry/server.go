package telemetry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultInterval     = time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Server pushes the current snapshot to every connected client once per interval.
type Server struct {
	snapshot     *Snapshot
	interval     time.Duration
	staleAfter   time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	clients atomic.Int64
	conns   sync.WaitGroup
	wsConns sync.WaitGroup
}

type ServerOption func(*Server)

func WithInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStaleAfter suppresses pushes of payloads older than d. Zero pushes every payload.
func WithStaleAfter(d time.Duration) ServerOption {
	return func(s *Server) {
		if d >= 0 {
			s.staleAfter = d
		}
	}
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(snapshot *Snapshot, opts ...ServerOption) *Server {
	s := &Server{
		snapshot:     snapshot,
		interval:     DefaultInterval,
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.With("component", "telemetry"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Clients reports the number of currently connected clients.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// ListenAndServe listens on addr and serves clients until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen telemetry %s: %w", addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx ends or accepting fails. Either way
// it closes ln, disconnects every client and returns once their goroutines
// have exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("telemetry server listening", "addr", ln.Addr().String(), "interval", s.interval)

	clientCtx, disconnect := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer s.conns.Wait()
	defer disconnect()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_ = ln.Close()

			return fmt.Errorf("accept telemetry client: %w", err)
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(clientCtx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	logger := s.logger.With("client", id, "remote", conn.RemoteAddr().String())
	s.clients.Add(1)
	logger.Info("telemetry client connected", "clients", s.Clients())
	defer func() {
		_ = conn.Close()
		s.clients.Add(-1)
		logger.Info("telemetry client disconnected", "clients", s.Clients())
	}()

	// Client input is ignored; the read only detects a closed connection.
	gone := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		close(gone)
	}()

	w := bufio.NewWriter(conn)
	err := s.pushLoop(ctx, gone, func(payload []byte) error {
		if err := conn.SetWriteDeadline(s.now().Add(s.writeTimeout)); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}

		return w.Flush()
	})
	if err != nil {
		logger.Debug("telemetry push stopped", "error", err)
	}
}

var errClientGone = errors.New("telemetry client closed the connection")

// pushLoop runs push cycles until ctx ends, gone is closed or write fails.
// The first cycle runs immediately.
func (s *Server) pushLoop(ctx context.Context, gone <-chan struct{}, write func([]byte) error) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if payload, ok := s.current(); ok {
			if err := write(payload); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gone:
			return errClientGone
		case <-ticker.C:
		}
	}
}

func (s *Server) current() ([]byte, bool) {
	payload, at, ok := s.snapshot.Load()
	if !ok {
		return nil, false
	}
	if s.staleAfter > 0 && s.now().Sub(at) > s.staleAfter {
		return nil, false
	}

	return payload, true
}
