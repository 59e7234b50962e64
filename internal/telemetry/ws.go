package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const WebSocketPath = "/telemetry"

// WebSocketHandler mirrors the push cycle over WebSocket, one text message per cycle.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.wsConns.Add(1)
		defer s.wsConns.Done()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "error", err)

			return
		}
		s.serveWebSocket(ctx, conn)
	})
}

func (s *Server) serveWebSocket(ctx context.Context, conn *websocket.Conn) {
	id := uuid.NewString()
	logger := s.logger.With("client", id, "remote", conn.RemoteAddr().String(), "transport", "websocket")
	s.clients.Add(1)
	logger.Info("telemetry client connected", "clients", s.Clients())
	defer func() {
		_ = conn.Close()
		s.clients.Add(-1)
		logger.Info("telemetry client disconnected", "clients", s.Clients())
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err := s.pushLoop(ctx, gone, func(payload []byte) error {
		if err := conn.SetWriteDeadline(s.now().Add(s.writeTimeout)); err != nil {
			return err
		}

		return conn.WriteMessage(websocket.TextMessage, payload)
	})
	if err != nil {
		logger.Debug("telemetry push stopped", "error", err)
	}
}

// ServeWebSocket serves the WebSocket mirror on ln until ctx ends or serving
// fails. It returns once every client has been disconnected.
func (s *Server) ServeWebSocket(ctx context.Context, ln net.Listener) error {
	clientCtx, disconnect := context.WithCancel(ctx)
	defer s.wsConns.Wait()
	defer disconnect()

	mux := http.NewServeMux()
	mux.Handle("GET "+WebSocketPath, s.WebSocketHandler(clientCtx))

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("telemetry websocket listening", "addr", ln.Addr().String(), "path", WebSocketPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown; they end with ctx.
		_ = httpServer.Shutdown(shutdownCtx)

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("serve telemetry websocket: %w", err)
	}
}

// ListenAndServeWebSocket listens on addr and serves the WebSocket mirror until ctx ends.
func (s *Server) ListenAndServeWebSocket(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen telemetry websocket %s: %w", addr, err)
	}

	return s.ServeWebSocket(ctx, ln)
}
