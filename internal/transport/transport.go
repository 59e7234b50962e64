package transport

import (
	"context"
	"log/slog"
)

const (
	KindSerial = "serial"
	KindTCP    = "tcp"
	KindTCPIn  = "tcpin"
)

// Transport moves raw MAVLink frames over one serial or network link. Frames
// pass through untouched in both directions; ReadFrame returns io.EOF (possibly
// wrapped) once the peer is gone.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
}

// Binder is implemented by transports that claim a local address before their
// peer connects. Bind is idempotent; Connect binds on its own when needed.
type Binder interface {
	Bind(ctx context.Context) error
}

// StatusTargetResolver is implemented by transports that can describe their peer.
type StatusTargetResolver interface {
	StatusTarget() string
}

func transportLogger(kind string, attrs ...any) *slog.Logger {
	return slog.With(append([]any{"component", "transport", "kind", kind}, attrs...)...)
}
