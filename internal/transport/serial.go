package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const defaultSerialReadTimeout = 300 * time.Millisecond

// SerialTransport exchanges raw frames over a serial device such as a flight
// controller USB port or a telemetry radio. The line is opened 8N1.
type SerialTransport struct {
	device      string
	baud        int
	readTimeout time.Duration
	open        func(device string, mode *serial.Mode) (serial.Port, error)

	mu      sync.Mutex
	port    serial.Port
	writeMu sync.Mutex

	frames frameReader
}

func NewSerialTransport(device string, baud int) *SerialTransport {
	return &SerialTransport{
		device:      device,
		baud:        baud,
		readTimeout: defaultSerialReadTimeout,
		open:        serial.Open,
	}
}

func (t *SerialTransport) Name() string {
	return KindSerial
}

func (t *SerialTransport) StatusTarget() string {
	return fmt.Sprintf("%s@%d", t.device, t.baud)
}

func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.device == "" {
		return errors.New("serial device is empty")
	}
	if t.baud <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", t.baud)
	}

	logger := transportLogger(KindSerial, "device", t.device, "baud", t.baud)
	port, err := t.open(t.device, &serial.Mode{
		BaudRate: t.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		logger.Warn("open failed", "error", err)

		return fmt.Errorf("open serial device %q: %w", t.device, err)
	}
	if err := port.SetReadTimeout(t.readTimeout); err != nil {
		_ = port.Close()

		return fmt.Errorf("set serial read timeout: %w", err)
	}
	// Bytes buffered before we opened the port belong to no frame we can relay.
	if err := port.ResetInputBuffer(); err != nil {
		logger.Debug("reset input buffer failed", "error", err)
	}
	t.port = port
	t.frames.reset()
	logger.Info("opened")

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil

	return err
}

// ReadFrame blocks until a full frame arrives, ctx ends or the port closes.
// The port read timeout only bounds how long a ctx cancellation goes unnoticed.
func (t *SerialTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	port, err := t.currentPort()
	if err != nil {
		return nil, err
	}

	skipped := t.frames.discarded
	frame, err := t.frames.next(func(buf []byte) error {
		return readPort(ctx, port, buf)
	})
	if err != nil {
		return nil, err
	}
	if n := t.frames.discarded - skipped; n > 0 {
		transportLogger(KindSerial, "device", t.device).Debug("discarded bytes before frame", "bytes", n)
	}

	return frame, nil
}

func (t *SerialTransport) WriteFrame(ctx context.Context, frame []byte) error {
	port, err := t.currentPort()
	if err != nil {
		return err
	}
	if err := validateFrame(frame); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for written := 0; written < len(frame); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := port.Write(frame[written:])
		if err != nil {
			return fmt.Errorf("write frame: %w", portErr(err))
		}
		written += n
	}

	return nil
}

func (t *SerialTransport) currentPort() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, errNotConnected
	}

	return t.port, nil
}

// readPort fills buf. A zero-byte read is the port read timeout expiring.
func readPort(ctx context.Context, port io.Reader, buf []byte) error {
	for read := 0; read < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := port.Read(buf[read:])
		if err != nil {
			return portErr(err)
		}
		read += n
	}

	return nil
}

// portErr maps a closed-port error to io.EOF so callers see the same
// end-of-link signal as on TCP.
func portErr(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return io.EOF
	}

	return err
}
