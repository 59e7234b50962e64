package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skobkin/skylink/internal/app"
	"github.com/skobkin/skylink/internal/config"
	"github.com/skobkin/skylink/internal/logging"
	"github.com/skobkin/skylink/internal/telemetry"
)

const dialTimeout = 5 * time.Second

// record accepts both telemetry formats.
type record struct {
	telemetry.FullPayload
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("run telemwatch", "error", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "127.0.0.1:5000", "telemetry TCP address")
	wsURL := flag.String("ws", "", "telemetry WebSocket URL, e.g. ws://127.0.0.1:5001"+telemetry.WebSocketPath)
	count := flag.Int("count", 0, "exit after this many records (0 means unlimited)")
	listenFor := flag.Duration("listen-for", 0, "listen duration, e.g. 30s")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *listenFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *listenFor)
		defer cancel()
	}

	logMgr := logging.NewManager()
	logCfg := config.Default().Logging
	logCfg.Level = *logLevel
	if err := logMgr.Configure(logCfg); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("telemwatch")
	logger.Info("starting telemwatch", "version", app.BuildVersion(), "build_date", app.BuildDateYMD())

	var (
		n   int
		err error
	)
	if strings.TrimSpace(*wsURL) != "" {
		n, err = watchWebSocket(ctx, logger, *wsURL, *count)
	} else {
		n, err = watchTCP(ctx, logger, *addr, *count)
	}
	logger.Info("telemetry summary", "records", n)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return err
}

func watchTCP(ctx context.Context, logger *slog.Logger, addr string, limit int) (int, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial telemetry %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()
	logger.Info("connected", "addr", addr)

	n, err := consumeLines(conn, logger, limit)
	if ctx.Err() != nil {
		return n, ctx.Err()
	}

	return n, err
}

// consumeLines logs each newline-terminated record until r ends or limit
// records were seen.
func consumeLines(r io.Reader, logger *slog.Logger, limit int) (int, error) {
	reader := bufio.NewReader(r)
	n := 0
	for limit <= 0 || n < limit {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if err := logRecord(logger, line); err != nil {
				return n, err
			}
			n++
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("read telemetry: %w", err)
		}
	}

	return n, nil
}

func watchWebSocket(ctx context.Context, logger *slog.Logger, url string, limit int) (int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return 0, fmt.Errorf("dial telemetry websocket %s: %w", url, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()
	logger.Info("connected", "url", url)

	n := 0
	for limit <= 0 || n < limit {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return n, nil
			}
			return n, fmt.Errorf("read telemetry websocket: %w", err)
		}
		if err := logRecord(logger, msg); err != nil {
			return n, err
		}
		n++
	}

	return n, nil
}

func logRecord(logger *slog.Logger, line []byte) error {
	attrs, err := recordAttrs(line)
	if err != nil {
		return err
	}
	logger.Info("telemetry", attrs...)

	return nil
}

func recordAttrs(line []byte) ([]any, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("decode telemetry record: %w", err)
	}
	if rec.Lat != nil && rec.Lon != nil {
		return []any{"lat", *rec.Lat, "lon", *rec.Lon}, nil
	}

	attrs := []any{
		"lat", rec.Latitude,
		"lon", rec.Longitude,
		"alt_agl_m", rec.AltitudeAGLMeters,
		"alt_msl_m", rec.AltitudeMSLMeters,
		"heading", rec.HeadingDegrees,
		"boot_ms", rec.TimestampTelem,
	}
	if rec.TimestampMsg > 0 {
		sent := time.UnixMilli(rec.TimestampMsg)
		attrs = append(attrs, "sent_at", sent.Format(time.RFC3339Nano), "age", time.Since(sent).Round(time.Millisecond))
	}

	return attrs, nil
}
