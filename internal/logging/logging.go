package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skobkin/skylink/internal/config"
)

// Manager owns app logger configuration and optional log file lifecycle.
type Manager struct {
	mu     sync.RWMutex
	logger *slog.Logger
	file   *lumberjack.Logger
	stdout io.Writer
}

func NewManager() *Manager {
	m := &Manager{stdout: os.Stdout}
	m.logger = slog.New(slog.NewTextHandler(m.stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	return m
}

// Configure rebuilds the logger and installs it as the slog default. Console
// records use cfg.Format. When cfg.LogToFile is set, records also go to a
// size-rotated file, always as JSON lines.
func (m *Manager) Configure(cfg config.LoggingConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}

	m.mu.Lock()
	defer m.mu.Unlock()

	var console slog.Handler
	switch strings.ToLower(cfg.Format) {
	case config.LogFormatJSON:
		console = slog.NewJSONHandler(m.stdout, opts)
	case config.LogFormatText, "":
		console = slog.NewTextHandler(m.stdout, opts)
	default:
		return fmt.Errorf("unsupported log format: %q", cfg.Format)
	}

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}

	handler := console
	if cfg.LogToFile {
		cleanPath := filepath.Clean(cfg.FilePath)
		if err := os.MkdirAll(filepath.Dir(cleanPath), 0o750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		m.file = &lumberjack.Logger{
			Filename:   cleanPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		handler = fanoutHandler{console, slog.NewJSONHandler(m.file, opts)}
	}

	m.logger = slog.New(handler)
	slog.SetDefault(m.logger)

	return nil
}

func (m *Manager) Logger(component string) *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.logger.With("component", component)
}

// Rotate starts a new log file, keeping the old one as a backup. It is a
// no-op when file logging is off.
func (m *Manager) Rotate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.file == nil {
		return nil
	}

	return m.file.Rotate()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			return err
		}
		m.file = nil
	}

	return nil
}

func parseLevel(raw string) (slog.Leveler, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return nil, fmt.Errorf("unsupported log level: %q", raw)
	}
}

// fanoutHandler hands each record to every handler. A failing destination
// does not keep the record from the others.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sub := range h {
		if sub.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (h fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, sub := range h {
		if !sub.Enabled(ctx, r.Level) {
			continue
		}
		if err := sub.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(h) {
		return errors.Join(errs...)
	}

	return nil
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, sub := range h {
		out[i] = sub.WithAttrs(attrs)
	}

	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, sub := range h {
		out[i] = sub.WithGroup(name)
	}

	return out
}
