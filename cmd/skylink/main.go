package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/skobkin/skylink/internal/app"
	"github.com/skobkin/skylink/internal/config"
	"github.com/skobkin/skylink/internal/logging"
	"github.com/skobkin/skylink/internal/platform"
	"github.com/skobkin/skylink/internal/transport"
)

const usageLine = "usage: skylink [flags] SOURCE DEST_PORT TELEM_PORT"

type options struct {
	cfg         config.AppConfig
	configPath  string
	writeConfig bool
	showVersion bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("run skylink", "error", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}

	opts, err := parseArgs(args, paths, stderr)
	if err != nil {
		return err
	}
	if opts.showVersion {
		_, _ = fmt.Fprintf(stdout, "%s %s\n", app.Name, app.BuildVersionWithDate())
		return nil
	}
	if err := opts.cfg.Validate(); err != nil {
		_, _ = fmt.Fprintln(stderr, usageLine)
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.writeConfig {
		if err := config.Save(opts.configPath, opts.cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		_, _ = fmt.Fprintf(stdout, "configuration written to %s\n", opts.configPath)
		return nil
	}

	lock, err := acquireSourceLock(paths.StateDir, opts.cfg)
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() {
			if releaseErr := lock.Release(); releaseErr != nil {
				slog.Warn("release link lock", "error", releaseErr)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Initialize(ctx, opts.cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = rt.Close()
	}()

	go rotateLogsOnHangup(ctx, rt.LogManager)

	slog.Info("relay configured",
		"source", opts.cfg.Link.Source,
		"destination", opts.cfg.Link.Destination,
		"telemetry", rt.TelemetryAddr().String(),
	)

	return rt.Run(ctx)
}

// rotateLogsOnHangup reopens the log file on SIGHUP, for logrotate-style setups.
func rotateLogsOnHangup(ctx context.Context, logMgr *logging.Manager) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := logMgr.Rotate(); err != nil {
				slog.Warn("rotate log file", "error", err)
				continue
			}
			slog.Info("log file rotated")
		}
	}
}

// acquireSourceLock keeps a second relay off the same vehicle link. A nil lock
// with a nil error means the platform has no lock support.
func acquireSourceLock(dir string, cfg config.AppConfig) (platform.LinkLock, error) {
	desc, err := transport.ParseDescriptor(cfg.Link.Source, cfg.Link.Baud)
	if err != nil {
		return nil, err
	}

	lock, err := platform.AcquireLinkLock(dir, desc.String())
	switch {
	case errors.Is(err, platform.ErrLinkLockUnsupported):
		slog.Warn("link lock is not available on this platform", "error", err)
		return nil, nil
	case errors.Is(err, platform.ErrLinkBusy):
		return nil, fmt.Errorf("source link %s: %w", desc.String(), err)
	case err != nil:
		return nil, fmt.Errorf("lock source link: %w", err)
	}

	return lock, nil
}

// parseArgs merges the config file, flags and positional arguments, in that
// order of increasing precedence.
func parseArgs(args []string, paths app.Paths, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet(app.Name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintln(fs.Output(), usageLine)
		_, _ = fmt.Fprintln(fs.Output(), "\nSOURCE is a link descriptor: tcp:HOST:PORT, tcpin:HOST:PORT, serial:DEVICE[:BAUD], DEVICE[,BAUD]")
		_, _ = fmt.Fprintln(fs.Output(), "DEST_PORT is the TCP port the ground station connects to, TELEM_PORT serves JSON telemetry.")
		_, _ = fmt.Fprintln(fs.Output(), "\nsource: "+app.SourceURL)
		_, _ = fmt.Fprintln(fs.Output(), "\nflags:")
		fs.PrintDefaults()
	}

	configPath := fs.String("config", paths.ConfigFile, "path to JSON config file")
	baud := fs.Int("baud", config.DefaultSerialBaud, "serial baud rate when the descriptor has none")
	interval := fs.Duration("telemetry-interval", time.Duration(config.DefaultTelemetryIntervalMS)*time.Millisecond, "telemetry push interval")
	format := fs.String("telemetry-format", "full", "telemetry payload: full or position")
	wsPort := fs.Int("ws-port", 0, "also serve telemetry over WebSocket on this port (0 disables)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	record := fs.Bool("record", false, "record positions to the track database")
	dbPath := fs.String("db", "", "track database path (default "+paths.DBFile+")")
	clearTrack := fs.Bool("clear-track", false, "delete recorded positions before recording starts")
	writeConfig := fs.Bool("write-config", false, "save the effective configuration to -config and exit")
	noStreams := fs.Bool("no-stream-request", false, "do not ask the vehicle to start its data streams")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *showVersion {
		return options{showVersion: true}, nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return options{}, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["baud"] {
		cfg.Link.Baud = *baud
	}
	if set["telemetry-interval"] {
		cfg.Telemetry.IntervalMS = int(interval.Milliseconds())
	}
	if set["telemetry-format"] {
		cfg.Telemetry.Format = strings.TrimSpace(*format)
	}
	if set["ws-port"] {
		cfg.Telemetry.WSPort = *wsPort
	}
	if set["log-level"] {
		cfg.Logging.Level = *logLevel
	}
	if set["record"] {
		cfg.Recorder.Enabled = *record
	}
	if set["db"] {
		cfg.Recorder.DBPath = *dbPath
	}
	if set["clear-track"] {
		cfg.Recorder.ClearOnStart = *clearTrack
	}
	if set["no-stream-request"] && *noStreams {
		cfg.MAVLink.RequestStreams = false
	}

	switch fs.NArg() {
	case 0:
	case 3:
		if err := applyPositional(&cfg, fs.Args()); err != nil {
			return options{}, err
		}
	default:
		fs.Usage()
		return options{}, fmt.Errorf("expected 3 positional arguments, got %d", fs.NArg())
	}

	if cfg.Recorder.Enabled && strings.TrimSpace(cfg.Recorder.DBPath) == "" {
		cfg.Recorder.DBPath = paths.DBFile
	}
	if cfg.Logging.LogToFile && strings.TrimSpace(cfg.Logging.FilePath) == "" {
		cfg.Logging.FilePath = paths.LogFile
	}
	cfg.FillMissingDefaults()

	return options{cfg: cfg, configPath: *configPath, writeConfig: *writeConfig}, nil
}

func applyPositional(cfg *config.AppConfig, args []string) error {
	cfg.Link.Source = strings.TrimSpace(args[0])

	destPort, err := parsePort(args[1])
	if err != nil {
		return fmt.Errorf("DEST_PORT: %w", err)
	}
	cfg.Link.Destination = config.DestinationForPort(destPort)

	telemPort, err := parsePort(args[2])
	if err != nil {
		return fmt.Errorf("TELEM_PORT: %w", err)
	}
	cfg.Telemetry.Port = telemPort

	return nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %d", port)
	}

	return port, nil
}
