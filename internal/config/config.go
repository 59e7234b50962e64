package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skobkin/skylink/internal/telemetry"
	"github.com/skobkin/skylink/internal/transport"
)

const (
	DefaultSerialBaud          = 57600
	DefaultTelemetryIntervalMS = 1000
	DefaultIdleWaitMS          = 20
	DefaultStatsIntervalMS     = 60000
	DefaultQueueSize           = 256
	DefaultWriteTimeoutMS      = 5000
	DefaultStreamRateHz        = 1
	DefaultGCSSystemID         = 255
	DefaultGCSComponentID      = 190
	DefaultLogMaxSizeMB        = 10
	DefaultLogMaxBackups       = 3
	DefaultLogMaxAgeDays       = 28

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	LogToFile  bool   `json:"log_to_file"`
	FilePath   string `json:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// LinkConfig describes both relay links as connection descriptors.
type LinkConfig struct {
	Source         string `json:"source"`
	Destination    string `json:"destination"`
	Baud           int    `json:"baud"`
	QueueSize      int    `json:"queue_size"`
	WriteTimeoutMS int    `json:"write_timeout_ms"`
}

// TelemetryConfig controls the JSON push servers.
type TelemetryConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	WSPort       int    `json:"ws_port"`
	IntervalMS   int    `json:"interval_ms"`
	StaleAfterMS int    `json:"stale_after_ms"`
	Format       string `json:"format"`
}

// MAVLinkConfig controls frames the relay originates itself.
type MAVLinkConfig struct {
	RequestStreams  bool `json:"request_streams"`
	StreamRateHz    int  `json:"stream_rate_hz"`
	TargetSystem    int  `json:"target_system"`
	TargetComponent int  `json:"target_component"`
	SystemID        int  `json:"system_id"`
	ComponentID     int  `json:"component_id"`
}

type RelayConfig struct {
	IdleWaitMS      int `json:"idle_wait_ms"`
	StatsIntervalMS int `json:"stats_interval_ms"`
}

// RecorderConfig controls the sqlite track recorder.
type RecorderConfig struct {
	Enabled        bool   `json:"enabled"`
	DBPath         string `json:"db_path"`
	RetentionHours int    `json:"retention_hours"`
	QueueSize      int    `json:"queue_size"`
	ClearOnStart   bool   `json:"clear_on_start"`
}

// AppConfig is the root application configuration.
type AppConfig struct {
	Link      LinkConfig      `json:"link"`
	Telemetry TelemetryConfig `json:"telemetry"`
	MAVLink   MAVLinkConfig   `json:"mavlink"`
	Relay     RelayConfig     `json:"relay"`
	Recorder  RecorderConfig  `json:"recorder"`
	Logging   LoggingConfig   `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Link: LinkConfig{
			Baud:           DefaultSerialBaud,
			QueueSize:      DefaultQueueSize,
			WriteTimeoutMS: DefaultWriteTimeoutMS,
		},
		Telemetry: TelemetryConfig{
			Host:       "0.0.0.0",
			IntervalMS: DefaultTelemetryIntervalMS,
			Format:     string(telemetry.FormatFull),
		},
		MAVLink: MAVLinkConfig{
			RequestStreams: true,
			StreamRateHz:   DefaultStreamRateHz,
			SystemID:       DefaultGCSSystemID,
			ComponentID:    DefaultGCSComponentID,
		},
		Relay: RelayConfig{
			IdleWaitMS:      DefaultIdleWaitMS,
			StatsIntervalMS: DefaultStatsIntervalMS,
		},
		Recorder: RecorderConfig{
			Enabled:   false,
			QueueSize: DefaultQueueSize,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     LogFormatText,
			LogToFile:  false,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
		},
	}
}

// Load reads a JSON config. A missing file yields Default().
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path comes from the -config flag.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Link.Baud <= 0 {
		c.Link.Baud = DefaultSerialBaud
	}
	if c.Link.QueueSize <= 0 {
		c.Link.QueueSize = DefaultQueueSize
	}
	if c.Link.WriteTimeoutMS <= 0 {
		c.Link.WriteTimeoutMS = DefaultWriteTimeoutMS
	}
	if c.Telemetry.IntervalMS <= 0 {
		c.Telemetry.IntervalMS = DefaultTelemetryIntervalMS
	}
	if c.Telemetry.Format == "" {
		c.Telemetry.Format = string(telemetry.FormatFull)
	}
	if c.MAVLink.StreamRateHz <= 0 {
		c.MAVLink.StreamRateHz = DefaultStreamRateHz
	}
	if c.MAVLink.SystemID <= 0 {
		c.MAVLink.SystemID = DefaultGCSSystemID
	}
	if c.MAVLink.ComponentID <= 0 {
		c.MAVLink.ComponentID = DefaultGCSComponentID
	}
	if c.Relay.IdleWaitMS <= 0 {
		c.Relay.IdleWaitMS = DefaultIdleWaitMS
	}
	if c.Relay.StatsIntervalMS < 0 {
		c.Relay.StatsIntervalMS = 0
	}
	if c.Recorder.QueueSize <= 0 {
		c.Recorder.QueueSize = DefaultQueueSize
	}
	if c.Recorder.RetentionHours < 0 {
		c.Recorder.RetentionHours = 0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = normalizeLogFormat(c.Logging.Format)
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups < 0 {
		c.Logging.MaxBackups = 0
	}
	if c.Logging.MaxAgeDays < 0 {
		c.Logging.MaxAgeDays = 0
	}
}

func normalizeLogFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case LogFormatJSON:
		return LogFormatJSON
	default:
		return LogFormatText
	}
}

func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.Link.Source) == "" {
		return errors.New("source link is required")
	}
	if _, err := transport.ParseDescriptor(c.Link.Source, c.Link.Baud); err != nil {
		return fmt.Errorf("source link: %w", err)
	}
	if strings.TrimSpace(c.Link.Destination) == "" {
		return errors.New("destination link is required")
	}
	if _, err := transport.ParseDescriptor(c.Link.Destination, c.Link.Baud); err != nil {
		return fmt.Errorf("destination link: %w", err)
	}
	if err := validatePort("telemetry port", c.Telemetry.Port, false); err != nil {
		return err
	}
	if err := validatePort("telemetry websocket port", c.Telemetry.WSPort, true); err != nil {
		return err
	}
	if c.Telemetry.WSPort != 0 && c.Telemetry.WSPort == c.Telemetry.Port {
		return errors.New("telemetry websocket port must differ from telemetry port")
	}
	if c.Telemetry.StaleAfterMS < 0 {
		return errors.New("telemetry stale_after_ms must not be negative")
	}
	if _, err := telemetry.ParseFormat(c.Telemetry.Format); err != nil {
		return err
	}
	if c.MAVLink.StreamRateHz > 0xFFFF {
		return fmt.Errorf("stream rate is out of range: %d", c.MAVLink.StreamRateHz)
	}
	for name, v := range map[string]int{
		"mavlink target_system":    c.MAVLink.TargetSystem,
		"mavlink target_component": c.MAVLink.TargetComponent,
		"mavlink system_id":        c.MAVLink.SystemID,
		"mavlink component_id":     c.MAVLink.ComponentID,
	} {
		if v < 0 || v > 255 {
			return fmt.Errorf("%s is out of range: %d", name, v)
		}
	}
	if c.Recorder.Enabled && strings.TrimSpace(c.Recorder.DBPath) == "" {
		return errors.New("recorder db path is required when recording is enabled")
	}
	if c.Logging.LogToFile && strings.TrimSpace(c.Logging.FilePath) == "" {
		return errors.New("log file path is required when log_to_file is enabled")
	}

	return nil
}

func validatePort(name string, port int, optional bool) error {
	if optional && port == 0 {
		return nil
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s is out of range: %d", name, port)
	}

	return nil
}

func (c TelemetryConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c TelemetryConfig) WSAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.WSPort)
}

func (c TelemetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c TelemetryConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMS) * time.Millisecond
}

func (c LinkConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

func (c RelayConfig) IdleWait() time.Duration {
	return time.Duration(c.IdleWaitMS) * time.Millisecond
}

func (c RelayConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalMS) * time.Millisecond
}

func (c RecorderConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// DestinationForPort builds the listen descriptor used when only a port is given.
func DestinationForPort(port int) string {
	return fmt.Sprintf("tcpin:0.0.0.0:%d", port)
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
