package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/skobkin/skylink/internal/domain"
)

// Format selects the JSON shape pushed to telemetry clients.
type Format string

const (
	FormatFull     Format = "full"
	FormatPosition Format = "position"
)

// ParseFormat accepts a format name case-insensitively. Empty means FormatFull.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatFull:
		return FormatFull, nil
	case FormatPosition:
		return FormatPosition, nil
	default:
		return "", fmt.Errorf("unknown telemetry format %q", raw)
	}
}

// FullPayload is the record pushed in FormatFull.
type FullPayload struct {
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	AltitudeAGLMeters float64 `json:"altitude_agl_meters"`
	AltitudeMSLMeters float64 `json:"altitude_msl_meters"`
	HeadingDegrees    float64 `json:"heading_degrees"`
	TimestampTelem    uint32  `json:"timestamp_telem"`
	TimestampMsg      int64   `json:"timestamp_msg"`
}

type PositionPayload struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Encode renders pos as one newline-terminated JSON record. now is the wall
// clock used for timestamp_msg. Keys keep their declared order and are spaced
// as `{"key": value, "key": value}`, the layout existing clients parse.
func (f Format) Encode(pos domain.Position, now time.Time) ([]byte, error) {
	var fields []field
	switch f {
	case FormatFull, "":
		fields = FullPayload{
			Latitude:          pos.Latitude,
			Longitude:         pos.Longitude,
			AltitudeAGLMeters: pos.RelativeAltitude,
			AltitudeMSLMeters: pos.Altitude,
			HeadingDegrees:    pos.Heading,
			TimestampTelem:    pos.DeviceTimeMS,
			TimestampMsg:      now.UnixMilli(),
		}.fields()
	case FormatPosition:
		fields = PositionPayload{Lat: pos.Latitude, Lon: pos.Longitude}.fields()
	default:
		return nil, fmt.Errorf("unknown telemetry format %q", string(f))
	}

	return encodeRecord(fields)
}

type field struct {
	key   string
	value any
}

func (p FullPayload) fields() []field {
	return []field{
		{"latitude", p.Latitude},
		{"longitude", p.Longitude},
		{"altitude_agl_meters", p.AltitudeAGLMeters},
		{"altitude_msl_meters", p.AltitudeMSLMeters},
		{"heading_degrees", p.HeadingDegrees},
		{"timestamp_telem", p.TimestampTelem},
		{"timestamp_msg", p.TimestampMsg},
	}
}

func (p PositionPayload) fields() []field {
	return []field{
		{"lat", p.Lat},
		{"lon", p.Lon},
	}
}

func encodeRecord(fields []field) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fl := range fields {
		if i > 0 {
			buf.WriteString(", ")
		}
		key, err := json.Marshal(fl.key)
		if err != nil {
			return nil, fmt.Errorf("marshal telemetry key %q: %w", fl.key, err)
		}
		value, err := json.Marshal(fl.value)
		if err != nil {
			return nil, fmt.Errorf("marshal telemetry field %q: %w", fl.key, err)
		}
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(value)
	}
	buf.WriteString("}\n")

	return buf.Bytes(), nil
}
