package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v2/pkg/dialect"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v2/pkg/frame"
	"github.com/bluenviron/gomavlib/v2/pkg/message"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/skylink/internal/config"
	"github.com/skobkin/skylink/internal/events"
)

func encodeFrame(t *testing.T, version frame.WriterOutVersion, systemID, componentID uint8, msg message.Message) []byte {
	t.Helper()

	rw, err := dialect.NewReadWriter(common.Dialect)
	require.NoError(t, err)
	var buf bytes.Buffer
	w, err := frame.NewWriter(frame.WriterConf{
		Writer:         &buf,
		DialectRW:      rw,
		OutVersion:     version,
		OutSystemID:    systemID,
		OutComponentID: componentID,
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteMessage(msg))

	return buf.Bytes()
}

func vehiclePositionFrame(t *testing.T) []byte {
	t.Helper()

	return encodeFrame(t, frame.V2, 1, 1, &common.MessageGlobalPositionInt{
		TimeBootMs:  123456,
		Lat:         476000000,
		Lon:         -1223000000,
		Alt:         50200,
		RelativeAlt: 10500,
		Hdg:         18000,
	})
}

func groundStationHeartbeat(t *testing.T) []byte {
	t.Helper()

	return encodeFrame(t, frame.V1, 255, 190, &common.MessageHeartbeat{
		Type:      common.MAV_TYPE_GCS,
		Autopilot: common.MAV_AUTOPILOT_INVALID,
	})
}

// acceptOne listens on loopback and hands over the first accepted connection.
func acceptOne(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() { _ = conn.Close() })
		ch <- conn
	}()

	return ln.Addr().String(), ch
}

func awaitConn(t *testing.T, ch <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn := <-ch:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("link was not connected")
		return nil
	}
}

func readV2Frame(t *testing.T, r io.Reader) []byte {
	t.Helper()

	header := make([]byte, 10)
	_, err := io.ReadFull(r, header)
	require.NoError(t, err)
	require.Equal(t, byte(0xFD), header[0])
	rest := make([]byte, int(header[1])+2)
	_, err = io.ReadFull(r, rest)
	require.NoError(t, err)

	return append(header, rest...)
}

func testConfig(t *testing.T, vehicleAddr, gcsAddr string) config.AppConfig {
	t.Helper()

	cfg := config.Default()
	cfg.Link.Source = "tcp:" + vehicleAddr
	cfg.Link.Destination = "tcp:" + gcsAddr
	cfg.Telemetry.Host = "127.0.0.1"
	cfg.Telemetry.Port = 0
	cfg.Telemetry.IntervalMS = 20
	cfg.Relay.StatsIntervalMS = 0
	cfg.Recorder.Enabled = true
	cfg.Recorder.DBPath = filepath.Join(t.TempDir(), "track.db")
	cfg.Logging.Level = "warn"

	return cfg
}

func TestRuntimeRelaysAndPublishesTelemetry(t *testing.T) {
	vehicleAddr, vehicleCh := acceptOne(t)
	gcsAddr, gcsCh := acceptOne(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := Initialize(ctx, testConfig(t, vehicleAddr, gcsAddr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	vehicle := awaitConn(t, vehicleCh)
	gcs := awaitConn(t, gcsCh)
	require.NoError(t, vehicle.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, gcs.SetDeadline(time.Now().Add(5*time.Second)))

	// The stream request is sent before relaying starts.
	request := readV2Frame(t, vehicle)
	decoded, err := rt.Codec.Decode(request)
	require.NoError(t, err)
	require.EqualValues(t, 66, decoded.MessageID)

	position := vehiclePositionFrame(t)
	_, err = vehicle.Write(position)
	require.NoError(t, err)
	require.Equal(t, position, readV2Frame(t, gcs), "vehicle frame must reach the ground station verbatim")

	command := groundStationHeartbeat(t)
	_, err = gcs.Write(command)
	require.NoError(t, err)
	got := make([]byte, len(command))
	_, err = io.ReadFull(vehicle, got)
	require.NoError(t, err)
	require.Equal(t, command, got, "ground station frame must reach the vehicle verbatim")

	client, err := net.Dial("tcp", rt.TelemetryAddr().String())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(client).ReadBytes('\n')
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(line, &payload))
	require.Equal(t, 47.6, payload["latitude"])
	require.Equal(t, -122.3, payload["longitude"])
	require.Equal(t, 180.0, payload["heading_degrees"])
	require.Equal(t, 123456.0, payload["timestamp_telem"])

	require.Eventually(t, func() bool {
		tp, ok, err := rt.TrackRepo.Latest(context.Background())
		return err == nil && ok && tp.Position.Latitude == 47.6
	}, 2*time.Second, 10*time.Millisecond, "position must be recorded")

	status, ok := rt.LinkStatus(SourceLinkName)
	require.True(t, ok)
	require.Equal(t, events.LinkStateConnected, status.State)

	// A dead vehicle link is fatal.
	require.NoError(t, vehicle.Close())
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("runtime did not stop after the vehicle link closed")
	}

	require.Eventually(t, func() bool {
		status, ok := rt.LinkStatus(SourceLinkName)
		return ok && status.State == events.LinkStateFailed
	}, time.Second, 10*time.Millisecond)
}

func TestRuntimeStopsOnCancel(t *testing.T) {
	vehicleAddr, _ := acceptOne(t)
	gcsAddr, _ := acceptOne(t)

	cfg := testConfig(t, vehicleAddr, gcsAddr)
	cfg.Recorder.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	rt, err := Initialize(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		status, ok := rt.LinkStatus(DestinationLinkName)
		return ok && status.State == events.LinkStateConnected
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("runtime did not stop after cancel")
	}
}

func TestLinkStatusFromDescriptor(t *testing.T) {
	status := LinkStatusFromDescriptor(SourceLinkName, "/dev/ttyACM0,115200", 57600)
	require.Equal(t, events.LinkStateConnecting, status.State)
	require.Equal(t, "serial", status.TransportName)
	require.Equal(t, "serial:/dev/ttyACM0:115200", status.Target)

	status = LinkStatusFromDescriptor(DestinationLinkName, "udp:0.0.0.0:14550", 57600)
	require.Equal(t, events.LinkStateFailed, status.State)
	require.NotEmpty(t, status.Err)
}

func readTelemetryLine(t *testing.T, addr string) map[string]any {
	t.Helper()

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(client).ReadBytes('\n')
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(line, &payload))

	return payload
}

func TestRuntimeStreamsBeforeGroundStationConnects(t *testing.T) {
	vehicleAddr, vehicleCh := acceptOne(t)
	cfg := testConfig(t, vehicleAddr, "")
	cfg.Link.Destination = "tcpin:127.0.0.1:0"
	cfg.Recorder.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := Initialize(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	vehicle := awaitConn(t, vehicleCh)
	require.NoError(t, vehicle.SetDeadline(time.Now().Add(5*time.Second)))

	// No ground station yet: the stream request still goes out.
	request := readV2Frame(t, vehicle)
	decoded, err := rt.Codec.Decode(request)
	require.NoError(t, err)
	require.EqualValues(t, 66, decoded.MessageID)

	var gcsTarget string
	require.Eventually(t, func() bool {
		status, ok := rt.LinkStatus(DestinationLinkName)
		if !ok || status.State != events.LinkStateListening {
			return false
		}
		gcsTarget = status.Target
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err = vehicle.Write(vehiclePositionFrame(t))
	require.NoError(t, err)
	payload := readTelemetryLine(t, rt.TelemetryAddr().String())
	require.Equal(t, 47.6, payload["latitude"])
	require.Equal(t, -122.3, payload["longitude"])

	gcs, err := net.Dial("tcp", gcsTarget)
	require.NoError(t, err)
	defer func() { _ = gcs.Close() }()
	require.NoError(t, gcs.SetDeadline(time.Now().Add(5*time.Second)))
	require.Eventually(t, func() bool {
		status, ok := rt.LinkStatus(DestinationLinkName)
		return ok && status.State == events.LinkStateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// Frames from before the peer arrived are not replayed; new ones flow both ways.
	fresh := encodeFrame(t, frame.V2, 1, 1, &common.MessageGlobalPositionInt{
		TimeBootMs: 200000,
		Lat:        476100000,
		Lon:        -1223100000,
	})
	_, err = vehicle.Write(fresh)
	require.NoError(t, err)
	require.Equal(t, fresh, readV2Frame(t, gcs))

	command := groundStationHeartbeat(t)
	_, err = gcs.Write(command)
	require.NoError(t, err)
	got := make([]byte, len(command))
	_, err = io.ReadFull(vehicle, got)
	require.NoError(t, err)
	require.Equal(t, command, got)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("runtime did not stop after cancel")
	}
}
