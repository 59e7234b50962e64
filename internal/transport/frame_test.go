package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/bluenviron/gomavlib/v2/pkg/dialect"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v2/pkg/frame"
)

const testMessageID = 0x21 // GLOBAL_POSITION_INT

// sealFrame fills in the checksum field of a frame built by hand.
func sealFrame(raw []byte) []byte {
	extra, ok := crcExtra(messageID(raw))
	if !ok {
		panic(fmt.Sprintf("no crc extra for message %d", messageID(raw)))
	}
	headerLen := headerLenV1
	if raw[0] == magicV2 {
		headerLen = headerLenV2
	}
	at := headerLen + int(raw[1])
	sum := frameChecksum(raw, extra)
	raw[at] = byte(sum)
	raw[at+1] = byte(sum >> 8)

	return raw
}

func v1Frame(payload ...byte) []byte {
	raw := []byte{magicV1, byte(len(payload)), 0x07, 0x01, 0x01, testMessageID}
	raw = append(raw, payload...)
	raw = append(raw, 0x00, 0x00)

	return sealFrame(raw)
}

func v2Frame(signed bool, payload ...byte) []byte {
	var incompat byte
	if signed {
		incompat = incompatFlagSigned
	}
	raw := []byte{magicV2, byte(len(payload)), incompat, 0x00, 0x09, 0x01, 0x01, testMessageID, 0x00, 0x00}
	raw = append(raw, payload...)
	raw = append(raw, 0x00, 0x00)
	raw = sealFrame(raw)
	if signed {
		raw = append(raw, bytes.Repeat([]byte{0x5A}, signatureLen)...)
	}

	return raw
}

func readAll(t *testing.T, raw []byte, count int) [][]byte {
	t.Helper()

	var fr frameReader
	readFull := ioReadFullFunc(bytes.NewReader(raw))
	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		got, err := fr.next(readFull)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		frames = append(frames, got)
	}

	return frames
}

func TestFrameChecksumMatchesLibraryWriter(t *testing.T) {
	rw, err := dialect.NewReadWriter(common.Dialect)
	if err != nil {
		t.Fatalf("dialect: %v", err)
	}
	for _, version := range []frame.WriterOutVersion{frame.V1, frame.V2} {
		var buf bytes.Buffer
		w, err := frame.NewWriter(frame.WriterConf{
			Writer:         &buf,
			DialectRW:      rw,
			OutVersion:     version,
			OutSystemID:    1,
			OutComponentID: 1,
		})
		if err != nil {
			t.Fatalf("writer: %v", err)
		}
		if err := w.WriteMessage(&common.MessageHeartbeat{Type: common.MAV_TYPE_QUADROTOR}); err != nil {
			t.Fatalf("write heartbeat: %v", err)
		}

		raw := buf.Bytes()
		if !checksumValid(raw) {
			t.Fatalf("version %v: library frame %x failed the checksum", version, raw)
		}
		corrupted := append([]byte(nil), raw...)
		corrupted[len(corrupted)-3] ^= 0xFF
		if checksumValid(corrupted) {
			t.Fatalf("version %v: corrupted frame %x passed the checksum", version, corrupted)
		}
	}
}

func TestFrameReaderResyncsToMagic(t *testing.T) {
	want := v1Frame(0x01, 0x02, 0x03)
	raw := append([]byte{0x00, 0x11, 0x22}, want...)

	got := readAll(t, raw, 1)[0]
	if !bytes.Equal(got, want) {
		t.Fatalf("frame mismatch: got %x want %x", got, want)
	}
}

func TestFrameReaderReturnsFramesVerbatim(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "v1", frame: v1Frame(0x10, 0x20)},
		{name: "v2", frame: v2Frame(false, 0x10, 0x20, 0x30)},
		{name: "v2 signed", frame: v2Frame(true, 0x42)},
		{name: "v1 empty payload", frame: v1Frame()},
	}

	for _, tc := range tests {
		got := readAll(t, tc.frame, 1)[0]
		if !bytes.Equal(got, tc.frame) {
			t.Fatalf("%s: frame mismatch: got %x want %x", tc.name, got, tc.frame)
		}
	}
}

func TestFrameReaderConsecutiveFrames(t *testing.T) {
	first := v2Frame(false, 0x01)
	second := v1Frame(0x02, 0x03)
	raw := append(append([]byte(nil), first...), second...)

	got := readAll(t, raw, 2)
	if !bytes.Equal(got[0], first) {
		t.Fatalf("first frame mismatch: got %x", got[0])
	}
	if !bytes.Equal(got[1], second) {
		t.Fatalf("second frame mismatch: got %x", got[1])
	}
}

func TestFrameReaderStrayMagicKeepsFollowingFrames(t *testing.T) {
	tests := []struct {
		name  string
		noise byte
		frame []byte
		count int
	}{
		{name: "v1 after 0xFE", noise: magicV1, frame: v1Frame(0x01, 0x02, 0x03), count: 40},
		{name: "v1 after 0xFD", noise: magicV2, frame: v1Frame(0x01, 0x02, 0x03), count: 40},
		{name: "v2 after 0xFD", noise: magicV2, frame: v2Frame(false, 0x04, 0x05), count: 30},
		{name: "v2 after 0xFE", noise: magicV1, frame: v2Frame(false, 0x04, 0x05), count: 30},
	}

	for _, tc := range tests {
		raw := []byte{tc.noise}
		for i := 0; i < tc.count; i++ {
			raw = append(raw, tc.frame...)
		}

		got := readAll(t, raw, tc.count)
		for i, fr := range got {
			if !bytes.Equal(fr, tc.frame) {
				t.Fatalf("%s: frame %d mismatch: got %d bytes %x want %x", tc.name, i, len(fr), fr, tc.frame)
			}
		}
	}
}

func TestFrameReaderDropsCorruptedFrame(t *testing.T) {
	corrupted := v1Frame(0x01, 0x02)
	corrupted[7] ^= 0x40
	good := v2Frame(false, 0x03)
	raw := append(append([]byte(nil), corrupted...), good...)

	var fr frameReader
	got, err := fr.next(ioReadFullFunc(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, good) {
		t.Fatalf("expected the intact frame, got %x", got)
	}
	if fr.discarded != uint64(len(corrupted)) {
		t.Fatalf("expected %d discarded bytes, got %d", len(corrupted), fr.discarded)
	}
}

func TestFrameReaderDropsUnknownMessage(t *testing.T) {
	unknown := []byte{magicV1, 0x01, 0x00, 0x01, 0x01, 0xFF, 0x00, 0x12, 0x34}
	good := v1Frame(0x07)
	raw := append(append([]byte(nil), unknown...), good...)

	got := readAll(t, raw, 1)[0]
	if !bytes.Equal(got, good) {
		t.Fatalf("expected the known frame, got %x", got)
	}
}

func TestFrameReaderBodyEOF(t *testing.T) {
	full := v1Frame(0x01, 0x02, 0x03, 0x04)
	raw := bytes.NewBuffer(full[:len(full)-3])

	var fr frameReader
	_, err := fr.next(ioReadFullFunc(raw))
	if err == nil {
		t.Fatalf("expected body read error, got nil")
	}
	if errors.Is(err, io.EOF) {
		t.Fatalf("expected wrapped error, got raw io.EOF")
	}
}

func TestValidateFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		wantErr bool
	}{
		{name: "v1", frame: v1Frame(0x01)},
		{name: "v2 signed", frame: v2Frame(true, 0x01, 0x02)},
		{name: "empty", frame: nil, wantErr: true},
		{name: "unknown magic", frame: []byte{0x55, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, wantErr: true},
		{name: "short header", frame: []byte{magicV2, 0x01, 0x00}, wantErr: true},
		{name: "truncated", frame: v1Frame(0x01, 0x02)[:8], wantErr: true},
		{name: "trailing bytes", frame: append(v1Frame(0x01), 0x00), wantErr: true},
	}

	for _, tc := range tests {
		err := validateFrame(tc.frame)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("%s: expected ErrInvalidFrame, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}
