package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bluenviron/gomavlib/v2/pkg/dialect"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/all"
	"github.com/bluenviron/gomavlib/v2/pkg/x25"
)

const (
	magicV1 = 0xFE
	magicV2 = 0xFD

	headerLenV1  = 6
	headerLenV2  = 10
	checksumLen  = 2
	signatureLen = 13

	incompatFlagSigned = 0x01
)

// ErrInvalidFrame is returned when a frame handed to WriteFrame is not a complete MAVLink frame.
var ErrInvalidFrame = errors.New("invalid mavlink frame")

// checksumDialect supplies the CRC_EXTRA seeds for every published dialect.
var checksumDialect = sync.OnceValues(func() (*dialect.ReadWriter, error) {
	return dialect.NewReadWriter(all.Dialect)
})

// crcExtra reports the CRC_EXTRA seed of a message id, or false when the id is
// not in the dialect.
func crcExtra(msgID uint32) (byte, bool) {
	rw, err := checksumDialect()
	if err != nil {
		return 0, false
	}
	mrw := rw.GetMessage(msgID)
	if mrw == nil {
		return 0, false
	}

	return mrw.CRCExtra(), true
}

type readFullFunc func(buf []byte) error

// frameReader splits a byte stream into MAVLink frames. A candidate is only
// accepted when its message id is known and its checksum matches; otherwise
// one byte is dropped and the scan restarts, so a stray magic byte never
// swallows the real frames behind it.
//
// Not safe for concurrent use; each link reads from one goroutine.
type frameReader struct {
	pending   []byte
	discarded uint64
}

// next returns one complete MAVLink v1 or v2 frame, magic byte through checksum
// (and signature for signed v2 frames), exactly as it appeared on the wire.
func (r *frameReader) next(readFull readFullFunc) ([]byte, error) {
	for {
		if err := r.fill(readFull, 1); err != nil {
			return nil, fmt.Errorf("read frame magic: %w", err)
		}
		magic := r.pending[0]
		if magic != magicV1 && magic != magicV2 {
			r.skip()
			continue
		}

		headerLen := headerLenV1
		if magic == magicV2 {
			headerLen = headerLenV2
		}
		if err := r.fill(readFull, headerLen); err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}
		n := frameLen(r.pending[:headerLen])
		if err := r.fill(readFull, n); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}

		if !checksumValid(r.pending[:n]) {
			r.skip()
			continue
		}

		frame := make([]byte, n)
		copy(frame, r.pending[:n])
		r.pending = r.pending[n:]

		return frame, nil
	}
}

// fill reads until at least n bytes are pending.
func (r *frameReader) fill(readFull readFullFunc, n int) error {
	missing := n - len(r.pending)
	if missing <= 0 {
		return nil
	}
	if len(r.pending) == 0 {
		r.pending = nil
	}

	buf := make([]byte, missing)
	if err := readFull(buf); err != nil {
		return err
	}
	r.pending = append(r.pending, buf...)

	return nil
}

func (r *frameReader) skip() {
	r.pending = r.pending[1:]
	r.discarded++
}

func (r *frameReader) reset() {
	r.pending = nil
	r.discarded = 0
}

// frameLen computes the full frame length from a complete header.
func frameLen(header []byte) int {
	payloadLen := int(header[1])
	if header[0] == magicV1 {
		return headerLenV1 + payloadLen + checksumLen
	}

	n := headerLenV2 + payloadLen + checksumLen
	if header[2]&incompatFlagSigned != 0 {
		n += signatureLen
	}

	return n
}

func messageID(frame []byte) uint32 {
	if frame[0] == magicV1 {
		return uint32(frame[5])
	}

	return uint32(frame[7]) | uint32(frame[8])<<8 | uint32(frame[9])<<16
}

// frameChecksum computes the X.25 checksum over everything between the magic
// byte and the checksum field, seeded with extra.
func frameChecksum(frame []byte, extra byte) uint16 {
	headerLen := headerLenV1
	if frame[0] == magicV2 {
		headerLen = headerLenV2
	}
	end := headerLen + int(frame[1])

	h := x25.New()
	_, _ = h.Write(frame[1:end])
	_, _ = h.Write([]byte{extra})

	return h.Sum16()
}

// checksumValid expects frame to be exactly frameLen bytes long. A message id
// without a CRC_EXTRA seed cannot be verified and is rejected.
func checksumValid(frame []byte) bool {
	extra, ok := crcExtra(messageID(frame))
	if !ok {
		return false
	}

	at := len(frame) - checksumLen
	if frame[0] == magicV2 && frame[2]&incompatFlagSigned != 0 {
		at -= signatureLen
	}
	got := uint16(frame[at]) | uint16(frame[at+1])<<8

	return got == frameChecksum(frame, extra)
}

// validateFrame checks that frame holds exactly one MAVLink frame.
func validateFrame(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidFrame)
	}

	switch frame[0] {
	case magicV1:
		if len(frame) < headerLenV1 {
			return fmt.Errorf("%w: short v1 header (%d bytes)", ErrInvalidFrame, len(frame))
		}
	case magicV2:
		if len(frame) < headerLenV2 {
			return fmt.Errorf("%w: short v2 header (%d bytes)", ErrInvalidFrame, len(frame))
		}
	default:
		return fmt.Errorf("%w: unknown magic 0x%02X", ErrInvalidFrame, frame[0])
	}

	if want := frameLen(frame); want != len(frame) {
		return fmt.Errorf("%w: length %d, header declares %d", ErrInvalidFrame, len(frame), want)
	}

	return nil
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)

		return err
	}
}
