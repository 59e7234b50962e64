package mavlink

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v2/pkg/dialect"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v2/pkg/frame"
	"github.com/bluenviron/gomavlib/v2/pkg/message"

	"github.com/skobkin/skylink/internal/domain"
)

const (
	degE7      = 1e7
	mmPerM     = 1000
	cdegPerDeg = 100
)

// ErrUnknownMessage is returned for frames whose message is not in the dialect.
var ErrUnknownMessage = errors.New("message not in dialect")

// GomavlibCodec implements Codec with the common MAVLink dialect.
type GomavlibCodec struct {
	rw  *dialect.ReadWriter
	now func() time.Time

	writeMu sync.Mutex
	out     bytes.Buffer
	writer  *frame.Writer
}

// NewGomavlibCodec builds a codec that signs outgoing frames with the given
// system and component ids.
func NewGomavlibCodec(systemID, componentID uint8) (*GomavlibCodec, error) {
	if systemID == 0 {
		return nil, errors.New("mavlink system id must be positive")
	}

	rw, err := dialect.NewReadWriter(common.Dialect)
	if err != nil {
		return nil, fmt.Errorf("init mavlink dialect: %w", err)
	}

	c := &GomavlibCodec{rw: rw, now: time.Now}
	c.writer, err = frame.NewWriter(frame.WriterConf{
		Writer:         &c.out,
		DialectRW:      rw,
		OutVersion:     frame.V2,
		OutSystemID:    systemID,
		OutComponentID: componentID,
	})
	if err != nil {
		return nil, fmt.Errorf("init mavlink writer: %w", err)
	}

	return c, nil
}

func (c *GomavlibCodec) Decode(raw []byte) (DecodedFrame, error) {
	if len(raw) == 0 {
		return DecodedFrame{}, errors.New("empty frame")
	}

	reader, err := frame.NewReader(frame.ReaderConf{
		Reader:    bytes.NewReader(raw),
		DialectRW: c.rw,
	})
	if err != nil {
		return DecodedFrame{}, fmt.Errorf("init mavlink reader: %w", err)
	}

	fr, err := reader.Read()
	if err != nil {
		return DecodedFrame{}, fmt.Errorf("decode mavlink frame: %w", err)
	}

	msg := fr.GetMessage()
	decoded := DecodedFrame{
		MessageID:   msg.GetID(),
		MessageName: messageName(msg),
		SystemID:    fr.GetSystemID(),
		ComponentID: fr.GetComponentID(),
	}

	switch m := msg.(type) {
	case *message.MessageRaw:
		return decoded, fmt.Errorf("%w: id %d", ErrUnknownMessage, m.ID)
	case *common.MessageGlobalPositionInt:
		pos := positionFromGlobalPositionInt(m, c.now())
		decoded.Position = &pos
	}

	return decoded, nil
}

func (c *GomavlibCodec) EncodeRequestDataStream(req StreamRequest) ([]byte, error) {
	var startStop uint8
	if req.Start {
		startStop = 1
	}

	return c.encode(&common.MessageRequestDataStream{
		TargetSystem:    req.TargetSystem,
		TargetComponent: req.TargetComponent,
		ReqStreamId:     uint8(common.MAV_DATA_STREAM_ALL),
		ReqMessageRate:  req.RateHz,
		StartStop:       startStop,
	})
}

func (c *GomavlibCodec) encode(msg message.Message) ([]byte, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.out.Reset()
	if err := c.writer.WriteMessage(msg); err != nil {
		return nil, fmt.Errorf("encode %s: %w", messageName(msg), err)
	}

	return append([]byte(nil), c.out.Bytes()...), nil
}

func positionFromGlobalPositionInt(m *common.MessageGlobalPositionInt, receivedAt time.Time) domain.Position {
	return domain.Position{
		Latitude:         float64(m.Lat) / degE7,
		Longitude:        float64(m.Lon) / degE7,
		RelativeAltitude: float64(m.RelativeAlt) / mmPerM,
		Altitude:         float64(m.Alt) / mmPerM,
		Heading:          float64(m.Hdg) / cdegPerDeg,
		DeviceTimeMS:     m.TimeBootMs,
		ReceivedAt:       receivedAt,
	}
}

func messageName(msg message.Message) string {
	name := fmt.Sprintf("%T", msg)
	if idx := strings.LastIndex(name, ".Message"); idx >= 0 {
		return name[idx+len(".Message"):]
	}

	return name
}
