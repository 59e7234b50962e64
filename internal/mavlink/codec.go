package mavlink

import "github.com/skobkin/skylink/internal/domain"

// DecodedFrame is a parsed raw frame. Position is set only for position reports.
type DecodedFrame struct {
	MessageID   uint32
	MessageName string
	SystemID    uint8
	ComponentID uint8
	Position    *domain.Position
}

// Codec translates between raw link frames and typed messages.
type Codec interface {
	Decode(raw []byte) (DecodedFrame, error)
	EncodeRequestDataStream(req StreamRequest) ([]byte, error)
}

// StreamRequest asks a vehicle to start (or stop) streaming telemetry.
type StreamRequest struct {
	TargetSystem    uint8
	TargetComponent uint8
	RateHz          uint16
	Start           bool
}
