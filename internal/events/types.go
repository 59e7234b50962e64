package events

import (
	"time"

	"github.com/skobkin/skylink/internal/domain"
)

// LinkState describes the lifecycle of one relay link.
type LinkState string

const (
	LinkStateConnecting LinkState = "connecting"
	LinkStateListening  LinkState = "listening"
	LinkStateConnected  LinkState = "connected"
	LinkStateFailed     LinkState = "failed"
	LinkStateClosed     LinkState = "closed"
)

// LinkStatus is published whenever a link changes state.
type LinkStatus struct {
	Link          string
	State         LinkState
	Err           string
	TransportName string
	Target        string
	Timestamp     time.Time
}

// PositionReport is a position decoded from a vehicle frame.
type PositionReport struct {
	SystemID    uint8
	ComponentID uint8
	Position    domain.Position
}

// RelayStats is a periodic counter snapshot of the relay loop.
type RelayStats struct {
	SourceFrames      uint64
	DestinationFrames uint64
	PositionUpdates   uint64
	DecodeMisses      uint64
	Timestamp         time.Time
}
