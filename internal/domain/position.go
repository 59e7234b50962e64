package domain

import "time"

// Position is a decoded vehicle position report.
type Position struct {
	Latitude         float64
	Longitude        float64
	RelativeAltitude float64
	Altitude         float64
	Heading          float64
	DeviceTimeMS     uint32
	ReceivedAt       time.Time
}

// TrackPoint is a persisted position with its storage id.
type TrackPoint struct {
	ID       int64
	Position Position
}
