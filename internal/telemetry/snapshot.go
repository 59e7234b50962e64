package telemetry

import (
	"sync"
	"time"
)

// Snapshot holds the latest encoded telemetry payload. It starts empty and is
// overwritten by every update; it is never cleared.
//
// Stored slices are never modified after Store, so callers may use the value
// returned by Load after the lock is released.
type Snapshot struct {
	mu        sync.Mutex
	payload   []byte
	updatedAt time.Time
}

func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Store installs payload as the latest value. The slice is copied.
func (s *Snapshot) Store(payload []byte, at time.Time) {
	cp := append([]byte(nil), payload...)

	s.mu.Lock()
	s.payload = cp
	s.updatedAt = at
	s.mu.Unlock()
}

// Load returns the latest payload. ok is false while the snapshot is still empty.
func (s *Snapshot) Load() (payload []byte, at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payload == nil {
		return nil, time.Time{}, false
	}

	return s.payload, s.updatedAt, true
}

func (s *Snapshot) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updatedAt
}
