package app

import (
	"context"
	"sync"
	"time"

	"github.com/skobkin/skylink/internal/bus"
	"github.com/skobkin/skylink/internal/events"
	"github.com/skobkin/skylink/internal/transport"
)

// LinkStatusFromDescriptor builds the initial status of a link from its descriptor.
func LinkStatusFromDescriptor(name, raw string, baud int) events.LinkStatus {
	status := events.LinkStatus{
		Link:  name,
		State: events.LinkStateConnecting,
	}
	desc, err := transport.ParseDescriptor(raw, baud)
	if err != nil {
		status.State = events.LinkStateFailed
		status.Err = err.Error()
		status.Target = raw

		return status
	}
	status.TransportName = desc.Kind
	status.Target = desc.String()

	return status
}

// linkStatusTracker remembers the latest status per link name.
type linkStatusTracker struct {
	mu       sync.RWMutex
	statuses map[string]events.LinkStatus
}

func newLinkStatusTracker() *linkStatusTracker {
	return &linkStatusTracker{statuses: make(map[string]events.LinkStatus)}
}

func (t *linkStatusTracker) run(ctx context.Context, b bus.MessageBus, sub bus.Subscription) {
	bus.Consume(ctx, b, sub, events.TopicLinkStatus, t.set)
}

func (t *linkStatusTracker) set(status events.LinkStatus) {
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	t.mu.Lock()
	t.statuses[status.Link] = status
	t.mu.Unlock()
}

func (t *linkStatusTracker) get(name string) (events.LinkStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.statuses[name]

	return status, ok
}
