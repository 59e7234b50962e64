package bus

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/cskr/pubsub"
)

const DefaultCapacity = 128

// Subscription receives messages published to its topics.
type Subscription chan any

type MessageBus interface {
	Publish(topic string, msg any)
	TryPublish(topic string, msg any)
	Subscribe(topic string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

// PubSubBus is a MessageBus over cskr/pubsub. Every call after Close is a
// no-op, and Subscribe then returns a closed channel.
type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a bus whose subscriptions buffer up to capacity messages.
func New(logger *slog.Logger, capacity int) *PubSubBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PubSubBus{
		ps:     pubsub.New(capacity),
		logger: logger.With("component", "bus"),
	}
}

// Publish blocks until every subscriber has room for msg.
func (b *PubSubBus) Publish(topic string, msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

// TryPublish skips subscribers whose buffer is full. The relay loop uses it so
// a slow subscriber never stalls frame forwarding.
func (b *PubSubBus) TryPublish(topic string, msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.TryPub(msg, topic)
}

func (b *PubSubBus) Subscribe(topic string) Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		ch := make(Subscription)
		close(ch)
		return ch
	}
	b.logger.Debug("subscribe", "topic", topic)
	return b.ps.Sub(topic)
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")
		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

// Close shuts the bus down and closes every subscription channel.
func (b *PubSubBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

// Consume hands every message of type T arriving on sub to fn until ctx ends
// or the bus shuts down. Messages of other types are skipped.
func Consume[T any](ctx context.Context, b MessageBus, sub Subscription, topic string, fn func(T)) {
	for {
		select {
		case <-ctx.Done():
			b.Unsubscribe(sub, topic)
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			if msg, ok := raw.(T); ok {
				fn(msg)
			}
		}
	}
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
