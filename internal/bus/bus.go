// Package bus abstracts the publish/subscribe transport used for cluster
// events, realtime fan-out and the pub/sub forwarding path. Delivery is at
// most once: a message published while nobody is subscribed is lost.
package bus

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// Message is one delivered publication.
type Message struct {
	Channel string
	Payload []byte
}

// Handler processes messages of one subscription in publication order.
type Handler func(ctx context.Context, msg Message)

// Subscription stops delivery when closed.
type Subscription interface {
	Close() error
}

// Bus is implemented by every pub/sub backend.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active, so a message
	// published after it returns is delivered.
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Close() error
}

// Events publishes and consumes cluster events on the shared events channel.
type Events struct {
	bus    Bus
	keys   cluster.Keyspace
	source string
	logger *zap.Logger
}

func NewEvents(b Bus, keys cluster.Keyspace, source string, logger *zap.Logger) *Events {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Events{bus: b, keys: keys, source: source, logger: logger.Named("events")}
}

// Publish emits an event. Events are advisory, so a failed publish is logged
// and not returned.
func (e *Events) Publish(ctx context.Context, typ cluster.EventType, data any) {
	ev, err := cluster.NewEvent(typ, e.source, data)
	if err != nil {
		e.logger.Warn("drop event", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("drop event", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, e.keys.EventsChannel(), raw); err != nil {
		e.logger.Warn("publish event failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// Subscribe delivers every decodable event to fn. Undecodable payloads are
// logged and skipped.
func (e *Events) Subscribe(ctx context.Context, fn func(context.Context, cluster.Event)) (Subscription, error) {
	return e.bus.Subscribe(ctx, e.keys.EventsChannel(), func(ctx context.Context, msg Message) {
		var ev cluster.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			e.logger.Warn("undecodable event", zap.Error(err))
			return
		}
		fn(ctx, ev)
	})
}
