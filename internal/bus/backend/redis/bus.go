// Package redis provides a Redis pub/sub backed bus.
package redis

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/store"
)

type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

// New wraps an existing client. The client stays owned by the caller.
func New(rdb *redis.Client, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		rdb:    rdb,
		logger: logger.Named("bus.redis"),
		subs:   make(map[*subscription]struct{}),
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return store.Classify(err, "publish %s", channel)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus closed")
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(ctx, channel)
	// The first reply confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, store.Classify(err, "subscribe %s", channel)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{ps: ps, cancel: cancel, done: make(chan struct{}), owner: b}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	b.logger.Debug("subscribed", zap.String("channel", channel))

	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			h(runCtx, bus.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)})
		}
	}()

	return sub, nil
}

// Close ends every subscription. The client is left open.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var err error
	for _, s := range subs {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// subscription must not be closed from inside its own handler.
type subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	owner  *Bus
	once   sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		<-s.done

		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
	return err
}
