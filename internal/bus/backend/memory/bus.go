// Package memory provides an in-process bus for single-instance runs and
// tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
)

const queueSize = 256

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscription]struct{})}
}

// Publish enqueues the payload for every current subscriber of channel. A
// subscriber whose queue is full misses the message.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("bus closed")
	}

	msg := bus.Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for s := range b.subs[channel] {
		select {
		case s.queue <- msg:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		owner:   b,
		channel: channel,
		queue:   make(chan bus.Message, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscription]struct{})
	}
	b.subs[channel][s] = struct{}{}

	go s.run(runCtx, h)
	return s, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
	return nil
}

type subscription struct {
	owner   *Bus
	channel string
	queue   chan bus.Message
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *subscription) run(ctx context.Context, h bus.Handler) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.queue:
			h(ctx, msg)
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs[s.channel], s)
		if len(s.owner.subs[s.channel]) == 0 {
			delete(s.owner.subs, s.channel)
		}
		s.owner.mu.Unlock()

		s.cancel()
		close(s.stop)
		<-s.done
	})
	return nil
}
