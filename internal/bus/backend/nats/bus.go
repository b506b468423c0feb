// Package nats provides a NATS backed bus for deployments that run their
// pub/sub traffic on NATS instead of the shared Redis store.
package nats

import (
	"context"
	"errors"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

const (
	maxRetries     = 5
	connectTimeout = 2 * time.Second
	reconnectWait  = time.Second
)

type Bus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

var _ bus.Bus = (*Bus)(nil)

// Connect dials url with exponential backoff.
func Connect(ctx context.Context, url, name string, logger *zap.Logger) (*Bus, error) {
	if url == "" {
		return nil, cluster.ErrNATSURLEmpty
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bus.nats")

	var conn *nats.Conn
	retrier := retry.NewRetrier(maxRetries, 100*time.Millisecond, reconnectWait)
	err := retrier.RunContext(ctx, func(context.Context) error {
		var err error
		conn, err = nats.Connect(url,
			nats.Name(name),
			nats.Timeout(connectTimeout),
			nats.ReconnectWait(reconnectWait),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", zap.Error(err))
				}
			}),
		)
		return err
	})
	if err != nil {
		return nil, cluster.WrapError(cluster.CodeUnavailable, err, "connect to nats %s", url)
	}

	return &Bus{conn: conn, logger: logger}, nil
}

func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.conn.Publish(channel, payload); err != nil {
		return cluster.WrapError(cluster.CodeUnavailable, err, "publish %s", channel)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, h bus.Handler) (bus.Subscription, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	// A synchronous-style callback keeps per-subscription ordering: nats
	// delivers each subscription's messages on one goroutine.
	sub, err := b.conn.Subscribe(channel, func(m *nats.Msg) {
		h(runCtx, bus.Message{Channel: m.Subject, Payload: m.Data})
	})
	if err != nil {
		cancel()
		return nil, cluster.WrapError(cluster.CodeUnavailable, err, "subscribe %s", channel)
	}
	// Flush round-trips to the server so the interest is registered before
	// we return.
	if err := b.conn.FlushWithContext(ctx); err != nil {
		cancel()
		_ = sub.Unsubscribe()
		return nil, cluster.WrapError(cluster.CodeUnavailable, err, "subscribe %s", channel)
	}
	return &subscription{sub: sub, cancel: cancel}, nil
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() error {
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.conn.Close()
		return err
	}
	return nil
}

type subscription struct {
	sub    *nats.Subscription
	cancel context.CancelFunc
}

func (s *subscription) Close() error {
	s.cancel()
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
