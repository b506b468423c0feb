// Package bustest holds behaviour every bus backend must share.
package bustest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
)

const waitFor = 2 * time.Second

// Run exercises a bus produced by newBus.
func Run(t *testing.T, newBus func(t *testing.T) bus.Bus) {
	t.Run("delivers in order", func(t *testing.T) {
		b := newBus(t)
		ctx := context.Background()

		got := make(chan string, 8)
		sub, err := b.Subscribe(ctx, "battle:instance:a:actions", func(_ context.Context, msg bus.Message) {
			got <- string(msg.Payload)
		})
		require.NoError(t, err)
		defer sub.Close()

		for _, p := range []string{"one", "two", "three"} {
			require.NoError(t, b.Publish(ctx, "battle:instance:a:actions", []byte(p)))
		}
		for _, want := range []string{"one", "two", "three"} {
			select {
			case p := <-got:
				require.Equal(t, want, p)
			case <-time.After(waitFor):
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	})

	t.Run("isolates channels", func(t *testing.T) {
		b := newBus(t)
		ctx := context.Background()

		got := make(chan bus.Message, 4)
		sub, err := b.Subscribe(ctx, "battle:instance:b:actions", func(_ context.Context, msg bus.Message) {
			got <- msg
		})
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, b.Publish(ctx, "battle:instance:c:actions", []byte("not for b")))
		require.NoError(t, b.Publish(ctx, "battle:instance:b:actions", []byte("for b")))

		select {
		case msg := <-got:
			require.Equal(t, "battle:instance:b:actions", msg.Channel)
			require.Equal(t, "for b", string(msg.Payload))
		case <-time.After(waitFor):
			t.Fatal("timed out")
		}
	})

	t.Run("closed subscription stops delivery", func(t *testing.T) {
		b := newBus(t)
		ctx := context.Background()

		got := make(chan struct{}, 4)
		sub, err := b.Subscribe(ctx, "battle:cluster-events", func(context.Context, bus.Message) {
			got <- struct{}{}
		})
		require.NoError(t, err)
		require.NoError(t, sub.Close())

		require.NoError(t, b.Publish(ctx, "battle:cluster-events", []byte("late")))
		select {
		case <-got:
			t.Fatal("delivered after close")
		case <-time.After(100 * time.Millisecond):
		}
	})
}
