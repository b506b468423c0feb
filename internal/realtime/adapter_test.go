package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcadia-eternity/battle-cluster/internal/bus/backend/memory"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	closed bool
}

func (r *recorder) Send(event string, _ json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func newPair(t *testing.T) (*Adapter, *Adapter) {
	t.Helper()

	b := memory.New()
	t.Cleanup(func() { _ = b.Close() })
	keys := cluster.NewKeyspace("battle")

	a := NewAdapter("battle-a", NewHub(), b, keys, nil)
	c := NewAdapter("battle-b", NewHub(), b, keys, nil)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		_ = a.Close()
		_ = c.Close()
	})
	return a, c
}

func TestHandleInstance(t *testing.T) {
	h := NewHandle("battle-a")
	owner, ok := HandleInstance(h)
	require.True(t, ok)
	require.Equal(t, "battle-a", owner)

	_, ok = HandleInstance("no-owner")
	require.False(t, ok)
}

func TestEmitAcrossInstances(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	client := &recorder{}
	handle := b.Attach(client)

	require.NoError(t, a.Emit(ctx, handle, "battleEvent", map[string]int{"turn": 1}))
	require.Eventually(t, func() bool { return len(client.got()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"battleEvent"}, client.got())
}

func TestBroadcastReachesMembersOnEveryInstance(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	local := &recorder{}
	remote := &recorder{}
	outsider := &recorder{}
	lh := a.Attach(local)
	rh := b.Attach(remote)
	b.Attach(outsider)

	require.NoError(t, a.Join(ctx, lh, "room-1"))
	// Joining a handle held by the other instance travels over the bus.
	require.NoError(t, a.Join(ctx, rh, "room-1"))
	require.Eventually(t, func() bool { return len(b.Hub().Members("room-1")) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Broadcast(ctx, "room-1", "battleEnd", nil))
	require.Eventually(t, func() bool {
		return len(local.got()) == 1 && len(remote.got()) == 1
	}, time.Second, 5*time.Millisecond)

	// The sender does not deliver its own broadcast twice.
	time.Sleep(20 * time.Millisecond)
	require.Len(t, local.got(), 1)
	require.Empty(t, outsider.got())

	require.NoError(t, a.Leave(ctx, rh, "room-1"))
	require.Eventually(t, func() bool { return len(b.Hub().Members("room-1")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectClosesRemoteConnection(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	client := &recorder{}
	handle := b.Attach(client)
	require.NoError(t, b.Join(ctx, handle, "room-9"))

	require.NoError(t, a.Disconnect(ctx, handle))
	require.Eventually(t, client.isClosed, time.Second, 5*time.Millisecond)
	require.Zero(t, b.Hub().Len())
	require.Empty(t, b.Hub().Members("room-9"))
}

func TestLocalEmitToUnknownHandle(t *testing.T) {
	a, _ := newPair(t)

	err := a.Emit(context.Background(), "battle-a/unknown", "x", nil)
	require.ErrorIs(t, err, cluster.ErrNotFound)

	err = a.Emit(context.Background(), "garbage", "x", nil)
	require.ErrorIs(t, err, cluster.ErrValidation)
}
