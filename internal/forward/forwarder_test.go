package forward_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
	"github.com/arcadia-eternity/battle-cluster/internal/bus/backend/memory"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/forward"
	transport "github.com/arcadia-eternity/battle-cluster/internal/transport/grpc"
)

var keys = cluster.NewKeyspace("battle")

type members struct {
	mu sync.Mutex
	m  map[string]cluster.InstanceDescriptor
}

func (m *members) set(d cluster.InstanceDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[d.ID] = d
}

func (m *members) Get(_ context.Context, id string) (*cluster.InstanceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.m[id]
	if !ok {
		return nil, cluster.NewError(cluster.CodeNotFound, "instance %s is not live", id)
	}
	return &d, nil
}

// counter is a tiny battle: submitSelection increments a per-room counter
// and getState reads it back.
type counter struct {
	mu    sync.Mutex
	rooms map[string]int
	calls atomic.Int64
}

func (c *counter) router(t *testing.T) *action.Router {
	r := action.NewRouter(zaptest.NewLogger(t))
	r.Handle(action.SubmitSelection, func(_ context.Context, req action.Request) (any, error) {
		c.calls.Inc()
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.rooms[req.RoomID]; !ok {
			return nil, cluster.NewError(cluster.CodeNotFound, "battle %s not found", req.RoomID)
		}
		c.rooms[req.RoomID]++
		return map[string]any{"status": "ACTION_ACCEPTED"}, nil
	})
	r.Handle(action.GetState, func(_ context.Context, req action.Request) (any, error) {
		c.calls.Inc()
		c.mu.Lock()
		defer c.mu.Unlock()
		n, ok := c.rooms[req.RoomID]
		if !ok {
			return nil, cluster.NewError(cluster.CodeNotFound, "battle %s not found", req.RoomID)
		}
		return map[string]any{"turn": n, "viewer": req.PlayerID}, nil
	})
	return r
}

type testCluster struct {
	members *members
	bus     *memory.Bus
	owner   *counter
	a       func(mode cluster.ForwardingMode) *forward.Forwarder
	addr    string
}

// newCluster starts instance "battle-b" owning room r1, answering over both
// RPC and pub/sub, and returns a factory for forwarders on "battle-a".
func newCluster(t *testing.T) *testCluster {
	t.Helper()
	ctx := context.Background()

	c := &testCluster{
		members: &members{m: make(map[string]cluster.InstanceDescriptor)},
		bus:     memory.New(),
		owner:   &counter{rooms: map[string]int{"r1": 0}},
	}
	t.Cleanup(func() { _ = c.bus.Close() })

	router := c.owner.router(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv, err := transport.New(router, zaptest.NewLogger(t))
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	c.addr = lis.Addr().String()

	client := transport.NewClient(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = client.Close() })

	cfg := cluster.ForwardingConfig{Mode: cluster.ForwardRPCFirst, Timeout: 2 * time.Second}
	b := forward.New("battle-b", cfg, keys, router, forward.WithBus(c.bus), forward.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Close() })
	c.members.set(cluster.InstanceDescriptor{ID: "battle-b", RPCEndpoint: c.addr, Status: cluster.InstanceHealthy})

	c.a = func(mode cluster.ForwardingMode) *forward.Forwarder {
		local := action.NewRouter(nil)
		f := forward.New("battle-a", cluster.ForwardingConfig{Mode: mode, Timeout: 2 * time.Second}, keys, local,
			forward.WithRPC(c.members, client),
			forward.WithBus(c.bus),
			forward.WithLogger(zaptest.NewLogger(t)))
		require.NoError(t, f.Start(ctx))
		t.Cleanup(func() { _ = f.Close() })
		return f
	}
	return c
}

func request(name action.Name, room string) action.Request {
	return action.Request{Action: name, RoomID: room, PlayerID: "alice", Payload: json.RawMessage(`{"type":"attack"}`)}
}

func TestPathsProduceEquivalentResults(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	rpc := c.a(cluster.ForwardRPCOnly)
	pubsub := c.a(cluster.ForwardPubSubOnly)

	for _, tc := range []struct {
		name action.Name
		room string
	}{
		{action.SubmitSelection, "r1"},
		{action.GetState, "r1"},
		{action.GetState, "missing"},
	} {
		viaRPC := rpc.Forward(ctx, "battle-b", request(tc.name, tc.room))
		viaPubSub := pubsub.Forward(ctx, "battle-b", request(tc.name, tc.room))
		require.NotEmpty(t, viaRPC.RequestID)
		require.NotEmpty(t, viaPubSub.RequestID)
		viaRPC.RequestID, viaPubSub.RequestID = "", ""

		if tc.name == action.GetState && tc.room == "r1" {
			// The two submissions above moved the counter between reads.
			var first, second map[string]any
			require.NoError(t, viaRPC.Decode(&first))
			require.NoError(t, viaPubSub.Decode(&second))
			require.Equal(t, first["viewer"], second["viewer"])
			continue
		}
		require.Equal(t, viaRPC, viaPubSub, "%s %s", tc.name, tc.room)
	}
}

func TestOwnerMutationVisibleFromEitherPath(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	f := c.a(cluster.ForwardRPCFirst)

	res := f.Forward(ctx, "battle-b", request(action.SubmitSelection, "r1"))
	require.True(t, res.Success, res.Details)

	for _, mode := range []cluster.ForwardingMode{cluster.ForwardRPCOnly, cluster.ForwardPubSubOnly} {
		res := c.a(mode).Forward(ctx, "battle-b", request(action.GetState, "r1"))
		var state struct{ Turn int }
		require.NoError(t, res.Decode(&state))
		require.Equal(t, 1, state.Turn, mode)
	}
}

func TestFallsBackWhenNoEndpoint(t *testing.T) {
	c := newCluster(t)
	c.members.set(cluster.InstanceDescriptor{ID: "battle-b", Status: cluster.InstanceHealthy})

	res := c.a(cluster.ForwardRPCFirst).Forward(context.Background(), "battle-b", request(action.GetState, "r1"))
	require.True(t, res.Success, res.Details)

	res = c.a(cluster.ForwardRPCOnly).Forward(context.Background(), "battle-b", request(action.GetState, "r1"))
	require.False(t, res.Success)
	require.Equal(t, cluster.CodeUnavailable, res.Code)
	require.True(t, res.Retryable)
}

func TestFallsBackWhenEndpointUnreachable(t *testing.T) {
	c := newCluster(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := lis.Addr().String()
	require.NoError(t, lis.Close())
	c.members.set(cluster.InstanceDescriptor{ID: "battle-b", RPCEndpoint: dead, Status: cluster.InstanceHealthy})

	res := c.a(cluster.ForwardRPCFirst).Forward(context.Background(), "battle-b", request(action.SubmitSelection, "r1"))
	require.True(t, res.Success, res.Details)
	require.EqualValues(t, 1, c.owner.calls.Load())
}

type timingOut struct{ calls atomic.Int64 }

func (c *timingOut) Call(ctx context.Context, _ string, req action.Request) (action.Result, error) {
	c.calls.Inc()
	return action.Result{}, cluster.WrapError(cluster.CodeTimeout, context.DeadlineExceeded, "%s timed out", req.Action)
}

func TestTimedOutRPCIsNotResent(t *testing.T) {
	c := newCluster(t)
	caller := &timingOut{}
	f := forward.New("battle-a", cluster.ForwardingConfig{Mode: cluster.ForwardRPCFirst, Timeout: time.Second}, keys, action.NewRouter(nil),
		forward.WithRPC(c.members, caller),
		forward.WithBus(c.bus))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { _ = f.Close() })

	res := f.Forward(context.Background(), "battle-b", request(action.SubmitSelection, "r1"))
	require.False(t, res.Success)
	require.Equal(t, cluster.CodeTimeout, res.Code)
	require.True(t, res.Retryable)
	require.EqualValues(t, 1, caller.calls.Load())

	// Give a stray pub/sub delivery time to show up.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, c.owner.calls.Load())
}

func TestPubSubTimesOutWithoutResponder(t *testing.T) {
	b := memory.New()
	t.Cleanup(func() { _ = b.Close() })
	f := forward.New("battle-a", cluster.ForwardingConfig{Mode: cluster.ForwardPubSubOnly, Timeout: 50 * time.Millisecond}, keys, action.NewRouter(nil),
		forward.WithBus(b))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { _ = f.Close() })

	res := f.Forward(context.Background(), "battle-z", request(action.GetState, "r1"))
	require.False(t, res.Success)
	require.Equal(t, cluster.CodeTimeout, res.Code)
	require.True(t, res.Retryable)
}

func TestUnknownTargetIsUnavailableWithoutFallback(t *testing.T) {
	c := newCluster(t)
	res := c.a(cluster.ForwardRPCFirst).Forward(context.Background(), "battle-gone", request(action.GetState, "r1"))
	require.False(t, res.Success)
	require.Equal(t, cluster.CodeUnavailable, res.Code)
}

func TestSelfTargetRunsInProcess(t *testing.T) {
	local := &counter{rooms: map[string]int{"r1": 0}}
	f := forward.New("battle-a", cluster.ForwardingConfig{Mode: cluster.ForwardRPCOnly, Timeout: time.Second}, keys, local.router(t))

	res := f.Forward(context.Background(), "battle-a", request(action.SubmitSelection, "r1"))
	require.True(t, res.Success, res.Details)
	require.EqualValues(t, 1, local.calls.Load())
}

func TestInvalidRequestIsNeverSent(t *testing.T) {
	c := newCluster(t)
	res := c.a(cluster.ForwardRPCOnly).Forward(context.Background(), "battle-b", action.Request{Action: action.GetState, RoomID: "r1"})
	require.False(t, res.Success)
	require.Equal(t, cluster.CodeValidation, res.Code)
	require.Zero(t, c.owner.calls.Load())
}
