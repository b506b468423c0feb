package grpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

func newRouter(t *testing.T) *action.Router {
	r := action.NewRouter(zaptest.NewLogger(t))
	r.Handle(action.GetState, func(ctx context.Context, req action.Request) (any, error) {
		if req.RoomID == "gone" {
			return nil, cluster.NewError(cluster.CodeNotFound, "battle %s not found", req.RoomID)
		}
		return map[string]string{"room": req.RoomID, "player": req.PlayerID}, nil
	})
	return r
}

func serve(t *testing.T, d Dispatcher) (*Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := New(d, zaptest.NewLogger(t))
	require.NoError(t, err)
	srv.SetServing(true)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return srv, lis.Addr().String()
}

func TestExecuteOverLoopback(t *testing.T) {
	_, addr := serve(t, newRouter(t))
	client := NewClient(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Call(ctx, addr, action.Request{
		ID:       "req-1",
		Action:   action.GetState,
		RoomID:   "r1",
		PlayerID: "alice",
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "req-1", res.RequestID)

	var state map[string]string
	require.NoError(t, res.Decode(&state))
	require.Equal(t, map[string]string{"room": "r1", "player": "alice"}, state)
}

func TestTypedFailureCrossesTheWire(t *testing.T) {
	_, addr := serve(t, newRouter(t))
	client := NewClient(nil)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Call(ctx, addr, action.Request{Action: action.GetState, RoomID: "gone", PlayerID: "alice"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err(), cluster.ErrNotFound)

	res, err = client.Call(ctx, addr, action.Request{Action: "teleport", RoomID: "r1", PlayerID: "alice"})
	require.NoError(t, err)
	require.Equal(t, cluster.CodeUnsupported, res.Code)
}

func TestUnreachableEndpointIsUnavailable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	client := NewClient(nil)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.Call(ctx, addr, action.Request{Action: action.GetState, RoomID: "r1", PlayerID: "alice"})
	require.ErrorIs(t, err, cluster.ErrUnavailable)
	require.True(t, cluster.IsRetryable(err))
}

func TestHealthReflectsServing(t *testing.T) {
	srv, addr := serve(t, newRouter(t))

	conn, err := gogrpc.NewClient(addr, gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	health := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	srv.SetServing(false)
	resp, err = health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestDecodeRequestRejectsBadPayload(t *testing.T) {
	in, err := encodeRequest(action.Request{Action: action.GetState, RoomID: "r1", PlayerID: "alice"})
	require.NoError(t, err)
	in.Fields["payload"] = structpb.NewStringValue("{not json")

	_, err = decodeRequest(in)
	require.ErrorIs(t, err, cluster.ErrValidation)
}
