package nats

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/bus/bustest"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

func startNatsServer(t *testing.T) *natsserver.Server {
	t.Helper()
	serv, err := natsserver.NewServer(&natsserver.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	ready := make(chan bool)
	go func() {
		ready <- true
		serv.Start()
	}()
	<-ready

	if !serv.ReadyForConnections(2 * time.Second) {
		t.Fatalf("nats-io server failed to start")
	}
	return serv
}

func TestBus(t *testing.T) {
	srv := startNatsServer(t)
	t.Cleanup(srv.Shutdown)

	bustest.Run(t, func(t *testing.T) bus.Bus {
		b, err := Connect(context.Background(), srv.ClientURL(), "battle-test", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), "", "battle-test", nil)
	require.ErrorIs(t, err, cluster.ErrNATSURLEmpty)
}
