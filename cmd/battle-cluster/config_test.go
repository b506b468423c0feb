package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

func parse(t *testing.T, args ...string) (*cluster.Config, error) {
	t.Helper()
	var (
		cfg      *cluster.Config
		buildErr error
	)
	cmd := newClusterCommand()
	cmd.Action = func(_ context.Context, c *cli.Command) error {
		cfg, buildErr = buildConfigFromCLI(c)
		return nil
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"battle-cluster"}, args...)))
	return cfg, buildErr
}

func TestBuildConfigDefaults(t *testing.T) {
	cfg, err := parse(t, "--instance-id", "battle-a")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "battle-a", cfg.Instance.ID)
	require.Equal(t, cluster.RedisBusBackend, cfg.Bus.Type)
	require.Equal(t, cluster.ForwardRPCFirst, cfg.Forwarding.Mode)
	require.Equal(t, cluster.BalanceLocal, cfg.Balance.Strategy)
	require.Equal(t, cluster.FIFOStrategy, cfg.Matchmaking.Strategy)
	require.Equal(t, 30*time.Second, cfg.Membership.InstanceTTL)
	require.False(t, strings.HasPrefix(cfg.GRPC.TLS.CertPath, "~"))
}

func TestBuildConfigFromFlags(t *testing.T) {
	cfg, err := parse(t,
		"--instance-id", "battle-b",
		"--bus", "nats",
		"--nats-url", "nats://nats:4222",
		"--forwarding-mode", "pubsub-only",
		"--balance-strategy", "smart",
		"--match-strategy", "elo",
		"--disconnect-grace", "30s",
		"--heartbeat-interval", "2s",
	)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, cluster.NATSBusBackend, cfg.Bus.Type)
	require.Equal(t, "nats://nats:4222", cfg.Bus.NATSURL)
	require.Equal(t, cluster.ForwardPubSubOnly, cfg.Forwarding.Mode)
	require.Equal(t, cluster.BalanceSmart, cfg.Balance.Strategy)
	require.Equal(t, cluster.EloStrategy, cfg.Matchmaking.Strategy)
	require.Equal(t, 30*time.Second, cfg.Connections.DisconnectGrace)
	require.Equal(t, 12*time.Second, cfg.Membership.InstanceTTL)
}

func TestBuildConfigGeneratesInstanceID(t *testing.T) {
	first, err := parse(t)
	require.NoError(t, err)
	second, err := parse(t)
	require.NoError(t, err)
	require.NotEmpty(t, first.Instance.ID)
	require.NotEqual(t, first.Instance.ID, second.Instance.ID)
}

func TestBuildConfigRejectsUnknownNames(t *testing.T) {
	_, err := parse(t, "--bus", "kafka")
	require.ErrorIs(t, err, cluster.ErrUnsupportedBus)

	_, err = parse(t, "--balance-strategy", "dice")
	require.ErrorIs(t, err, cluster.ErrUnsupportedBalance)

	_, err = parse(t, "--forwarding-mode", "carrier-pigeon")
	require.ErrorIs(t, err, cluster.ErrUnsupportedForwarding)
}
