package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

func buildConfigFromCLI(cmd *cli.Command) (*cluster.Config, error) {
	busType, err := cluster.ParseBusBackend(cmd.String(BusFlag))
	if err != nil {
		return nil, err
	}
	mode, err := cluster.ParseForwardingMode(cmd.String(ForwardingModeFlag))
	if err != nil {
		return nil, err
	}
	matchStrategy, err := cluster.ParseMatchStrategy(cmd.String(MatchStrategyFlag))
	if err != nil {
		return nil, err
	}
	balanceStrategy, err := cluster.ParseBalanceStrategy(cmd.String(BalanceStrategyFlag))
	if err != nil {
		return nil, err
	}

	cfg := cluster.DefaultConfig()
	cfg.Instance = cluster.InstanceConfig{
		ID:     instanceID(cmd.String(InstanceIDFlag)),
		Host:   cmd.String(HostFlag),
		Port:   cmd.Int(PortFlag),
		Region: cmd.String(RegionFlag),
	}
	cfg.KeyPrefix = cmd.String(KeyPrefixFlag)
	cfg.Redis = &cluster.RedisConfig{
		Address:  cmd.String(RedisAddrFlag),
		Port:     cmd.Int(RedisPortFlag),
		Username: cmd.String(RedisUsernameFlag),
		Password: cmd.String(RedisPasswordFlag),
		DB:       cmd.Int(RedisDBFlag),
	}
	cfg.Bus = cluster.BusConfig{Type: busType}
	cfg.GRPC = cluster.GRPCConfig{
		ListenAddress:    cmd.String(GRPCListenAddrFlag),
		ListenPort:       cmd.Int(GRPCListenPortFlag),
		AdvertiseAddress: cmd.String(GRPCAdvertiseAddrFlag),
		TLS: cluster.TLSConfig{
			Enabled:  cmd.Bool(TLSEnabledFlag),
			CertPath: expandHome(cmd.String(TLSCertPathFlag)),
			KeyPath:  expandHome(cmd.String(TLSKeyPathFlag)),
		},
	}
	cfg.Membership.HeartbeatInterval = cmd.Duration(HeartbeatIntervalFlag)
	cfg.Membership.HealthCheckInterval = cmd.Duration(HealthCheckIntervalFlag)
	cfg.Membership.InstanceTTL = 6 * cfg.Membership.HeartbeatInterval
	cfg.Connections.DisconnectGrace = cmd.Duration(DisconnectGraceFlag)
	cfg.Matchmaking.Strategy = matchStrategy
	cfg.Matchmaking.PeriodicInterval = cmd.Duration(MatchIntervalFlag)
	cfg.Forwarding = cluster.ForwardingConfig{Mode: mode, Timeout: cmd.Duration(ForwardTimeoutFlag)}
	cfg.Balance = cluster.BalanceConfig{Strategy: balanceStrategy}

	switch cfg.Bus.Type {
	case cluster.NATSBusBackend:
		cfg.Bus.NATSURL = cmd.String(NATSURLFlag)
	case cluster.RedisBusBackend:
	case cluster.MemoryBusBackend:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledBackend, cfg.Bus.Type)
	}

	return cfg, nil
}

// instanceID falls back to the hostname plus a random suffix, so two
// processes on one host never share an id.
func instanceID(id string) string {
	if id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "battle"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
