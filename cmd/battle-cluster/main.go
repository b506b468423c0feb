package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/battle/duel"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/logging"
	"github.com/arcadia-eternity/battle-cluster/internal/node"
	"github.com/arcadia-eternity/battle-cluster/internal/store"
)

func newClusterCommand() *cli.Command {
	return &cli.Command{
		Name:   "battle-cluster",
		Usage:  "run one instance of the battle service cluster",
		Action: RunNode,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    InstanceIDFlag,
				Usage:   "unique id of this instance; generated from the hostname when empty",
				Sources: cli.EnvVars("BATTLE_INSTANCE_ID"),
			},
			&cli.StringFlag{
				Name:    HostFlag,
				Usage:   "client-facing host advertised to peers",
				Value:   "127.0.0.1",
				Sources: cli.EnvVars("BATTLE_HOST"),
			},
			&cli.IntFlag{
				Name:    PortFlag,
				Usage:   "client-facing port advertised to peers",
				Value:   8102,
				Sources: cli.EnvVars("BATTLE_PORT"),
			},
			&cli.StringFlag{
				Name:    RegionFlag,
				Usage:   "region used by region-aware placement",
				Sources: cli.EnvVars("BATTLE_REGION"),
			},
			&cli.StringFlag{
				Name:  KeyPrefixFlag,
				Usage: "prefix of every key and channel in the shared store",
				Value: "battle",
			},
			&cli.StringFlag{
				Name:    BusFlag,
				Usage:   "pub/sub backend: redis, nats or memory",
				Value:   "redis",
				Sources: cli.EnvVars("BATTLE_BUS"),
			},
			&cli.StringFlag{
				Name:    NATSURLFlag,
				Usage:   "nats server url when the nats bus is selected",
				Value:   "nats://127.0.0.1:4222",
				Sources: cli.EnvVars("NATS_URL"),
			},
			&cli.StringFlag{
				Name:  GRPCListenAddrFlag,
				Usage: "the address the grpc server should listen on",
				Value: "0.0.0.0",
			},
			&cli.IntFlag{
				Name:    GRPCListenPortFlag,
				Usage:   "the port the forwarding grpc server will listen on",
				Value:   50051,
				Sources: cli.EnvVars("BATTLE_GRPC_PORT"),
			},
			&cli.StringFlag{
				Name:    GRPCAdvertiseAddrFlag,
				Usage:   "host peers dial for forwarded actions; defaults to --host",
				Sources: cli.EnvVars("BATTLE_GRPC_ADVERTISE_ADDRESS"),
			},
			&cli.BoolFlag{
				Name:  TLSEnabledFlag,
				Usage: "serve and dial the forwarding grpc service over tls",
			},
			&cli.StringFlag{
				Name:  TLSKeyPathFlag,
				Usage: "path to tls key file",
				Value: fmt.Sprintf("~/%s", cluster.DebugTLSKeyPath),
			},
			&cli.StringFlag{
				Name:  TLSCertPathFlag,
				Usage: "path to tls crt file",
				Value: fmt.Sprintf("~/%s", cluster.DebugTLSCertPath),
			},
			&cli.DurationFlag{
				Name:  HeartbeatIntervalFlag,
				Usage: "how often this instance refreshes its descriptor",
				Value: 5 * time.Second,
			},
			&cli.DurationFlag{
				Name:  HealthCheckIntervalFlag,
				Usage: "how often stale instances are reaped",
				Value: 10 * time.Second,
			},
			&cli.StringFlag{
				Name:  ForwardingModeFlag,
				Usage: "forwarding paths: rpc-first, rpc-only or pubsub-only",
				Value: "rpc-first",
			},
			&cli.DurationFlag{
				Name:  ForwardTimeoutFlag,
				Usage: "deadline of one forwarded action",
				Value: 5 * time.Second,
			},
			&cli.StringFlag{
				Name:  MatchStrategyFlag,
				Usage: "pairing strategy: fifo or elo",
				Value: "fifo",
			},
			&cli.DurationFlag{
				Name:  MatchIntervalFlag,
				Usage: "interval of the periodic matching pass",
				Value: 15 * time.Second,
			},
			&cli.StringFlag{
				Name:  BalanceStrategyFlag,
				Usage: "battle placement: local, round-robin, least-connections, smart or rendezvous",
				Value: "local",
			},
			&cli.DurationFlag{
				Name:  DisconnectGraceFlag,
				Usage: "how long a disconnected player keeps their battle",
				Value: 60 * time.Second,
			},
			&cli.StringFlag{
				Name:    RedisAddrFlag,
				Usage:   "redis instance address",
				Value:   "localhost",
				Sources: cli.EnvVars("REDIS_HOST"),
			},
			&cli.IntFlag{
				Name:    RedisPortFlag,
				Usage:   "redis instance port",
				Value:   6379,
				Sources: cli.EnvVars("REDIS_PORT"),
			},
			&cli.StringFlag{
				Name:    RedisUsernameFlag,
				Usage:   "redis username",
				Sources: cli.EnvVars("REDIS_USERNAME"),
			},
			&cli.StringFlag{
				Name:    RedisPasswordFlag,
				Usage:   "redis password",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    RedisDBFlag,
				Usage:   "specified redis db to use",
				Value:   0,
				Sources: cli.EnvVars("REDIS_DB"),
			},
			&cli.StringFlag{
				Name:    LogLevelFlag,
				Usage:   "log level: debug, info, warn or error",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:  LogFormatFlag,
				Usage: "log format: json or console",
				Value: "json",
			},
			&cli.BoolFlag{
				Name:  SampleHostFlag,
				Usage: "sample host cpu and memory into performance snapshots",
				Value: true,
			},
			&cli.DurationFlag{
				Name:  ShutDownTimeoutFlag,
				Usage: "how long a graceful shutdown may take",
				Value: 15 * time.Second,
			},
		},
	}
}

func RunNode(ctx context.Context, cmd *cli.Command) (err error) {
	cfg, err := buildConfigFromCLI(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cmd.String(LogLevelFlag), logging.Format(cmd.String(LogFormatFlag)), cfg.Instance.ID)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := store.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, rdb.Close()) }()

	b, err := buildBusFromConfig(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, b.Close()) }()

	n, err := node.New(cfg, rdb, b, duel.New,
		node.WithLogger(logger),
		node.WithHostSampling(cmd.Bool(SampleHostFlag)))
	if err != nil {
		return err
	}

	logger.Info("starting battle cluster instance",
		zap.String("bus", string(cfg.Bus.Type)),
		zap.Int("grpcPort", cfg.GRPC.ListenPort))
	return n.Run(ctx, cmd.Duration(ShutDownTimeoutFlag))
}

func main() {
	if err := newClusterCommand().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
