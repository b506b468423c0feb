package main

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/bus"
	"github.com/arcadia-eternity/battle-cluster/internal/bus/backend/memory"
	"github.com/arcadia-eternity/battle-cluster/internal/bus/backend/nats"
	"github.com/arcadia-eternity/battle-cluster/internal/bus/backend/redis"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

func buildBusFromConfig(ctx context.Context, cfg *cluster.Config, rdb *goredis.Client, logger *zap.Logger) (bus.Bus, error) {
	switch cfg.Bus.Type {
	case cluster.RedisBusBackend:
		return redis.New(rdb, logger), nil
	case cluster.NATSBusBackend:
		return nats.Connect(ctx, cfg.Bus.NATSURL, cfg.Instance.ID, logger)
	case cluster.MemoryBusBackend:
		return memory.New(), nil
	default:
		return nil, ErrUnhandledBackend
	}
}
