// Package redis provides a Redis-backed membership store. Each instance is a
// hash with a TTL and the instance ids are indexed in a set.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/store"
)

type Backend struct {
	rdb  redis.Cmdable
	keys cluster.Keyspace
}

func New(rdb redis.Cmdable, keys cluster.Keyspace) (*Backend, error) {
	if rdb == nil {
		return nil, errors.New("redis client not initialized")
	}
	return &Backend{rdb: rdb, keys: keys}, nil
}

func (b *Backend) PutInstance(ctx context.Context, d cluster.InstanceDescriptor, ttl time.Duration) error {
	if d.ID == "" {
		return cluster.ErrInstanceIDEmpty
	}
	if d.LastHeartbeat.IsZero() {
		d.LastHeartbeat = time.Now().UTC()
	}

	perf, err := json.Marshal(d.Performance)
	if err != nil {
		return cluster.WrapError(cluster.CodeInternal, err, "encode performance of %s", d.ID)
	}

	key := b.keys.Instance(d.ID)
	cmds, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"ID":                d.ID,
			"Host":              d.Host,
			"Port":              d.Port,
			"RPCEndpoint":       d.RPCEndpoint,
			"Region":            d.Region,
			"Status":            string(d.Status),
			"LastHeartbeatUnix": d.LastHeartbeat.UnixNano(),
			"Connections":       d.Connections,
			"Load":              d.Load,
			"Performance":       perf,
		})
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, b.keys.Instances(), d.ID)
		return nil
	})
	return store.ExecErr(cmds, err, "put instance "+d.ID)
}

func (b *Backend) GetInstance(ctx context.Context, id string) (*cluster.InstanceDescriptor, error) {
	data, err := b.rdb.HGetAll(ctx, b.keys.Instance(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify(err, "get instance %s", id)
	}
	if len(data) == 0 {
		return nil, nil
	}

	d, err := parseInstance(data)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListInstances returns every indexed descriptor. An id whose hash has
// expired is returned as a tombstone carrying only the id, so the registry
// sees it as stale and reaps it; RemoveInstance clears the index entry.
func (b *Backend) ListInstances(ctx context.Context) ([]cluster.InstanceDescriptor, error) {
	ids, err := b.rdb.SMembers(ctx, b.keys.Instances()).Result()
	if err != nil {
		return nil, store.Classify(err, "list instances")
	}
	if len(ids) == 0 {
		return []cluster.InstanceDescriptor{}, nil
	}

	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, b.keys.Instance(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Classify(err, "list instances")
	}

	instances := make([]cluster.InstanceDescriptor, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, store.Classify(err, "list instances")
		}
		if len(data) == 0 {
			instances = append(instances, cluster.InstanceDescriptor{ID: ids[i], Status: cluster.InstanceUnhealthy})
			continue
		}

		d, err := parseInstance(data)
		if err != nil {
			return nil, err
		}
		instances = append(instances, d)
	}

	return instances, nil
}

func (b *Backend) RemoveInstance(ctx context.Context, id string) error {
	cmds, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.keys.Instance(id))
		pipe.SRem(ctx, b.keys.Instances(), id)
		return nil
	})
	return store.ExecErr(cmds, err, "remove instance "+id)
}

// Close is a no-op; the client is shared and owned by the caller.
func (b *Backend) Close(context.Context) error {
	return nil
}

func parseInstance(data map[string]string) (cluster.InstanceDescriptor, error) {
	var d cluster.InstanceDescriptor
	d.ID = data["ID"]
	d.Host = data["Host"]
	d.RPCEndpoint = data["RPCEndpoint"]
	d.Region = data["Region"]
	d.Status = cluster.InstanceStatus(data["Status"])

	if port := data["Port"]; port != "" {
		parsed, err := strconv.Atoi(port)
		if err != nil {
			return d, fmt.Errorf("invalid instance port: %w", err)
		}
		d.Port = parsed
	}

	if lastSeen := data["LastHeartbeatUnix"]; lastSeen != "" {
		parsed, err := strconv.ParseInt(lastSeen, 10, 64)
		if err != nil {
			return d, fmt.Errorf("invalid instance heartbeat: %w", err)
		}
		d.LastHeartbeat = time.Unix(0, parsed).UTC()
	}

	if conns := data["Connections"]; conns != "" {
		parsed, err := strconv.Atoi(conns)
		if err != nil {
			return d, fmt.Errorf("invalid instance connections: %w", err)
		}
		d.Connections = parsed
	}

	if load := data["Load"]; load != "" {
		parsed, err := strconv.ParseFloat(load, 64)
		if err != nil {
			return d, fmt.Errorf("invalid instance load: %w", err)
		}
		d.Load = parsed
	}

	if perf := data["Performance"]; perf != "" {
		if err := json.Unmarshal([]byte(perf), &d.Performance); err != nil {
			return d, fmt.Errorf("invalid instance performance: %w", err)
		}
	}

	return d, nil
}
