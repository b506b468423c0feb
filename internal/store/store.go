// Package store connects to the shared Redis store every instance of the
// battle cluster coordinates through.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

const (
	connectRetries  = 5
	pingTimeout     = 3 * time.Second
	maxConnectDelay = 2 * time.Second
)

// Connect returns a client for cfg once the store answers a PING. The ping
// is retried with exponential backoff so instances can start before the
// store is reachable.
func Connect(ctx context.Context, cfg *cluster.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg == nil {
		return nil, cluster.ErrRedisConfigNil
	}

	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	retrier := retry.NewRetrier(connectRetries, 100*time.Millisecond, maxConnectDelay)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			if logger != nil {
				logger.Warn("shared store not reachable yet", zap.String("addr", addr), zap.Error(err))
			}
			return err
		}
		return nil
	})
	if err != nil {
		_ = rdb.Close()
		return nil, cluster.WrapError(cluster.CodeUnavailable, err, "connect to shared store %s", addr)
	}

	return rdb, nil
}

// Classify converts a store error into a typed cluster error. redis.Nil is
// reported as NOT_FOUND and context errors keep their timeout meaning.
func Classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, redis.Nil):
		return cluster.WrapError(cluster.CodeNotFound, err, format, args...)
	case errors.Is(err, context.DeadlineExceeded):
		return cluster.WrapError(cluster.CodeTimeout, err, format, args...)
	default:
		var typed *cluster.Error
		if errors.As(err, &typed) {
			return err
		}
		return cluster.WrapError(cluster.CodeUnavailable, err, format, args...)
	}
}

// ExecErr inspects every command of an executed pipeline. It returns a
// PARTIAL_WRITE error naming the first failed command when some, but not all,
// commands failed, and UNAVAILABLE when none succeeded.
func ExecErr(cmds []redis.Cmder, execErr error, op string) error {
	if len(cmds) == 0 {
		if execErr != nil {
			return Classify(execErr, "%s", op)
		}
		return nil
	}

	var (
		failed   int
		firstErr error
		firstCmd string
	)
	for _, cmd := range cmds {
		if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
			failed++
			if firstErr == nil {
				firstErr = err
				firstCmd = cmd.Name()
			}
		}
	}

	switch {
	case failed == 0 && execErr != nil && !errors.Is(execErr, redis.Nil):
		return Classify(execErr, "%s", op)
	case failed == 0:
		return nil
	case failed == len(cmds):
		return Classify(firstErr, "%s", op)
	default:
		return cluster.WrapError(cluster.CodePartialWrite, firstErr,
			"%s: %d of %d commands failed, first %s", op, failed, len(cmds), firstCmd)
	}
}
