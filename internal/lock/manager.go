// Package lock implements lease locks on the shared store.
//
// A lock is a key holding a random token with a TTL. Only the holder of the
// token may release or extend it, and both operations compare the token and
// act in one atomic script, so a lease that expired and was re-acquired by
// someone else is never touched by its former holder.
package lock

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/metric"
	"github.com/arcadia-eternity/battle-cluster/internal/store"
)

const releaseTimeout = 2 * time.Second

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a held lease.
type Lock struct {
	Name  string
	Key   string
	Token string
	TTL   time.Duration
}

// Options tunes one acquisition. Zero fields fall back to the manager's
// defaults.
type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

type Manager struct {
	rdb      redis.Cmdable
	keys     cluster.Keyspace
	defaults Options
	logger   *zap.Logger
	metrics  *metric.ClusterMetric
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l.Named("lock") }
}

func WithMetrics(cm *metric.ClusterMetric) Option {
	return func(m *Manager) { m.metrics = cm }
}

func New(rdb redis.Cmdable, keys cluster.Keyspace, cfg cluster.LockConfig, opts ...Option) *Manager {
	m := &Manager{
		rdb:  rdb,
		keys: keys,
		defaults: Options{
			TTL:        cfg.TTL,
			RetryCount: cfg.RetryCount,
			RetryDelay: cfg.RetryDelay,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) resolve(o Options) Options {
	if o.TTL <= 0 {
		o.TTL = m.defaults.TTL
	}
	if o.RetryCount <= 0 {
		o.RetryCount = m.defaults.RetryCount
	}
	if o.RetryDelay < 0 || (o.RetryDelay == 0 && o.RetryCount > 1) {
		o.RetryDelay = m.defaults.RetryDelay
	}
	return o
}

// Acquire tries to set the lock key if absent, up to RetryCount times with
// RetryDelay between attempts. It fails with LOCK_EXHAUSTED when every
// attempt found the key held.
func (m *Manager) Acquire(ctx context.Context, name string, opts Options) (*Lock, error) {
	o := m.resolve(opts)
	lock := &Lock{
		Name:  name,
		Key:   m.keys.Lock(name),
		Token: uuid.NewString(),
		TTL:   o.TTL,
	}

	for attempt := 0; attempt < o.RetryCount; attempt++ {
		ok, err := m.rdb.SetNX(ctx, lock.Key, lock.Token, o.TTL).Result()
		if err != nil {
			return nil, store.Classify(err, "acquire lock %s", name)
		}
		if ok {
			return lock, nil
		}
		if attempt == o.RetryCount-1 {
			break
		}

		timer := time.NewTimer(o.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, cluster.WrapError(cluster.CodeTimeout, ctx.Err(), "acquire lock %s", name)
		case <-timer.C:
		}
	}

	m.metrics.RecordLockExhausted(ctx)
	return nil, cluster.NewError(cluster.CodeLockExhausted, "lock %s still held after %d attempts", name, o.RetryCount)
}

// Release deletes the lock if it still carries our token. It reports false
// when the lease had already expired or been taken over.
func (m *Manager) Release(ctx context.Context, lock *Lock) (bool, error) {
	if lock == nil {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, m.rdb, []string{lock.Key}, lock.Token).Int64()
	if err != nil {
		return false, store.Classify(err, "release lock %s", lock.Name)
	}
	return n == 1, nil
}

// Extend resets the lock's expiry to additional if it still carries our token.
func (m *Manager) Extend(ctx context.Context, lock *Lock, additional time.Duration) (bool, error) {
	if lock == nil {
		return false, nil
	}
	n, err := extendScript.Run(ctx, m.rdb, []string{lock.Key}, lock.Token, additional.Milliseconds()).Int64()
	if err != nil {
		return false, store.Classify(err, "extend lock %s", lock.Name)
	}
	if n == 1 {
		lock.TTL = additional
	}
	return n == 1, nil
}

// WithLock runs fn while holding the named lock. The lock is released on
// every exit path of fn, including a panic. A failed release is logged and
// does not change fn's result.
func (m *Manager) WithLock(ctx context.Context, name string, opts Options, fn func(ctx context.Context) error) error {
	return m.WithLocks(ctx, []string{name}, opts, fn)
}

// WithLocks acquires several locks in sorted order, runs fn, then releases
// them in reverse order. Acquisition stops at the first failure and releases
// whatever was already held.
func (m *Manager) WithLocks(ctx context.Context, names []string, opts Options, fn func(ctx context.Context) error) error {
	ordered := sortedUnique(names)
	held := make([]*Lock, 0, len(ordered))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.releaseQuietly(ctx, held[i])
		}
	}()

	for _, name := range ordered {
		lock, err := m.Acquire(ctx, name, opts)
		if err != nil {
			return err
		}
		held = append(held, lock)
	}

	return fn(ctx)
}

func (m *Manager) releaseQuietly(ctx context.Context, lock *Lock) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	ok, err := m.Release(rctx, lock)
	switch {
	case err != nil:
		m.logger.Warn("lock release failed", zap.String("lock", lock.Name), zap.Error(err))
	case !ok:
		m.logger.Warn("lock expired before release", zap.String("lock", lock.Name), zap.Duration("ttl", lock.TTL))
	}
}

func sortedUnique(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
