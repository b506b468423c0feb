package matchmaking

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/lock"
)

// Members lists the instances that currently count as healthy.
type Members interface {
	Healthy(ctx context.Context) ([]cluster.InstanceDescriptor, error)
}

// Elect returns the leader for a membership snapshot: the lexicographically
// smallest instance id.
func Elect(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return sorted[0]
}

// Leader derives leadership from the membership list on every check. Two
// instances can both believe they lead while membership is changing; the
// matchmaking lock keeps such an overlap from pairing anyone twice.
type Leader struct {
	self    string
	members Members
	locks   *lock.Manager
	ttl     lock.Options
	logger  *zap.Logger
}

func NewLeader(self string, members Members, locks *lock.Manager, cfg cluster.MatchmakingConfig, logger *zap.Logger) *Leader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Leader{
		self:    self,
		members: members,
		locks:   locks,
		ttl:     lock.Options{TTL: cfg.LeaderLockTTL, RetryCount: 3},
		logger:  logger.Named("leader"),
	}
}

// IsLeader reports whether this instance currently leads. Any failure to
// decide is treated as not leading. An empty healthy list makes this
// instance assume leadership, since its own descriptor may simply not have
// been written yet.
func (l *Leader) IsLeader(ctx context.Context) bool {
	var leader bool
	err := l.locks.WithLock(ctx, cluster.LockLeaderElection, l.ttl, func(ctx context.Context) error {
		healthy, err := l.members.Healthy(ctx)
		if err != nil {
			return err
		}
		if len(healthy) == 0 {
			l.logger.Warn("no healthy instances, assuming leadership", zap.String("instance", l.self))
			leader = true
			return nil
		}
		ids := make([]string, 0, len(healthy))
		for _, d := range healthy {
			ids = append(ids, d.ID)
		}
		leader = Elect(ids) == l.self
		return nil
	})
	if err != nil {
		level := l.logger.Warn
		if errors.Is(err, cluster.ErrLockExhausted) {
			level = l.logger.Debug
		}
		level("leadership check failed, assuming not leader", zap.Error(err))
		return false
	}
	return leader
}
