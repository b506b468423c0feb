package matchmaking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/lock"
	"github.com/arcadia-eternity/battle-cluster/internal/metric"
)

var errAbandoned = errors.New("pair no longer valid")

// Elector decides whether this instance runs the pairing pass.
type Elector interface {
	IsLeader(ctx context.Context) bool
}

// Connections resolves the authoritative connection of a session.
type Connections interface {
	Load(ctx context.Context, playerID, sessionID string) (*cluster.SessionConnection, error)
}

// Creator turns a confirmed pair into a room and a hosted battle and returns
// the room id.
type Creator interface {
	CreateMatch(ctx context.Context, ruleSetID string, a, b cluster.MatchmakingEntry) (string, error)
}

type Matcher struct {
	queue    *Queue
	elector  Elector
	locks    *lock.Manager
	conns    Connections
	creator  Creator
	strategy Strategy
	cfg      cluster.MatchmakingConfig
	metrics  *metric.ClusterMetric
	logger   *zap.Logger
	now      func() time.Time
	wake     chan struct{}
}

type MatcherOption func(*Matcher)

func WithLogger(l *zap.Logger) MatcherOption {
	return func(m *Matcher) { m.logger = l.Named("matchmaking") }
}

func WithStrategy(s Strategy) MatcherOption {
	return func(m *Matcher) { m.strategy = s }
}

func WithMetrics(cm *metric.ClusterMetric) MatcherOption {
	return func(m *Matcher) { m.metrics = cm }
}

func WithClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) { m.now = now }
}

func NewMatcher(queue *Queue, elector Elector, locks *lock.Manager, conns Connections, creator Creator, cfg cluster.MatchmakingConfig, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		queue:    queue,
		elector:  elector,
		locks:    locks,
		conns:    conns,
		creator:  creator,
		strategy: NewStrategy(cfg, nil),
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wake schedules a pairing pass without waiting for the periodic tick.
func (m *Matcher) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// AttemptMatch runs one pairing pass if this instance leads. It returns the
// number of pairs formed, at most one per rule set.
func (m *Matcher) AttemptMatch(ctx context.Context) (int, error) {
	if !m.elector.IsLeader(ctx) {
		return 0, nil
	}
	return m.match(ctx)
}

func (m *Matcher) match(ctx context.Context) (int, error) {
	var matched int
	opts := lock.Options{TTL: m.cfg.LockTTL, RetryCount: 3}
	err := m.locks.WithLock(ctx, cluster.LockMatchmaking, opts, func(ctx context.Context) error {
		ruleSets, err := m.queue.RuleSets(ctx)
		if err != nil {
			return err
		}
		for _, rs := range ruleSets {
			ok, err := m.matchRuleSet(ctx, rs)
			if err != nil {
				m.logger.Warn("matching failed", zap.String("ruleset", rs), zap.Error(err))
				continue
			}
			if ok {
				matched++
			}
		}
		return nil
	})
	if errors.Is(err, cluster.ErrLockExhausted) {
		m.logger.Debug("another matching pass is running")
		return 0, nil
	}
	return matched, err
}

func (m *Matcher) matchRuleSet(ctx context.Context, ruleSetID string) (bool, error) {
	entries, err := m.queue.List(ctx, ruleSetID)
	if err != nil || len(entries) < 2 {
		return false, err
	}

	live := make([]cluster.MatchmakingEntry, 0, len(entries))
	for _, e := range entries {
		ok, err := m.connected(ctx, e)
		if err != nil {
			return false, err
		}
		if ok {
			live = append(live, e)
		}
	}

	i, j, ok := m.strategy.Pick(live, m.now())
	if !ok {
		return false, nil
	}
	a, b := live[i], live[j]
	if a.PlayerID == b.PlayerID {
		m.logger.Error("strategy paired a player with itself",
			zap.String("strategy", m.strategy.Name()),
			zap.String("player", a.PlayerID))
		return false, nil
	}

	var roomID string
	err = m.locks.WithLock(ctx, cluster.PairLock(a.Key(), b.Key()), lock.Options{}, func(ctx context.Context) error {
		for _, e := range []cluster.MatchmakingEntry{a, b} {
			queued, err := m.queue.Contains(ctx, e)
			if err != nil {
				return err
			}
			if !queued {
				return errAbandoned
			}
			ok, err := m.connected(ctx, e)
			if err != nil {
				return err
			}
			if !ok {
				return errAbandoned
			}
		}

		id, err := m.creator.CreateMatch(ctx, ruleSetID, a, b)
		if err != nil {
			return err
		}
		roomID = id
		return m.queue.Remove(ctx, a, b)
	})
	if errors.Is(err, errAbandoned) {
		m.logger.Debug("pair changed before commit, abandoning",
			zap.String("ruleset", ruleSetID),
			zap.String("a", a.Key()),
			zap.String("b", b.Key()))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.logger.Info("match formed",
		zap.String("ruleset", ruleSetID),
		zap.String("room", roomID),
		zap.String("strategy", m.strategy.Name()),
		zap.String("a", a.Key()),
		zap.String("b", b.Key()))
	m.metrics.RecordMatch(ctx, ruleSetID)
	return true, nil
}

func (m *Matcher) connected(ctx context.Context, e cluster.MatchmakingEntry) (bool, error) {
	conn, err := m.conns.Load(ctx, e.PlayerID, e.SessionID)
	if err != nil {
		return false, err
	}
	return conn.Connected(), nil
}

// Cleanup removes queue entries whose connection is gone or disconnected and
// returns how many were removed.
func (m *Matcher) Cleanup(ctx context.Context) (int, error) {
	ruleSets, err := m.queue.RuleSets(ctx)
	if err != nil {
		return 0, err
	}

	var removed int
	for _, rs := range ruleSets {
		entries, err := m.queue.List(ctx, rs)
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			ok, err := m.connected(ctx, e)
			if err != nil {
				return removed, err
			}
			if ok {
				continue
			}
			if err := m.queue.Remove(ctx, e); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("removed orphaned queue entries", zap.Int("count", removed))
	}
	return removed, nil
}

// Run pairs on every wake-up and every periodic interval until ctx is done.
// Orphan cleanup runs with the periodic pass.
func (m *Matcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PeriodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			m.pass(ctx, false)
		case <-ticker.C:
			m.pass(ctx, true)
		}
	}
}

func (m *Matcher) pass(ctx context.Context, periodic bool) {
	if !m.elector.IsLeader(ctx) {
		return
	}
	if periodic {
		if _, err := m.Cleanup(ctx); err != nil {
			m.logger.Warn("queue cleanup failed", zap.Error(err))
		}
	}
	n, err := m.match(ctx)
	if err != nil {
		m.logger.Warn("matching pass failed", zap.Error(err))
		return
	}
	// More pairs may be waiting; at most one per rule set is formed per pass.
	if n > 0 {
		m.Wake()
	}
}
