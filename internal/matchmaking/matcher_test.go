package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/connection"
	"github.com/arcadia-eternity/battle-cluster/internal/lock"
	"github.com/arcadia-eternity/battle-cluster/internal/room"
	"github.com/arcadia-eternity/battle-cluster/internal/store/storetest"
)

type alwaysLeader bool

func (l alwaysLeader) IsLeader(context.Context) bool { return bool(l) }

type staticMembers struct {
	ids []string
	err error
}

func (m staticMembers) Healthy(context.Context) ([]cluster.InstanceDescriptor, error) {
	out := make([]cluster.InstanceDescriptor, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, cluster.InstanceDescriptor{ID: id, Status: cluster.InstanceHealthy})
	}
	return out, m.err
}

// roomCreator creates rooms through a real coordinator so the one-room-per
// session rule is enforced by the store.
type roomCreator struct {
	rooms *room.Coordinator

	mu      sync.Mutex
	created [][2]cluster.MatchmakingEntry
}

func (c *roomCreator) CreateMatch(ctx context.Context, ruleSetID string, a, b cluster.MatchmakingEntry) (string, error) {
	r, err := c.rooms.Create(ctx, room.CreateRequest{
		SessionPlayers: map[string]string{a.SessionID: a.PlayerID, b.SessionID: b.PlayerID},
		Metadata:       map[string]string{"ruleSetId": ruleSetID},
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, [2]cluster.MatchmakingEntry{a, b})
	return r.ID, nil
}

func (c *roomCreator) pairs() [][2]cluster.MatchmakingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]cluster.MatchmakingEntry(nil), c.created...)
}

type env struct {
	s     *miniredis.Miniredis
	conns *connection.Registry
	queue *Queue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	rdb, s := storetest.New(t)
	return &env{
		s: s,
		conns: connection.New(rdb, keys, cluster.ConnectionConfig{
			EntryTTL: time.Hour,
			IndexTTL: time.Hour,
			CacheTTL: time.Second,
		}),
		queue: NewQueue(rdb, keys, testConfig),
	}
}

func (e *env) locks(t *testing.T) *lock.Manager {
	return lock.New(storetest.Client(t, e.s), keys, cluster.LockConfig{
		TTL:        time.Second,
		RetryCount: 200,
		RetryDelay: 2 * time.Millisecond,
	})
}

func (e *env) matcher(t *testing.T, self string, leader Elector) (*Matcher, *roomCreator) {
	t.Helper()
	locks := e.locks(t)
	rooms := room.New(storetest.Client(t, e.s), keys, cluster.DefaultConfig().Rooms, self, locks, e.conns)
	t.Cleanup(rooms.Close)
	creator := &roomCreator{rooms: rooms}
	return NewMatcher(e.queue, leader, locks, e.conns, creator, testConfig,
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return t0.Add(time.Minute) })), creator
}

func (e *env) queued(t *testing.T, player, session string, joined time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.conns.Set(ctx, cluster.SessionConnection{
		PlayerID:   player,
		SessionID:  session,
		InstanceID: "battle-a",
		Handle:     "battle-a/" + session,
	}))
	require.NoError(t, e.queue.Join(ctx, entry(player, session, cluster.DefaultRuleSet, joined)))
}

func TestLeaderPairsTwoQueuedSessions(t *testing.T) {
	e := newEnv(t)
	m, creator := e.matcher(t, "battle-a", alwaysLeader(true))
	ctx := context.Background()

	e.queued(t, "alice", "s1", t0)
	e.queued(t, "bob", "s2", t0.Add(time.Second))

	n, err := m.AttemptMatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pairs := creator.pairs()
	require.Len(t, pairs, 1)
	require.Equal(t, "alice", pairs[0][0].PlayerID)
	require.Equal(t, "bob", pairs[0][1].PlayerID)

	size, err := e.queue.Size(ctx, cluster.DefaultRuleSet)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestFollowerDoesNotMatch(t *testing.T) {
	e := newEnv(t)
	m, creator := e.matcher(t, "battle-b", alwaysLeader(false))

	e.queued(t, "alice", "s1", t0)
	e.queued(t, "bob", "s2", t0.Add(time.Second))

	n, err := m.AttemptMatch(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, creator.pairs())
}

func TestDisconnectedEntryIsSkipped(t *testing.T) {
	e := newEnv(t)
	m, creator := e.matcher(t, "battle-a", alwaysLeader(true))
	ctx := context.Background()

	e.queued(t, "alice", "s1", t0)
	e.queued(t, "bob", "s2", t0.Add(time.Second))
	e.queued(t, "carol", "s3", t0.Add(2*time.Second))
	_, err := e.conns.MarkDisconnected(ctx, "alice", "s1")
	require.NoError(t, err)

	n, err := m.AttemptMatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	pairs := creator.pairs()
	require.Equal(t, "bob", pairs[0][0].PlayerID)
	require.Equal(t, "carol", pairs[0][1].PlayerID)

	removed, err := m.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	size, err := e.queue.Size(ctx, cluster.DefaultRuleSet)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestSamePlayerSessionsAreNotPaired(t *testing.T) {
	e := newEnv(t)
	m, creator := e.matcher(t, "battle-a", alwaysLeader(true))

	e.queued(t, "alice", "s1", t0)
	e.queued(t, "alice", "s2", t0.Add(time.Second))

	n, err := m.AttemptMatch(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, creator.pairs())
}

type failingCreator struct{}

func (failingCreator) CreateMatch(context.Context, string, cluster.MatchmakingEntry, cluster.MatchmakingEntry) (string, error) {
	return "", errors.New("no instance can host")
}

func TestFailedCreationKeepsEntriesQueued(t *testing.T) {
	e := newEnv(t)
	m := NewMatcher(e.queue, alwaysLeader(true), e.locks(t), e.conns, failingCreator{}, testConfig)
	ctx := context.Background()

	e.queued(t, "alice", "s1", t0)
	e.queued(t, "bob", "s2", t0.Add(time.Second))

	n, err := m.AttemptMatch(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	size, err := e.queue.Size(ctx, cluster.DefaultRuleSet)
	require.NoError(t, err)
	require.EqualValues(t, 2, size)
}

func TestConcurrentMatchersNeverReuseASession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const players = 12
	for i := 0; i < players; i++ {
		e.queued(t, fmt.Sprintf("p%d", i), fmt.Sprintf("s%d", i), t0.Add(time.Duration(i)*time.Millisecond))
	}
	// Adversarial: one player also queued from a second device.
	e.queued(t, "p0", "s0-b", t0.Add(time.Second))

	var creators []*roomCreator
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		m, c := e.matcher(t, fmt.Sprintf("battle-%d", i), alwaysLeader(true))
		creators = append(creators, c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if size, err := e.queue.Size(ctx, cluster.DefaultRuleSet); err == nil && size < 2 {
					return
				}
				_, _ = m.AttemptMatch(ctx)
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	total := 0
	for _, c := range creators {
		for _, pair := range c.pairs() {
			require.NotEqual(t, pair[0].PlayerID, pair[1].PlayerID)
			for _, en := range pair {
				require.False(t, seen[en.SessionID], "session %s matched twice", en.SessionID)
				seen[en.SessionID] = true
			}
			total++
		}
	}
	require.Equal(t, players/2, total)
}

func TestLeaderElection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := NewLeader("battle-a", staticMembers{ids: []string{"battle-b", "battle-a"}}, e.locks(t), testConfig, zaptest.NewLogger(t))
	b := NewLeader("battle-b", staticMembers{ids: []string{"battle-b", "battle-a"}}, e.locks(t), testConfig, zaptest.NewLogger(t))
	require.True(t, a.IsLeader(ctx))
	require.False(t, b.IsLeader(ctx))

	alone := NewLeader("battle-c", staticMembers{}, e.locks(t), testConfig, nil)
	require.True(t, alone.IsLeader(ctx))

	broken := NewLeader("battle-a", staticMembers{err: cluster.NewError(cluster.CodeUnavailable, "store down")}, e.locks(t), testConfig, nil)
	require.False(t, broken.IsLeader(ctx))
}
