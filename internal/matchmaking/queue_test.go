package matchmaking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/store/storetest"
)

var keys = cluster.NewKeyspace("battle")

var testConfig = cluster.MatchmakingConfig{
	EntryTTL:         30 * time.Minute,
	PeriodicInterval: time.Hour,
	LockTTL:          time.Second,
	LeaderLockTTL:    time.Second,
	Strategy:         cluster.FIFOStrategy,
	Elo: cluster.EloConfig{
		InitialRange:       100,
		ExpansionPerSecond: 10,
		MaxDifference:      500,
		MaxWait:            300 * time.Second,
		DefaultRating:      1200,
	},
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func entry(player, session, ruleSet string, joined time.Time) cluster.MatchmakingEntry {
	return cluster.MatchmakingEntry{
		PlayerID:  player,
		SessionID: session,
		RuleSetID: ruleSet,
		JoinTime:  joined,
	}
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	rdb, s := storetest.New(t)
	return NewQueue(rdb, keys, testConfig, WithQueueLogger(zaptest.NewLogger(t))), s
}

func TestQueueOrdersByJoinTime(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	late := entry("bob", "s2", "standard", t0.Add(time.Second))
	late.Payload = json.RawMessage(`{"rating":1300}`)
	require.NoError(t, q.Join(ctx, late))
	require.NoError(t, q.Join(ctx, entry("alice", "s1", "standard", t0)))
	require.NoError(t, q.Join(ctx, entry("carol", "s3", "ranked", t0)))

	entries, err := q.List(ctx, "standard")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "alice", entries[0].PlayerID)
	require.Equal(t, "bob", entries[1].PlayerID)
	require.True(t, entries[0].JoinTime.Equal(t0))
	require.JSONEq(t, `{"rating":1300}`, string(entries[1].Payload))

	sizes, err := q.Sizes(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"standard": 2, "ranked": 1}, sizes)
}

func TestJoinMovesSessionBetweenRuleSets(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Join(ctx, entry("alice", "s1", "standard", t0)))
	require.NoError(t, q.Join(ctx, entry("alice", "s1", "ranked", t0)))

	n, err := q.Size(ctx, "standard")
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = q.Size(ctx, "ranked")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Re-joining the same rule set keeps a single entry.
	require.NoError(t, q.Join(ctx, entry("alice", "s1", "ranked", t0.Add(time.Second))))
	n, err = q.Size(ctx, "ranked")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestConcurrentJoinsKeepOneQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ruleSets := []string{"standard", "ranked", "casual", "draft"}
	for round := 0; round < 20; round++ {
		session := fmt.Sprintf("s%d", round)
		var wg sync.WaitGroup
		for _, rs := range ruleSets {
			wg.Add(1)
			go func(rs string) {
				defer wg.Done()
				require.NoError(t, q.Join(ctx, entry("alice", session, rs, t0)))
			}(rs)
		}
		wg.Wait()

		queued := 0
		for _, rs := range ruleSets {
			in, err := q.Contains(ctx, entry("alice", session, rs, t0))
			require.NoError(t, err)
			if in {
				queued++
			}
		}
		require.Equal(t, 1, queued, "session %s", session)
	}
}

func TestLeaveAndContains(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	e := entry("alice", "s1", "standard", t0)
	require.NoError(t, q.Join(ctx, e))

	in, err := q.Contains(ctx, e)
	require.NoError(t, err)
	require.True(t, in)

	rs, err := q.Leave(ctx, "alice", "s1")
	require.NoError(t, err)
	require.Equal(t, "standard", rs)

	in, err = q.Contains(ctx, e)
	require.NoError(t, err)
	require.False(t, in)

	rs, err = q.Leave(ctx, "alice", "s1")
	require.NoError(t, err)
	require.Empty(t, rs)
}

func TestExpiredEntriesArePruned(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Join(ctx, entry("alice", "s1", "standard", t0)))
	s.FastForward(testConfig.EntryTTL + time.Second)

	entries, err := q.List(ctx, "standard")
	require.NoError(t, err)
	require.Empty(t, entries)

	n, err := q.Size(ctx, "standard")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestJoinRejectsInvalidEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.Join(context.Background(), entry("alice", "", "standard", t0))
	require.ErrorIs(t, err, cluster.ErrValidation)
}
