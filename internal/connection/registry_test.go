package connection

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/store/storetest"
)

var testConfig = cluster.ConnectionConfig{
	EntryTTL:        time.Hour,
	IndexTTL:        time.Hour,
	CacheTTL:        time.Minute,
	DisconnectGrace: time.Minute,
}

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()

	rdb, s := storetest.New(t)
	return New(rdb, cluster.NewKeyspace("battle"), testConfig, WithLogger(zaptest.NewLogger(t))), s
}

func conn(player, session, instance string) cluster.SessionConnection {
	return cluster.SessionConnection{
		PlayerID:   player,
		SessionID:  session,
		InstanceID: instance,
		Handle:     instance + "/" + session,
		Metadata:   map[string]string{"client": "web"},
	}
}

func TestSetAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, conn("alice", "s1", "battle-a")))

	got, err := r.GetBySession(ctx, "alice", "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "battle-a", got.InstanceID)
	require.Equal(t, "battle-a/s1", got.Handle)
	require.Equal(t, cluster.ConnectionConnected, got.Status)
	require.Equal(t, "web", got.Metadata["client"])

	missing, err := r.GetBySession(ctx, "alice", "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	players, err := r.ActivePlayers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, players)
}

func TestSetRejectsIncompleteConnections(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.ErrorIs(t, r.Set(ctx, conn("", "s1", "battle-a")), cluster.ErrValidation)
	require.ErrorIs(t, r.Set(ctx, conn("alice", "", "battle-a")), cluster.ErrValidation)
	require.ErrorIs(t, r.Set(ctx, conn("alice", "s1", "")), cluster.ErrValidation)
}

func TestSetSurfacesPartialWrite(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	// A wrong-typed active index makes the SADD fail inside the transaction
	// while the other commands succeed.
	require.NoError(t, s.Set("battle:players:active", "corrupt"))

	err := r.Set(ctx, conn("alice", "s1", "battle-a"))
	require.ErrorIs(t, err, cluster.ErrPartialWrite)
	require.True(t, cluster.IsRetryable(err))
}

func TestRemoveLastSessionLeavesActiveIndex(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, conn("alice", "s1", "battle-a")))
	require.NoError(t, r.Set(ctx, conn("alice", "s2", "battle-b")))

	conns, err := r.ListByPlayer(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, conns, 2)

	left, err := r.Remove(ctx, "alice", "s1")
	require.NoError(t, err)
	require.False(t, left)

	n, err := r.CountActive(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	gone, err := r.GetBySession(ctx, "alice", "s1")
	require.NoError(t, err)
	require.Nil(t, gone)

	left, err = r.Remove(ctx, "alice", "s2")
	require.NoError(t, err)
	require.True(t, left)

	n, err = r.CountActive(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCachedReadIsRevalidated(t *testing.T) {
	r, _ := newTestRegistry(t)
	other := New(r.rdb, r.keys, testConfig)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, conn("alice", "s1", "battle-a")))
	_, err := r.MarkDisconnected(ctx, "alice", "s1")
	require.NoError(t, err)

	// The other instance never cached the connected state and sees the
	// disconnect straight away.
	got, err := other.GetBySession(ctx, "alice", "s1")
	require.NoError(t, err)
	require.Equal(t, cluster.ConnectionDisconnected, got.Status)

	// A disconnected cache entry is not trusted and is reloaded.
	require.NoError(t, other.Set(ctx, conn("alice", "s1", "battle-b")))
	got, err = r.GetBySession(ctx, "alice", "s1")
	require.NoError(t, err)
	require.Equal(t, "battle-b", got.InstanceID)
	require.True(t, got.Connected())
}

func TestListByPlayerPrunesExpired(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, conn("bob", "s1", "battle-a")))
	s.Del("battle:connection:bob:s1")

	conns, err := r.ListByPlayer(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, conns)

	n, err := r.rdb.SCard(ctx, "battle:player:bob:sessions").Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCachedConnectionDroppedAfterRemovalElsewhere(t *testing.T) {
	r, _ := newTestRegistry(t)
	other := New(r.rdb, r.keys, testConfig)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, conn("alice", "s1", "battle-a")))

	// The other instance caches the connected state first.
	cached, err := other.GetBySession(ctx, "alice", "s1")
	require.NoError(t, err)
	require.True(t, cached.Connected())

	_, err = r.Remove(ctx, "alice", "s1")
	require.NoError(t, err)

	got, err := other.GetBySession(ctx, "alice", "s1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCachedConnectionFollowsNewHandle(t *testing.T) {
	r, _ := newTestRegistry(t)
	other := New(r.rdb, r.keys, testConfig)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, conn("alice", "s1", "battle-a")))
	_, err := other.GetBySession(ctx, "alice", "s1")
	require.NoError(t, err)

	// The session reconnects through another instance.
	require.NoError(t, r.Set(ctx, conn("alice", "s1", "battle-b")))

	got, err := other.GetBySession(ctx, "alice", "s1")
	require.NoError(t, err)
	require.Equal(t, "battle-b", got.InstanceID)
	require.Equal(t, "battle-b/s1", got.Handle)
}

func TestInvalidateDropsCachedEntry(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, conn("alice", "s1", "battle-a")))
	require.Equal(t, 1, r.cache.Len())

	r.Invalidate("alice", "s1")
	require.Zero(t, r.cache.Len())

	s.Del("battle:connection:alice:s1")
	got, err := r.GetBySession(ctx, "alice", "s1")
	require.NoError(t, err)
	require.Nil(t, got)
}
