package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoomStateValidate(t *testing.T) {
	t.Parallel()

	room := &RoomState{ID: "r1"}
	room.AddSession("s1", "alice")
	room.AddSession("s2", "bob")
	require.NoError(t, room.Validate())

	room.AddSession("s1", "alice")
	require.Len(t, room.Sessions, 2)

	room.RemoveSession("s1")
	require.NoError(t, room.Validate())
	require.Equal(t, []string{"s2"}, room.Sessions)
	require.False(t, room.HasSession("s1"))

	diverged := &RoomState{ID: "r2", Sessions: []string{"s1"}, SessionPlayers: map[string]string{"s2": "bob"}}
	require.ErrorIs(t, diverged.Validate(), ErrValidation)

	duplicate := &RoomState{ID: "r3", Sessions: []string{"s1", "s1"}, SessionPlayers: map[string]string{"s1": "a"}}
	require.ErrorIs(t, duplicate.Validate(), ErrValidation)
}

func TestInstanceDescriptorStale(t *testing.T) {
	t.Parallel()

	now := time.Now()
	d := InstanceDescriptor{ID: "a", LastHeartbeat: now.Add(-11 * time.Second)}
	require.True(t, d.Stale(now, 10*time.Second))
	require.False(t, d.Stale(now, 20*time.Second))
	require.True(t, InstanceDescriptor{}.Stale(now, time.Hour))
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("create room: %w", NewError(CodeLockExhausted, "lock %s busy", "room:1"))
	require.ErrorIs(t, err, ErrLockExhausted)
	require.NotErrorIs(t, err, ErrNotFound)
	require.True(t, IsRetryable(err))
	require.Equal(t, CodeLockExhausted, CodeOf(err))

	wrapped := WrapError(CodeUnavailable, errors.New("dial tcp: refused"), "store")
	require.Equal(t, "UNAVAILABLE: store: dial tcp: refused", wrapped.Error())
	require.Equal(t, "dial tcp: refused", errors.Unwrap(wrapped).Error())

	require.Equal(t, CodeTimeout, CodeOf(context.DeadlineExceeded))
	require.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	require.False(t, IsRetryable(NewError(CodeValidation, "bad")))
	require.Equal(t, Code(""), CodeOf(nil))
}

func TestPairLockIsOrderIndependent(t *testing.T) {
	t.Parallel()

	require.Equal(t, PairLock("b:2", "a:1"), PairLock("a:1", "b:2"))
	require.Equal(t, "match:a:1:b:2", PairLock("b:2", "a:1"))
}

func TestKeyspacePrefix(t *testing.T) {
	t.Parallel()

	ks := NewKeyspace("battle:")
	require.Equal(t, "battle:instance:i1", ks.Instance("i1"))
	require.Equal(t, "battle:instance:i1:actions", ks.ActionsChannel("i1"))
	require.Equal(t, "lock:matchmaking", Keyspace{}.Lock(LockMatchmaking))
}
