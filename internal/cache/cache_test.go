package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	c := New[string](16, time.Minute)

	var loads atomic.Int32
	load := func(context.Context) (string, bool, error) {
		loads.Inc()
		return "battle-a", true, nil
	}

	v, found, err := c.Get(ctx, "k", load, nil)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "battle-a", v)

	v, _, _ = c.Get(ctx, "k", load, nil)
	require.Equal(t, "battle-a", v)
	require.Equal(t, int32(1), loads.Load())

	c.Invalidate("k")
	_, _, _ = c.Get(ctx, "k", load, nil)
	require.Equal(t, int32(2), loads.Load())
}

func TestValidatorForcesReload(t *testing.T) {
	ctx := context.Background()
	c := New[string](16, time.Minute)
	c.Put("k", "stale")

	v, found, err := c.Get(ctx, "k", func(context.Context) (string, bool, error) {
		return "fresh", true, nil
	}, func(_ context.Context, v string) bool { return v != "stale" })
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "fresh", v)
}

func TestMissesAndErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	c := New[int](16, time.Minute)

	_, found, err := c.Get(ctx, "missing", func(context.Context) (int, bool, error) {
		return 0, false, nil
	}, nil)
	require.NoError(t, err)
	require.False(t, found)
	require.Zero(t, c.Len())

	boom := errors.New("store down")
	_, _, err = c.Get(ctx, "broken", func(context.Context) (int, bool, error) {
		return 0, false, boom
	}, nil)
	require.ErrorIs(t, err, boom)
	require.Zero(t, c.Len())
}

func TestEntriesExpire(t *testing.T) {
	ctx := context.Background()
	c := New[int](16, 20*time.Millisecond)
	c.Put("k", 1)

	require.Eventually(t, func() bool {
		_, found, _ := c.Get(ctx, "k", func(context.Context) (int, bool, error) {
			return 0, false, nil
		}, nil)
		return !found
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	c := New[int](16, time.Minute)

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (int, bool, error) {
		loads.Inc()
		<-release
		return 42, true, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.Get(ctx, "k", load, nil)
			require.NoError(t, err)
			require.Equal(t, 42, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	require.Equal(t, int32(1), loads.Load())
}
