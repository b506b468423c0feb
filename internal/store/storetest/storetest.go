// Package storetest starts an in-process Redis for tests.
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// New starts a miniredis server and returns a client connected to it. Both
// are closed when the test ends.
func New(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		s.Close()
	})

	return rdb, s
}

// Client returns another client to the same server, as a second instance
// of the cluster would hold.
func Client(t testing.TB, s *miniredis.Miniredis) *redis.Client {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
