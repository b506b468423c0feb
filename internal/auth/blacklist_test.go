package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
	"github.com/arcadia-eternity/battle-cluster/internal/store/storetest"
)

var keys = cluster.NewKeyspace("battle")

func sign(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestRevokeStoresUntilExpiry(t *testing.T) {
	rdb, s := storetest.New(t)
	now := time.Now()
	b := NewBlacklist(rdb, keys, WithLogger(zaptest.NewLogger(t)), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	token := sign(t, jwt.RegisteredClaims{
		ID:        "jti-1",
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	})
	entry, err := b.Revoke(ctx, token, "logout")
	require.NoError(t, err)
	require.Equal(t, "jti-1", entry.JTI)
	require.Equal(t, "logout", entry.Reason)

	revoked, err := b.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.True(t, revoked)

	ttl := s.TTL(keys.Blacklist("jti-1"))
	require.Greater(t, ttl, 9*time.Minute)
	require.LessOrEqual(t, ttl, 10*time.Minute)

	s.FastForward(11 * time.Minute)
	revoked, err = b.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevokeSkipsExpiredToken(t *testing.T) {
	rdb, s := storetest.New(t)
	now := time.Now()
	b := NewBlacklist(rdb, keys, WithClock(func() time.Time { return now }))

	token := sign(t, jwt.RegisteredClaims{ID: "old", ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))})
	_, err := b.Revoke(context.Background(), token, "logout")
	require.NoError(t, err)
	require.False(t, s.Exists(keys.Blacklist("old")))
}

func TestRevokeWithoutExpiryUsesDefaultTTL(t *testing.T) {
	rdb, s := storetest.New(t)
	b := NewBlacklist(rdb, keys)

	_, err := b.Revoke(context.Background(), sign(t, jwt.RegisteredClaims{ID: "forever"}), "")
	require.NoError(t, err)
	ttl := s.TTL(keys.Blacklist("forever"))
	require.Greater(t, ttl, DefaultTTL-time.Minute)
	require.LessOrEqual(t, ttl, DefaultTTL)
}

func TestRevokeRejectsBadTokens(t *testing.T) {
	rdb, _ := storetest.New(t)
	b := NewBlacklist(rdb, keys)

	_, err := b.Revoke(context.Background(), "not-a-token", "")
	require.ErrorIs(t, err, cluster.ErrValidation)

	_, err = b.Revoke(context.Background(), sign(t, jwt.RegisteredClaims{Subject: "alice"}), "")
	require.ErrorIs(t, err, cluster.ErrValidation)
}

func TestAreRevokedAndRestore(t *testing.T) {
	rdb, _ := storetest.New(t)
	b := NewBlacklist(rdb, keys)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, b.Add(ctx, Entry{JTI: "a", Expiry: expiry}))
	require.NoError(t, b.Add(ctx, Entry{JTI: "c", Expiry: expiry}))

	got, err := b.AreRevoked(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"a": true, "b": false, "c": true}, got)

	require.NoError(t, b.Restore(ctx, "a"))
	revoked, err := b.IsRevoked(ctx, "a")
	require.NoError(t, err)
	require.False(t, revoked)

	empty, err := b.AreRevoked(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}
